package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/pricing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindVariants(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Variant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Variant
	err := db.WithContext(ctx).Raw(
		`SELECT id, product_id, sku, name
		 FROM product_variants
		 WHERE id IN ?`,
		ids,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FindPrices returns prices in exactly one currency. There is no fallback to
// another currency.
func (r *repo) FindPrices(ctx context.Context, db *gorm.DB, ids []snowflake.ID, currency string) ([]domain.Price, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Price
	err := db.WithContext(ctx).Raw(
		`SELECT variant_id, currency, amount
		 FROM variant_prices
		 WHERE variant_id IN ? AND currency = ?`,
		ids,
		currency,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
