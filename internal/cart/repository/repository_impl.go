package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/cart/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const cartColumns = `id, user_id, anonymous_id, status, currency, created_at, updated_at`

// Insert relies on the partial unique indexes over ACTIVE carts; a losing
// racer inserts nothing and re-reads the winner.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, cart *domain.Cart) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO carts (id, user_id, anonymous_id, status, currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		cart.ID,
		cart.UserID,
		cart.AnonymousID,
		cart.Status,
		cart.Currency,
		cart.CreatedAt,
		cart.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindActiveByOwner(ctx context.Context, db *gorm.DB, owner domain.Owner) (*domain.Cart, error) {
	owner = owner.Normalize()
	column, value := "anonymous_id", owner.AnonymousID
	if owner.UserID != "" {
		column, value = "user_id", owner.UserID
	}

	var item domain.Cart
	err := db.WithContext(ctx).Raw(
		`SELECT `+cartColumns+`
		 FROM carts
		 WHERE `+column+` = ? AND status = ?
		 LIMIT 1`,
		value,
		domain.StatusActive,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Cart, error) {
	var item domain.Cart
	err := db.WithContext(ctx).Raw(
		`SELECT `+cartColumns+`
		 FROM carts
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Cart, error) {
	var items []domain.Cart
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, cartID snowflake.ID) ([]domain.Item, error) {
	var items []domain.Item
	err := db.WithContext(ctx).Raw(
		`SELECT id, cart_id, variant_id, quantity, created_at, updated_at
		 FROM cart_items
		 WHERE cart_id = ?
		 ORDER BY created_at ASC, id ASC`,
		cartID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindItem(ctx context.Context, db *gorm.DB, cartID, variantID snowflake.ID) (*domain.Item, error) {
	var item domain.Item
	err := db.WithContext(ctx).Raw(
		`SELECT id, cart_id, variant_id, quantity, created_at, updated_at
		 FROM cart_items
		 WHERE cart_id = ? AND variant_id = ?
		 LIMIT 1`,
		cartID,
		variantID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// AddItem increments an existing line instead of duplicating it.
func (r *repo) AddItem(ctx context.Context, db *gorm.DB, item domain.Item) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO cart_items (id, cart_id, variant_id, quantity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cart_id, variant_id) DO UPDATE SET
			quantity = cart_items.quantity + excluded.quantity,
			updated_at = excluded.updated_at`,
		item.ID,
		item.CartID,
		item.VariantID,
		item.Quantity,
		item.CreatedAt,
		item.UpdatedAt,
	).Error
}

func (r *repo) SetItemQuantity(ctx context.Context, db *gorm.DB, cartID, variantID snowflake.ID, qty int, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE cart_items
		 SET quantity = ?, updated_at = ?
		 WHERE cart_id = ? AND variant_id = ?`,
		qty,
		at,
		cartID,
		variantID,
	).Error
}

func (r *repo) DeleteItem(ctx context.Context, db *gorm.DB, cartID, variantID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM cart_items WHERE cart_id = ? AND variant_id = ?`,
		cartID,
		variantID,
	).Error
}

func (r *repo) DeleteItems(ctx context.Context, db *gorm.DB, cartID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM cart_items WHERE cart_id = ?`,
		cartID,
	).Error
}

func (r *repo) Touch(ctx context.Context, db *gorm.DB, cartID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE carts SET updated_at = ? WHERE id = ?`,
		at,
		cartID,
	).Error
}

func (r *repo) MarkConverted(ctx context.Context, db *gorm.DB, cartID snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE carts
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusConverted,
		at,
		cartID,
		domain.StatusActive,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListStaleActive(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Cart, error) {
	var items []domain.Cart
	err := db.WithContext(ctx).Raw(
		`SELECT `+cartColumns+`
		 FROM carts c
		 WHERE c.status = ? AND c.updated_at < ?
		   AND EXISTS (SELECT 1 FROM cart_items i WHERE i.cart_id = c.id)
		 ORDER BY c.updated_at ASC
		 LIMIT ?`,
		domain.StatusActive,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) VariantExists(ctx context.Context, db *gorm.DB, variantID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM product_variants WHERE id = ?`,
		variantID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
