package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/inventory/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindRecord(ctx context.Context, db *gorm.DB, variantID snowflake.ID) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT variant_id, stock, reserved_stock, track_inventory, allow_backorder, updated_at
		 FROM inventory_records
		 WHERE variant_id = ?
		 LIMIT 1`,
		variantID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.VariantID == 0 {
		return nil, nil
	}
	return &item, nil
}

// LockRecords takes row locks in ascending variant order so concurrent
// checkouts over overlapping variants cannot deadlock.
func (r *repo) LockRecords(ctx context.Context, db *gorm.DB, variantIDs []snowflake.ID) ([]domain.Record, error) {
	if len(variantIDs) == 0 {
		return nil, nil
	}
	var items []domain.Record
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("variant_id IN ?", variantIDs).
		Order("variant_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) AddReserved(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inventory_records
		 SET reserved_stock = reserved_stock + ?, updated_at = ?
		 WHERE variant_id = ?
		   AND (allow_backorder = TRUE OR stock - reserved_stock >= ?)`,
		qty,
		at,
		variantID,
		qty,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ReleaseReserved(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE inventory_records
		 SET reserved_stock = CASE WHEN reserved_stock >= ? THEN reserved_stock - ? ELSE 0 END,
			updated_at = ?
		 WHERE variant_id = ?`,
		qty,
		qty,
		at,
		variantID,
	).Error
}

// Consume turns a reservation into a sale. Backordered sales clamp stock at zero.
func (r *repo) Consume(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inventory_records
		 SET stock = CASE WHEN stock >= ? THEN stock - ? ELSE 0 END,
			reserved_stock = reserved_stock - ?,
			updated_at = ?
		 WHERE variant_id = ?
		   AND reserved_stock >= ?
		   AND (allow_backorder = TRUE OR stock >= ?)`,
		qty,
		qty,
		qty,
		at,
		variantID,
		qty,
		qty,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Restock(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE inventory_records
		 SET stock = stock + ?, updated_at = ?
		 WHERE variant_id = ?`,
		qty,
		at,
		variantID,
	).Error
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record domain.Record) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO inventory_records (variant_id, stock, reserved_stock, track_inventory, allow_backorder, updated_at)
		 VALUES (?, ?, 0, ?, ?, ?)
		 ON CONFLICT (variant_id) DO UPDATE SET
			stock = excluded.stock,
			track_inventory = excluded.track_inventory,
			allow_backorder = excluded.allow_backorder,
			updated_at = excluded.updated_at`,
		record.VariantID,
		record.Stock,
		record.TrackInventory,
		record.AllowBackorder,
		record.UpdatedAt,
	).Error
}
