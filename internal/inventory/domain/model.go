package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInsufficientStock = errors.New("insufficient_stock")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
)

// Record is the per-variant stock ledger.
type Record struct {
	VariantID      snowflake.ID `json:"variant_id" gorm:"primaryKey"`
	Stock          int          `json:"stock"`
	ReservedStock  int          `json:"reserved_stock"`
	TrackInventory bool         `json:"track_inventory"`
	AllowBackorder bool         `json:"allow_backorder"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (Record) TableName() string { return "inventory_records" }

// Available is stock not held by any reservation. It may be negative for
// backorderable variants.
func (r Record) Available() int {
	return r.Stock - r.ReservedStock
}

type Item struct {
	VariantID snowflake.ID `json:"variant_id"`
	Quantity  int          `json:"quantity"`
}

type Availability struct {
	VariantID      snowflake.ID `json:"variant_id"`
	Available      bool         `json:"available"`
	AvailableStock int          `json:"available_stock"`
	Tracked        bool         `json:"tracked"`
}

// InsufficientStockError is a business-rule rejection. It matches
// ErrInsufficientStock through errors.Is.
type InsufficientStockError struct {
	VariantID snowflake.ID
	Requested int
	Available int
	Operation string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient_stock: variant %s requested %d available %d", e.VariantID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type Repository interface {
	FindRecord(ctx context.Context, db *gorm.DB, variantID snowflake.ID) (*Record, error)
	LockRecords(ctx context.Context, db *gorm.DB, variantIDs []snowflake.ID) ([]Record, error)
	AddReserved(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int, at time.Time) (bool, error)
	ReleaseReserved(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int, at time.Time) error
	Consume(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int, at time.Time) (bool, error)
	Restock(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int, at time.Time) error
	Upsert(ctx context.Context, db *gorm.DB, record Record) error
}
