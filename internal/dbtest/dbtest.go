// Package dbtest opens throwaway in-memory SQLite stores carrying the
// production schema, for repository and service tests.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/orderflow/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns a fresh database with the schema applied.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplySQLite(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

// Node returns a snowflake node for test ids.
func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// Variant describes a catalog row seeded by SeedVariant.
type Variant struct {
	ID             snowflake.ID
	SKU            string
	Name           string
	Prices         map[string]string
	Stock          int
	Reserved       int
	Untracked      bool
	AllowBackorder bool
	NoInventory    bool
}

// SeedVariant inserts a variant with its prices and inventory record.
func SeedVariant(t *testing.T, db *gorm.DB, v Variant) {
	t.Helper()

	name := v.Name
	if name == "" {
		name = v.SKU
	}
	if err := db.Exec(
		`INSERT INTO product_variants (id, product_id, sku, name) VALUES (?, ?, ?, ?)`,
		v.ID, v.ID, v.SKU, name,
	).Error; err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	for currency, amount := range v.Prices {
		if err := db.Exec(
			`INSERT INTO variant_prices (variant_id, currency, amount) VALUES (?, ?, ?)`,
			v.ID, currency, decimal.RequireFromString(amount),
		).Error; err != nil {
			t.Fatalf("seed price: %v", err)
		}
	}
	if v.NoInventory {
		return
	}
	if err := db.Exec(
		`INSERT INTO inventory_records (variant_id, stock, reserved_stock, track_inventory, allow_backorder, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.Stock, v.Reserved, !v.Untracked, v.AllowBackorder, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
}

// Stock reads the stock and reserved_stock counters of a variant.
func Stock(t *testing.T, db *gorm.DB, variantID snowflake.ID) (int, int) {
	t.Helper()
	var row struct {
		Stock         int
		ReservedStock int
	}
	if err := db.Raw(
		`SELECT stock, reserved_stock FROM inventory_records WHERE variant_id = ?`,
		variantID,
	).Scan(&row).Error; err != nil {
		t.Fatalf("read stock: %v", err)
	}
	return row.Stock, row.ReservedStock
}

// Count returns the row count of a table filtered by an optional where clause.
func Count(t *testing.T, db *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int64
	if err := db.Raw(query, args...).Scan(&n).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
