package migration

import (
	"fmt"

	"gorm.io/gorm"
)

// sqliteSchema mirrors migrations/000001_init.up.sql for local single-node
// runs and tests. Amounts are stored as TEXT so decimals round-trip exactly.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS inbound_events (
		id INTEGER PRIMARY KEY,
		source TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		payload BLOB,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
		max_retries INTEGER NOT NULL DEFAULT 3,
		last_error TEXT,
		escalated_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (source, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS product_variants (
		id INTEGER PRIMARY KEY,
		product_id INTEGER NOT NULL,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS variant_prices (
		variant_id INTEGER NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (variant_id, currency)
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_records (
		variant_id INTEGER PRIMARY KEY,
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		reserved_stock INTEGER NOT NULL DEFAULT 0 CHECK (reserved_stock >= 0),
		track_inventory BOOLEAN NOT NULL DEFAULT TRUE,
		allow_backorder BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS carts (
		id INTEGER PRIMARY KEY,
		user_id TEXT,
		anonymous_id TEXT,
		status TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK ((user_id IS NULL) <> (anonymous_id IS NULL))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_carts_active_user ON carts (user_id) WHERE status = 'ACTIVE' AND user_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_carts_active_anonymous ON carts (anonymous_id) WHERE status = 'ACTIVE' AND anonymous_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		id INTEGER PRIMARY KEY,
		cart_id INTEGER NOT NULL,
		variant_id INTEGER NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (cart_id, variant_id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
	`INSERT INTO order_sequences (name, value) VALUES ('orders', 1000) ON CONFLICT (name) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		cart_id INTEGER NOT NULL,
		inbound_event_id INTEGER NOT NULL UNIQUE,
		user_id TEXT,
		anonymous_id TEXT,
		email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		currency TEXT NOT NULL,
		subtotal_amount TEXT NOT NULL,
		tax_amount TEXT NOT NULL DEFAULT '0',
		shipping_amount TEXT NOT NULL DEFAULT '0',
		discount_amount TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		variant_id INTEGER NOT NULL,
		sku TEXT NOT NULL,
		name TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		line_total TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		method TEXT NOT NULL,
		external_id TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_data TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (method, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_status_history (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		from_status TEXT,
		status TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

// ApplySQLite creates the schema on a SQLite handle. Statements are idempotent.
func ApplySQLite(db *gorm.DB) error {
	for _, stmt := range sqliteSchema {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}
