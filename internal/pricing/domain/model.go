package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	inventorydomain "github.com/smallbiznis/orderflow/internal/inventory/domain"
	"gorm.io/gorm"
)

var ErrInvalidCurrency = errors.New("invalid_currency")

// Validation error codes returned by checkout validation.
const (
	CodeEmptyCart         = "empty_cart"
	CodeMissingPrice      = "missing_price"
	CodeInsufficientStock = "insufficient_stock"
	CodeUnknownVariant    = "unknown_variant"
)

type Variant struct {
	ID        snowflake.ID `json:"id"`
	ProductID snowflake.ID `json:"product_id"`
	SKU       string       `json:"sku"`
	Name      string       `json:"name"`
}

func (Variant) TableName() string { return "product_variants" }

type Price struct {
	VariantID snowflake.ID    `json:"variant_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
}

func (Price) TableName() string { return "variant_prices" }

type Line struct {
	VariantID snowflake.ID
	Quantity  int
}

// Cart is the calculation input: a cart's lines in display order.
type Cart struct {
	ID    snowflake.ID
	Lines []Line
}

type LineCalculation struct {
	VariantID snowflake.ID    `json:"variant_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type CartCalculation struct {
	CartID          snowflake.ID      `json:"cart_id"`
	Currency        string            `json:"currency"`
	Lines           []LineCalculation `json:"lines"`
	Subtotal        decimal.Decimal   `json:"subtotal"`
	ItemCount       int               `json:"item_count"`
	MissingPrices   []snowflake.ID    `json:"missing_prices,omitempty"`
	UnknownVariants []snowflake.ID    `json:"unknown_variants,omitempty"`
}

type ValidationError struct {
	Code      string        `json:"code"`
	VariantID *snowflake.ID `json:"variant_id,omitempty"`
	Message   string        `json:"message"`
}

type Validation struct {
	Valid       bool              `json:"valid"`
	Errors      []ValidationError `json:"errors,omitempty"`
	Calculation CartCalculation   `json:"calculation"`
}

// HasCode reports whether any validation error carries code.
func (v Validation) HasCode(code string) bool {
	for _, e := range v.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

type Repository interface {
	FindVariants(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Variant, error)
	FindPrices(ctx context.Context, db *gorm.DB, ids []snowflake.ID, currency string) ([]Price, error)
}

// StockReader exposes inventory records without locking them.
type StockReader interface {
	RecordTx(ctx context.Context, db *gorm.DB, variantID snowflake.ID) (*inventorydomain.Record, error)
}
