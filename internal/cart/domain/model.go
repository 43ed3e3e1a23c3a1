package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/smallbiznis/orderflow/internal/pricing/domain"
	"gorm.io/gorm"
)

var (
	ErrInvalidOwner     = errors.New("invalid_cart_owner")
	ErrCartNotFound     = errors.New("cart_not_found")
	ErrCartNotActive    = errors.New("cart_not_active")
	ErrItemNotFound     = errors.New("cart_item_not_found")
	ErrVariantNotFound  = errors.New("variant_not_found")
	ErrInvalidQuantity  = errors.New("invalid_quantity")
	ErrCurrencyMismatch = errors.New("cart_currency_mismatch")
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusConverted Status = "CONVERTED"
)

// Owner identifies a signed-in user or a guest. Exactly one field is set.
type Owner struct {
	UserID      string `json:"user_id,omitempty"`
	AnonymousID string `json:"anonymous_id,omitempty"`
}

func (o Owner) Normalize() Owner {
	return Owner{UserID: strings.TrimSpace(o.UserID), AnonymousID: strings.TrimSpace(o.AnonymousID)}
}

func (o Owner) Validate() error {
	o = o.Normalize()
	if (o.UserID == "") == (o.AnonymousID == "") {
		return ErrInvalidOwner
	}
	return nil
}

// Key is a stable string for rate limiting and logging.
func (o Owner) Key() string {
	o = o.Normalize()
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "anon:" + o.AnonymousID
}

type Cart struct {
	ID          snowflake.ID `json:"id"`
	UserID      *string      `json:"user_id,omitempty"`
	AnonymousID *string      `json:"anonymous_id,omitempty"`
	Status      Status       `json:"status"`
	Currency    string       `json:"currency"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Items       []Item       `json:"items" gorm:"-"`
}

func (Cart) TableName() string { return "carts" }

// Owns reports whether owner is this cart's owner.
func (c Cart) Owns(owner Owner) bool {
	owner = owner.Normalize()
	if owner.UserID != "" {
		return c.UserID != nil && *c.UserID == owner.UserID
	}
	return c.AnonymousID != nil && *c.AnonymousID == owner.AnonymousID
}

func (c Cart) Owner() Owner {
	var o Owner
	if c.UserID != nil {
		o.UserID = *c.UserID
	}
	if c.AnonymousID != nil {
		o.AnonymousID = *c.AnonymousID
	}
	return o
}

// PricingInput converts the cart to the calculation input.
func (c Cart) PricingInput() pricingdomain.Cart {
	lines := make([]pricingdomain.Line, 0, len(c.Items))
	for _, item := range c.Items {
		lines = append(lines, pricingdomain.Line{VariantID: item.VariantID, Quantity: item.Quantity})
	}
	return pricingdomain.Cart{ID: c.ID, Lines: lines}
}

type Item struct {
	ID        snowflake.ID `json:"id"`
	CartID    snowflake.ID `json:"cart_id"`
	VariantID snowflake.ID `json:"variant_id"`
	Quantity  int          `json:"quantity"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (Item) TableName() string { return "cart_items" }

// View is the customer-facing projection of a cart.
type View struct {
	Cart        *Cart                         `json:"cart"`
	Calculation pricingdomain.CartCalculation `json:"calculation"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, cart *Cart) (bool, error)
	FindActiveByOwner(ctx context.Context, db *gorm.DB, owner Owner) (*Cart, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Cart, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Cart, error)
	ListItems(ctx context.Context, db *gorm.DB, cartID snowflake.ID) ([]Item, error)
	FindItem(ctx context.Context, db *gorm.DB, cartID, variantID snowflake.ID) (*Item, error)
	AddItem(ctx context.Context, db *gorm.DB, item Item) error
	SetItemQuantity(ctx context.Context, db *gorm.DB, cartID, variantID snowflake.ID, qty int, at time.Time) error
	DeleteItem(ctx context.Context, db *gorm.DB, cartID, variantID snowflake.ID) error
	DeleteItems(ctx context.Context, db *gorm.DB, cartID snowflake.ID) error
	Touch(ctx context.Context, db *gorm.DB, cartID snowflake.ID, at time.Time) error
	MarkConverted(ctx context.Context, db *gorm.DB, cartID snowflake.ID, at time.Time) (bool, error)
	ListStaleActive(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Cart, error)
	VariantExists(ctx context.Context, db *gorm.DB, variantID snowflake.ID) (bool, error)
}
