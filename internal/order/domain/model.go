package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActorSystem  = "system"
	ActorGateway = "gateway"
)

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

type Order struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrderNumber    string          `json:"order_number"`
	CartID         snowflake.ID    `json:"cart_id"`
	InboundEventID snowflake.ID    `json:"inbound_event_id"`
	UserID         *string         `json:"user_id,omitempty"`
	AnonymousID    *string         `json:"anonymous_id,omitempty"`
	Email          string          `json:"email"`
	Status         Status          `json:"status"`
	Currency       string          `json:"currency"`
	SubtotalAmount decimal.Decimal `json:"subtotal_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Items    []Item          `json:"items,omitempty" gorm:"-"`
	Payments []Payment       `json:"payments,omitempty" gorm:"-"`
	History  []StatusHistory `json:"history,omitempty" gorm:"-"`
}

func (Order) TableName() string { return "orders" }

// OwnedBy reports whether the user or guest id placed this order.
func (o Order) OwnedBy(userID, anonymousID string) bool {
	if userID != "" {
		return o.UserID != nil && *o.UserID == userID
	}
	return anonymousID != "" && o.AnonymousID != nil && *o.AnonymousID == anonymousID
}

type Item struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrderID   snowflake.ID    `json:"order_id"`
	VariantID snowflake.ID    `json:"variant_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
	CreatedAt time.Time       `json:"created_at"`
}

func (Item) TableName() string { return "order_items" }

type Payment struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrderID         snowflake.ID    `json:"order_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Method          string          `json:"method"`
	ExternalID      string          `json:"external_id"`
	Status          PaymentStatus   `json:"status"`
	TransactionData datatypes.JSON  `json:"transaction_data,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// StatusHistory is the append-only audit trail of transitions.
type StatusHistory struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID    snowflake.ID `json:"order_id"`
	FromStatus *Status      `json:"from_status,omitempty"`
	Status     Status       `json:"status"`
	Comment    string       `json:"comment"`
	Actor      string       `json:"actor"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (StatusHistory) TableName() string { return "order_status_history" }

// CreateFromPaymentRequest carries a captured payment that should become an
// order. Amounts are in major units.
type CreateFromPaymentRequest struct {
	InboundEventID    snowflake.ID
	CartID            snowflake.ID
	Provider          string
	ExternalPaymentID string
	AmountPaid        decimal.Decimal
	Currency          string
	Email             string
	Tax               decimal.Decimal
	Shipping          decimal.Decimal
	Discount          decimal.Decimal
	TransactionData   datatypes.JSON
}

type TransitionRequest struct {
	OrderID snowflake.ID
	To      Status
	Comment string
	Actor   string
}

// GatewayRefundRequest is a refund that originated at the payment gateway.
type GatewayRefundRequest struct {
	InboundEventID    snowflake.ID
	Provider          string
	ExternalPaymentID string
}

type ListRequest struct {
	Status Status
	UserID string
	Limit  int
	Offset int
}

// Gateway reverses a captured charge. ErrAlreadyRefunded means the charge is
// already reversed and the local transition may proceed.
type Gateway interface {
	Refund(ctx context.Context, payment Payment) error
}

type Repository interface {
	NextSequence(ctx context.Context, db *gorm.DB, name string) (int64, error)
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error
	InsertItems(ctx context.Context, db *gorm.DB, items []Item) error
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	InsertHistory(ctx context.Context, db *gorm.DB, entry *StatusHistory) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByInboundEvent(ctx context.Context, db *gorm.DB, eventID snowflake.ID) (*Order, error)
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]Order, error)
	ListItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]Item, error)
	ListPayments(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]Payment, error)
	ListHistory(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]StatusHistory, error)
	FindPaymentByExternal(ctx context.Context, db *gorm.DB, method, externalID string) (*Payment, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) (bool, error)
	MarkPaymentsRefunded(ctx context.Context, db *gorm.DB, orderID snowflake.ID, at time.Time) error
}
