package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrProviderNotFound = errors.New("payment_provider_not_found")
	ErrInvalidProvider  = errors.New("invalid_payment_provider")
	ErrInvalidConfig    = errors.New("invalid_payment_provider_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_payment_event")
	ErrEventIgnored     = errors.New("payment_event_ignored")
	ErrMissingCart      = errors.New("payment_missing_cart")
	ErrAlreadyRefunded  = errors.New("charge_already_refunded")
	ErrRefundFailed     = errors.New("refund_failed")
)

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypeRefunded         = "refunded"
)

// PaymentEvent is the canonical payment event parsed by adapters. Amounts are
// in major currency units.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderPaymentID string
	Type              string
	CartID            snowflake.ID
	Email             string
	Amount            decimal.Decimal
	Currency          string
	Tax               decimal.Decimal
	Shipping          decimal.Decimal
	Discount          decimal.Decimal
	FailureMessage    string
	OccurredAt        time.Time
	RawPayload        []byte
}

type AdapterConfig struct {
	Provider      string
	WebhookSecret string
	SecretKey     string
	APIBase       string
	Tolerance     time.Duration
	HTTPClient    *http.Client
	Now           func() time.Time
}

// PaymentAdapter speaks one gateway's webhook and refund dialect.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
	Refund(ctx context.Context, paymentID string) error
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}
