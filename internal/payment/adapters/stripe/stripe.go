package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
)

const (
	defaultAPIBase   = "https://api.stripe.com"
	defaultTolerance = 5 * time.Minute
)

// Currencies Stripe charges without a minor unit.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	tolerance := cfg.Tolerance
	if tolerance == 0 {
		tolerance = defaultTolerance
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Adapter{
		webhookSecret: secret,
		secretKey:     strings.TrimSpace(cfg.SecretKey),
		apiBase:       apiBase,
		tolerance:     tolerance,
		client:        client,
		now:           now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	secretKey     string
	apiBase       string
	tolerance     time.Duration
	client        *http.Client
	now           func() time.Time
}

// Verify checks the Stripe-Signature header: an HMAC-SHA256 over
// "<t>.<payload>" and a timestamp inside the tolerance window.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		age := a.now().Sub(time.Unix(signedAt, 0))
		if age > a.tolerance || age < -a.tolerance {
			return paymentdomain.ErrInvalidSignature
		}
	}

	expected := sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentFailed)
	case "charge.refunded":
		return a.parseRefund(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

// Refund reverses a charge through POST /v1/refunds. Stripe's
// charge_already_refunded code maps to ErrAlreadyRefunded.
func (a *Adapter) Refund(ctx context.Context, paymentID string) error {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	if a.secretKey == "" {
		return paymentdomain.ErrInvalidConfig
	}

	form := url.Values{}
	if strings.HasPrefix(paymentID, "ch_") {
		form.Set("charge", paymentID)
	} else {
		form.Set("payment_intent", paymentID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/v1/refunds", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", "refund-"+paymentID)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", paymentdomain.ErrRefundFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 300 {
		return nil
	}

	var apiErr stripeErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	if apiErr.Error.Code == "charge_already_refunded" {
		return paymentdomain.ErrAlreadyRefunded
	}
	return fmt.Errorf("%w: stripe status %d code %q: %s",
		paymentdomain.ErrRefundFailed, resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID               string         `json:"id"`
	Amount           int64          `json:"amount"`
	AmountReceived   int64          `json:"amount_received"`
	Currency         string         `json:"currency"`
	Created          int64          `json:"created"`
	ReceiptEmail     string         `json:"receipt_email"`
	Metadata         map[string]any `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	currency := strings.ToUpper(strings.TrimSpace(intent.Currency))
	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}

	parsed := &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderPaymentID: intent.ID,
		Type:              eventType,
		Amount:            toMajor(amount, currency),
		Currency:          currency,
		Tax:               metadataAmount(intent.Metadata, "tax", currency),
		Shipping:          metadataAmount(intent.Metadata, "shipping", currency),
		Discount:          metadataAmount(intent.Metadata, "discount", currency),
		OccurredAt:        timestamp(intent.Created, event.Created),
		RawPayload:        payload,
	}
	parsed.Email = readMetadataValue(intent.Metadata, "customer_email")
	if parsed.Email == "" {
		parsed.Email = strings.TrimSpace(intent.ReceiptEmail)
	}
	if intent.LastPaymentError != nil {
		parsed.FailureMessage = intent.LastPaymentError.Message
	}

	if eventType == paymentdomain.EventTypePaymentSucceeded {
		cartID, err := parseCartID(intent.Metadata)
		if err != nil {
			return nil, err
		}
		parsed.CartID = cartID
	}
	return parsed, nil
}

func (a *Adapter) parseRefund(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	paymentID := strings.TrimSpace(charge.PaymentIntent)
	if paymentID == "" {
		paymentID = strings.TrimSpace(charge.ID)
	}
	if paymentID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	currency := strings.ToUpper(strings.TrimSpace(charge.Currency))
	amount := charge.AmountRefunded
	if amount <= 0 {
		amount = charge.Amount
	}
	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderPaymentID: paymentID,
		Type:              paymentdomain.EventTypeRefunded,
		Amount:            toMajor(amount, currency),
		Currency:          currency,
		OccurredAt:        timestamp(charge.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func toMajor(minor int64, currency string) decimal.Decimal {
	if zeroDecimal[currency] {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}

// metadataAmount reads a minor-unit amount from metadata. Missing or
// malformed values are zero.
func metadataAmount(metadata map[string]any, key, currency string) decimal.Decimal {
	raw := readMetadataValue(metadata, key)
	if raw == "" {
		return decimal.Zero
	}
	minor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || minor < 0 {
		return decimal.Zero
	}
	return toMajor(minor, currency)
}

func parseCartID(metadata map[string]any) (snowflake.ID, error) {
	raw := readMetadataValue(metadata, "cart_id")
	if raw == "" {
		return 0, paymentdomain.ErrMissingCart
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, paymentdomain.ErrMissingCart
	}
	return id, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
