package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/orderflow/internal/alert"
	cartdomain "github.com/smallbiznis/orderflow/internal/cart/domain"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/dbtest"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	"github.com/smallbiznis/orderflow/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	paymentservice "github.com/smallbiznis/orderflow/internal/payment/service"
	"github.com/smallbiznis/orderflow/internal/payment/webhook"
	"github.com/smallbiznis/orderflow/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const webhookSecret = "whsec_test"

var buyer = cartdomain.Owner{UserID: "user-1"}

func newDispatcher(t *testing.T, k *testkit.Kit) *webhook.Dispatcher {
	t.Helper()
	processor := paymentservice.NewService(paymentservice.Params{
		Log:    zap.NewNop(),
		Orders: k.Orders,
		Events: k.Events,
	})
	return webhook.NewDispatcher(webhook.Params{
		Log:       zap.NewNop(),
		Registry:  registryFor(),
		Events:    k.Events,
		Processor: processor,
		Alerter:   k.Alerts,
		Cfg:       k.Cfg,
	})
}

func seeded(t *testing.T, cfg config.FulfillmentConfig) *testkit.Kit {
	t.Helper()
	k := testkit.NewWithConfig(t, cfg)
	k.SeedVariant(t, 1, "TEE-BLK-M", "19.99", 5)
	return k
}

func succeededPayload(eventID string, cartID string, amountMinor int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"payment_intent.succeeded","created":%d,"data":{"object":{"id":"pi_%s","amount":%d,"amount_received":%d,"currency":"usd","metadata":{"cart_id":%q,"customer_email":"buyer@example.com"}}}}`,
		eventID, time.Now().Unix(), eventID, amountMinor, amountMinor, cartID))
}

func signed(payload []byte) http.Header {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func TestHandleCreatesOrderOnceAcrossDuplicates(t *testing.T) {
	k := seeded(t, config.DefaultFulfillmentConfig())
	d := newDispatcher(t, k)
	ctx := context.Background()

	view := k.Fill(t, buyer, testkit.Line{VariantID: 1, Quantity: 2})
	payload := succeededPayload("evt_ok", view.Cart.ID.String(), 3998)

	result, err := d.Handle(ctx, "stripe", payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)

	result, err = d.Handle(ctx, "stripe", payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)

	assert.Equal(t, int64(1), dbtest.Count(t, k.DB, "orders", ""))
	assert.Equal(t, int64(1), dbtest.Count(t, k.DB, "inbound_events", "processed = ?", true))
	stock, reserved := dbtest.Stock(t, k.DB, 1)
	assert.Equal(t, 3, stock)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, []string{"order_confirmed"}, k.Notifier.Templates())
}

func TestHandleGivesUpAfterMaxRetriesWithSingleAlert(t *testing.T) {
	cfg := config.DefaultFulfillmentConfig()
	cfg.AckTimeout = time.Nanosecond
	k := seeded(t, cfg)
	d := newDispatcher(t, k)
	ctx := context.Background()

	view := k.Fill(t, buyer, testkit.Line{VariantID: 1, Quantity: 1})
	payload := succeededPayload("evt_slow", view.Cart.ID.String(), 1999)

	for i := 0; i < cfg.MaxRetries; i++ {
		result, err := d.Handle(ctx, "stripe", payload, signed(payload))
		require.Error(t, err)
		assert.Equal(t, webhook.OutcomeRetry, result.Outcome)
		assert.Equal(t, http.StatusInternalServerError, result.Status)
	}
	assert.Equal(t, 0, k.Alerts.Count(alert.ReasonRetriesExhausted))

	for i := 0; i < 2; i++ {
		result, err := d.Handle(ctx, "stripe", payload, signed(payload))
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeGaveUp, result.Outcome)
		assert.Equal(t, http.StatusOK, result.Status)
		assert.True(t, result.GivingUp)
	}
	assert.Equal(t, 1, k.Alerts.Count(alert.ReasonRetriesExhausted))
	assert.Equal(t, int64(0), dbtest.Count(t, k.DB, "orders", ""))
	assert.Equal(t, int64(1), dbtest.Count(t, k.DB, "inbound_events", "retry_count = ?", cfg.MaxRetries))
}

func TestHandleEscalatesBusinessRuleFailureImmediately(t *testing.T) {
	k := seeded(t, config.DefaultFulfillmentConfig())
	d := newDispatcher(t, k)
	ctx := context.Background()

	view := k.Fill(t, buyer, testkit.Line{VariantID: 1, Quantity: 1})
	require.NoError(t, k.DB.Exec(`DELETE FROM variant_prices WHERE variant_id = ?`, 1).Error)
	payload := succeededPayload("evt_reject", view.Cart.ID.String(), 1999)

	result, err := d.Handle(ctx, "stripe", payload, signed(payload))
	require.Error(t, err)
	assert.Equal(t, webhook.OutcomeGaveUp, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, 1, k.Alerts.Count(alert.ReasonRetriesExhausted))

	result, err = d.Handle(ctx, "stripe", payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeGaveUp, result.Outcome)
	assert.Equal(t, 1, k.Alerts.Count(alert.ReasonRetriesExhausted))
	assert.Equal(t, int64(0), dbtest.Count(t, k.DB, "orders", ""))
}

func TestHandleRejectsBadSignature(t *testing.T) {
	k := seeded(t, config.DefaultFulfillmentConfig())
	d := newDispatcher(t, k)

	payload := succeededPayload("evt_forged", "42", 1000)
	headers := signed([]byte(`{"id":"something else"}`))

	result, err := d.Handle(context.Background(), "stripe", payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.Equal(t, http.StatusBadRequest, result.Status)
	assert.Equal(t, 1, k.Alerts.Count(alert.ReasonInvalidSignature))
	assert.Equal(t, int64(0), dbtest.Count(t, k.DB, "inbound_events", ""))
}

func TestHandleAcknowledgesIgnoredEventTypes(t *testing.T) {
	k := seeded(t, config.DefaultFulfillmentConfig())
	d := newDispatcher(t, k)

	payload := []byte(`{"id":"evt_cust","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	result, err := d.Handle(context.Background(), "stripe", payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeIgnored, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, int64(0), dbtest.Count(t, k.DB, "inbound_events", ""))
}

func TestHandleUnknownProvider(t *testing.T) {
	k := seeded(t, config.DefaultFulfillmentConfig())
	d := newDispatcher(t, k)

	result, err := d.Handle(context.Background(), "paypal", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
	assert.Equal(t, http.StatusNotFound, result.Status)
}

func TestRedeliverProcessesArchivedPayload(t *testing.T) {
	cfg := config.DefaultFulfillmentConfig()
	cfg.AckTimeout = time.Nanosecond
	slow := seeded(t, cfg)
	d := newDispatcher(t, slow)
	ctx := context.Background()

	view := slow.Fill(t, buyer, testkit.Line{VariantID: 1, Quantity: 1})
	payload := succeededPayload("evt_later", view.Cart.ID.String(), 1999)
	_, err := d.Handle(ctx, "stripe", payload, signed(payload))
	require.Error(t, err)

	// same store, normal timeout
	fast := webhook.NewDispatcher(webhook.Params{
		Log:      zap.NewNop(),
		Registry: registryFor(),
		Events:   slow.Events,
		Processor: paymentservice.NewService(paymentservice.Params{
			Log: zap.NewNop(), Orders: slow.Orders, Events: slow.Events,
		}),
		Alerter: slow.Alerts,
		Cfg:     config.NewStaticFulfillmentConfigHolder(config.DefaultFulfillmentConfig()),
	})

	slow.Clock.Advance(time.Minute)
	pending, err := slow.Events.ListRetryable(ctx, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	result, err := fast.Redeliver(ctx, &pending[0])
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, result.Outcome)
	assert.Equal(t, int64(1), dbtest.Count(t, slow.DB, "orders", ""))
}

func registryFor() *adapters.Registry {
	registry := adapters.NewRegistry(stripe.NewFactory())
	registry.Configure("stripe", paymentdomain.AdapterConfig{WebhookSecret: webhookSecret})
	return registry
}

func refundedPayload(eventID, paymentIntentID string, amountMinor int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"charge.refunded","created":%d,"data":{"object":{"id":"ch_%s","payment_intent":%q,"amount":%d,"amount_refunded":%d,"currency":"usd"}}}`,
		eventID, time.Now().Unix(), eventID, paymentIntentID, amountMinor, amountMinor))
}

func TestHandleRetriesRefundThatArrivesBeforeItsPayment(t *testing.T) {
	k := seeded(t, config.DefaultFulfillmentConfig())
	d := newDispatcher(t, k)
	ctx := context.Background()

	view := k.Fill(t, buyer, testkit.Line{VariantID: 1, Quantity: 1})
	succeeded := succeededPayload("evt_pay", view.Cart.ID.String(), 1999)
	refunded := refundedPayload("evt_refund", "pi_evt_pay", 1999)

	result, err := d.Handle(ctx, "stripe", refunded, signed(refunded))
	require.Error(t, err)
	assert.Equal(t, webhook.OutcomeRetry, result.Outcome)
	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.False(t, result.GivingUp)
	assert.Equal(t, 0, k.Alerts.Count(alert.ReasonRetriesExhausted))

	result, err = d.Handle(ctx, "stripe", succeeded, signed(succeeded))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, result.Outcome)

	result, err = d.Handle(ctx, "stripe", refunded, signed(refunded))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, result.Outcome)

	assert.Equal(t, int64(1), dbtest.Count(t, k.DB, "orders", "status = ?", "CANCELLED"))
	assert.Equal(t, int64(0), dbtest.Count(t, k.DB, "orders", "status = ?", "PAID"))
	assert.Empty(t, k.Gateway.Calls())
	assert.Equal(t, 0, k.Alerts.Count(alert.ReasonRetriesExhausted))
}

func TestHandleEscalatesRefundForUnknownPaymentAfterRetries(t *testing.T) {
	cfg := config.DefaultFulfillmentConfig()
	k := seeded(t, cfg)
	d := newDispatcher(t, k)
	ctx := context.Background()

	refunded := refundedPayload("evt_orphan", "pi_missing", 500)
	for i := 0; i < cfg.MaxRetries; i++ {
		result, err := d.Handle(ctx, "stripe", refunded, signed(refunded))
		require.Error(t, err)
		assert.Equal(t, webhook.OutcomeRetry, result.Outcome)
	}

	result, err := d.Handle(ctx, "stripe", refunded, signed(refunded))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeGaveUp, result.Outcome)
	assert.Equal(t, 1, k.Alerts.Count(alert.ReasonRetriesExhausted))
}
