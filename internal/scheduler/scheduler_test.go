package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/orderflow/internal/alert"
	cartdomain "github.com/smallbiznis/orderflow/internal/cart/domain"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/dbtest"
	inboundeventdomain "github.com/smallbiznis/orderflow/internal/inboundevent/domain"
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

var shopper = cartdomain.Owner{AnonymousID: "01HZXJ5V9Q2M8K3T4R6W7Y8Z9A"}

func newScheduler(t *testing.T, k *testkit.Kit) *Scheduler {
	t.Helper()
	registry := adapters.NewRegistry(stripe.NewFactory())
	registry.Configure("stripe", paymentdomain.AdapterConfig{WebhookSecret: "whsec_test"})
	dispatcher := webhook.NewDispatcher(webhook.Params{
		Log:      zap.NewNop(),
		Registry: registry,
		Events:   k.Events,
		Processor: paymentservice.NewService(paymentservice.Params{
			Log: zap.NewNop(), Orders: k.Orders, Events: k.Events,
		}),
		Alerter: k.Alerts,
		Cfg:     k.Cfg,
	})
	s, err := New(Params{
		Log:        zap.NewNop(),
		GenID:      k.Node,
		Clock:      k.Clock,
		Events:     k.Events,
		Dispatcher: dispatcher,
		Carts:      k.Carts,
		Tunables:   k.Cfg,
		Config:     Config{BatchSize: 10},
	})
	require.NoError(t, err)
	return s
}

func storeEvent(t *testing.T, k *testkit.Kit, eventID string, payload []byte) *inboundeventdomain.Event {
	t.Helper()
	decision, err := k.Events.RecordOrSkip(context.Background(), inboundeventdomain.RecordRequest{
		Source:      "stripe",
		EventID:     eventID,
		EventType:   paymentdomain.EventTypePaymentSucceeded,
		PayloadHash: "hash-" + eventID,
		Payload:     payload,
	})
	require.NoError(t, err)
	return decision.Record
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRedeliverEventsJobCompletesPendingCheckout(t *testing.T) {
	k := testkit.New(t)
	k.SeedVariant(t, 1, "MUG-WHT", "12.50", 4)
	s := newScheduler(t, k)

	view := k.Fill(t, shopper, testkit.Line{VariantID: 1, Quantity: 2})
	payload := []byte(fmt.Sprintf(`{"id":"evt_pending","type":"payment_intent.succeeded","data":{"object":{"id":"pi_pending","amount":2500,"currency":"usd","metadata":{"cart_id":%q,"customer_email":"guest@example.com"}}}}`, view.Cart.ID.String()))
	storeEvent(t, k, "evt_pending", payload)

	// still inside the retry backoff
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, int64(0), dbtest.Count(t, k.DB, "orders", ""))

	k.Clock.Advance(2 * time.Minute)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, int64(1), dbtest.Count(t, k.DB, "orders", ""))
	assert.Equal(t, int64(1), dbtest.Count(t, k.DB, "inbound_events", "processed = ?", true))
	stock, reserved := dbtest.Stock(t, k.DB, 1)
	assert.Equal(t, 2, stock)
	assert.Equal(t, 0, reserved)
}

func TestRedeliverEventsJobCountsUnreadablePayload(t *testing.T) {
	k := testkit.New(t)
	s := newScheduler(t, k)

	storeEvent(t, k, "evt_garbled", []byte(`not json`))
	k.Clock.Advance(2 * time.Minute)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobRedeliverEvents)
	assert.Equal(t, int64(1), dbtest.Count(t, k.DB, "inbound_events", "retry_count = ?", 1))
}

func TestEscalateExhaustedJobAlertsOnce(t *testing.T) {
	k := testkit.New(t)
	s := newScheduler(t, k)
	ctx := context.Background()

	record := k.RecordEvent(t, "evt_stuck", paymentdomain.EventTypePaymentSucceeded)
	for i := 0; i < record.MaxRetries; i++ {
		_, err := k.Events.RecordFailure(ctx, record.ID, fmt.Errorf("gateway timeout"), false)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, k.Alerts.Count(alert.ReasonRetriesExhausted))

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, k.Alerts.Count(alert.ReasonRetriesExhausted))

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, k.Alerts.Count(alert.ReasonRetriesExhausted))
}

func TestReleaseStaleCartsJob(t *testing.T) {
	k := testkit.New(t)
	k.SeedVariant(t, 1, "MUG-WHT", "12.50", 4)
	s := newScheduler(t, k)

	k.Fill(t, shopper, testkit.Line{VariantID: 1, Quantity: 3})
	_, reserved := dbtest.Stock(t, k.DB, 1)
	require.Equal(t, 3, reserved)

	k.Clock.Advance(time.Hour)
	require.NoError(t, s.RunOnce(context.Background()))
	_, reserved = dbtest.Stock(t, k.DB, 1)
	assert.Equal(t, 3, reserved)

	k.Clock.Advance(72 * time.Hour)
	require.NoError(t, s.RunOnce(context.Background()))
	stock, reserved := dbtest.Stock(t, k.DB, 1)
	assert.Equal(t, 4, stock)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, int64(0), dbtest.Count(t, k.DB, "cart_items", ""))
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	s := &Scheduler{log: zap.NewNop(), genID: dbtest.Node(t), clock: clock.NewFakeClock(time.Time{})}
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)
}

func TestRunJobWrapsFailures(t *testing.T) {
	s := &Scheduler{log: zap.NewNop(), genID: dbtest.Node(t), clock: clock.NewFakeClock(time.Time{})}
	err := s.runJob(context.Background(), "broken_job", 0, time.Second, func(context.Context) error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.Equal(t, "broken_job: boom", err.Error())
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{EnabledJobs: []string{"RELEASE_STALE_CARTS"}}}
	assert.True(t, s.isJobEnabled(JobReleaseStaleCarts))
	assert.False(t, s.isJobEnabled(JobRedeliverEvents))

	s.cfg.EnabledJobs = nil
	assert.True(t, s.isJobEnabled(JobRedeliverEvents))
}
