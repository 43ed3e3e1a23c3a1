package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/orderflow/internal/authorization"
	cartdomain "github.com/smallbiznis/orderflow/internal/cart/domain"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/dbtest"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	"github.com/smallbiznis/orderflow/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	paymentservice "github.com/smallbiznis/orderflow/internal/payment/service"
	"github.com/smallbiznis/orderflow/internal/payment/webhook"
	"github.com/smallbiznis/orderflow/internal/ratelimit"
	"github.com/smallbiznis/orderflow/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_server"

var shopper = cartdomain.Owner{UserID: "user-1"}

type harness struct {
	kit    *testkit.Kit
	engine *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	k := testkit.New(t)
	k.SeedVariant(t, 1, "TEE-BLK-M", "19.99", 5)

	registry := adapters.NewRegistry(stripe.NewFactory())
	registry.Configure("stripe", paymentdomain.AdapterConfig{WebhookSecret: testWebhookSecret})
	processor := paymentservice.NewService(paymentservice.Params{
		Log:    zap.NewNop(),
		Orders: k.Orders,
		Events: k.Events,
	})
	dispatcher := webhook.NewDispatcher(webhook.Params{
		Log:       zap.NewNop(),
		Registry:  registry,
		Events:    k.Events,
		Processor: processor,
		Alerter:   k.Alerts,
		Cfg:       k.Cfg,
	})

	enforcer, err := authorization.NewEnforcer(k.DB)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{},
		Log:        zap.NewNop(),
		Carts:      k.Carts,
		Orders:     k.Orders,
		Dispatcher: dispatcher,
		AuthzSvc:   authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		Guard:      ratelimit.NewGuard(nil, k.Cfg),
	})

	return &harness{kit: k, engine: engine}
}

func (h *harness) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, _ := json.Marshal(v)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func orderStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	data, ok := decode(t, rec)["data"].(map[string]any)
	require.True(t, ok)
	status, _ := data["status"].(string)
	return status
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	payload, ok := decode(t, rec)["error"].(map[string]any)
	require.True(t, ok)
	kind, _ := payload["type"].(string)
	return kind
}

func stripeHeaders(payload []byte) map[string]string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	return map[string]string{"Stripe-Signature": fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))}
}

func userHeaders(userID string) map[string]string {
	return map[string]string{HeaderUserID: userID}
}

func adminHeaders(role string) map[string]string {
	return map[string]string{HeaderActorRole: role, HeaderUserID: "ops-7"}
}

func TestPaymentWebhookCreatesOrderOnce(t *testing.T) {
	h := newHarness(t)
	view := h.kit.Fill(t, shopper, testkit.Line{VariantID: 1, Quantity: 2})
	payload := []byte(fmt.Sprintf(`{"id":"evt_http","type":"payment_intent.succeeded","created":%d,"data":{"object":{"id":"pi_http","amount":3998,"amount_received":3998,"currency":"usd","metadata":{"cart_id":%q,"customer_email":"buyer@example.com"}}}}`,
		time.Now().Unix(), view.Cart.ID.String()))

	rec := h.do(http.MethodPost, "/webhooks/stripe", payload, stripeHeaders(payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(webhook.OutcomeProcessed), decode(t, rec)["outcome"])

	rec = h.do(http.MethodPost, "/webhooks/stripe", payload, stripeHeaders(payload))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(webhook.OutcomeDuplicate), decode(t, rec)["outcome"])

	assert.Equal(t, int64(1), dbtest.Count(t, h.kit.DB, "orders", ""))
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"id":"evt_forged","type":"payment_intent.succeeded","data":{"object":{}}}`)

	rec := h.do(http.MethodPost, "/webhooks/stripe", payload, map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(0), dbtest.Count(t, h.kit.DB, "inbound_events", ""))

	rec = h.do(http.MethodPost, "/webhooks/paypal", payload, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGuestIsIssuedAnonymousID(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/cart/items", gin.H{"variant_id": "1", "quantity": 1, "currency": "usd"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	guestID := rec.Header().Get(HeaderAnonymousID)
	require.NotEmpty(t, guestID)

	rec = h.do(http.MethodGet, "/api/cart", nil, map[string]string{HeaderAnonymousID: guestID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderAnonymousID))
	_, reserved := dbtest.Stock(t, h.kit.DB, 1)
	assert.Equal(t, 1, reserved)
}

func TestAddCartItemReportsInsufficientStock(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/cart/items", gin.H{"variant_id": "1", "quantity": 6, "currency": "USD"}, userHeaders("user-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", errorType(t, rec))

	rec = h.do(http.MethodPost, "/api/cart/items", gin.H{"variant_id": "nope", "quantity": 1}, userHeaders("user-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/cart/items", gin.H{"variant_id": "1", "quantity": 0, "currency": "USD"}, userHeaders("user-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCartLineLifecycle(t *testing.T) {
	h := newHarness(t)
	headers := userHeaders("user-1")

	rec := h.do(http.MethodPost, "/api/cart/items", gin.H{"variant_id": "1", "quantity": 2, "currency": "USD"}, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPatch, "/api/cart/items/1", gin.H{"quantity": 4}, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, reserved := dbtest.Stock(t, h.kit.DB, 1)
	assert.Equal(t, 4, reserved)

	rec = h.do(http.MethodPost, "/api/cart/validate", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, true, data["valid"])

	rec = h.do(http.MethodDelete, "/api/cart/items/1", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	_, reserved = dbtest.Stock(t, h.kit.DB, 1)
	assert.Equal(t, 0, reserved)
}

func TestMergeRequiresSignedInUser(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/cart/merge", gin.H{"anonymous_id": "guest-1"}, map[string]string{HeaderAnonymousID: "guest-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	h.kit.Fill(t, cartdomain.Owner{AnonymousID: "guest-1"}, testkit.Line{VariantID: 1, Quantity: 1})
	rec = h.do(http.MethodPost, "/api/cart/merge", gin.H{"anonymous_id": "guest-1"}, userHeaders("user-9"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCustomerCancelsOwnPaidOrder(t *testing.T) {
	h := newHarness(t)
	order := h.kit.Checkout(t, shopper, "evt_c1", "pi_c1", testkit.Line{VariantID: 1, Quantity: 1})
	path := "/api/orders/" + order.ID.String()

	rec := h.do(http.MethodGet, path, nil, userHeaders("someone-else"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, path+"/cancel", gin.H{"reason": "changed my mind"}, userHeaders("user-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(orderdomain.StatusCancelled), orderStatus(t, rec))
	assert.Equal(t, []string{"pi_c1"}, h.kit.Gateway.Calls())

	rec = h.do(http.MethodPost, path+"/refund-request", nil, userHeaders("user-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "illegal_state_transition", errorType(t, rec))
}

func TestCancelSurfacesGatewayFailure(t *testing.T) {
	h := newHarness(t)
	order := h.kit.Checkout(t, shopper, "evt_c2", "pi_c2", testkit.Line{VariantID: 1, Quantity: 1})
	h.kit.Gateway.Fail(errors.New("card_declined"))

	rec := h.do(http.MethodPost, "/api/orders/"+order.ID.String()+"/cancel", nil, userHeaders("user-1"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	got, err := h.kit.Orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPaid, got.Status)
}

func TestAdminStatusUpdateIsRoleChecked(t *testing.T) {
	h := newHarness(t)
	order := h.kit.Checkout(t, shopper, "evt_a1", "pi_a1", testkit.Line{VariantID: 1, Quantity: 1})
	path := "/admin/orders/" + order.ID.String() + "/status"

	rec := h.do(http.MethodPost, path, gin.H{"status": "SHIPPED"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, path, gin.H{"status": "SHIPPED"}, adminHeaders("customer"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, path, gin.H{"status": "DELIVERED"}, adminHeaders("admin"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "illegal_state_transition", errorType(t, rec))

	rec = h.do(http.MethodPost, path, gin.H{"status": "bogus"}, adminHeaders("admin"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, path, gin.H{"status": "shipped", "comment": "label printed"}, adminHeaders("Admin"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(orderdomain.StatusShipped), orderStatus(t, rec))
}

func TestAdminListsOrdersByStatus(t *testing.T) {
	h := newHarness(t)
	h.kit.SeedVariant(t, 2, "MUG-WHT", "8.50", 10)
	h.kit.Checkout(t, shopper, "evt_l1", "pi_l1", testkit.Line{VariantID: 1, Quantity: 1})
	h.kit.Checkout(t, cartdomain.Owner{UserID: "user-2"}, "evt_l2", "pi_l2", testkit.Line{VariantID: 2, Quantity: 1})

	rec := h.do(http.MethodGet, "/admin/orders?status=paid&user_id=user-2", nil, adminHeaders("admin"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].([]any)
	assert.Len(t, data, 1)

	rec = h.do(http.MethodGet, "/admin/orders?limit=-1", nil, adminHeaders("admin"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
