// Package testkit wires the fulfillment services over an in-memory store for
// cross-package tests.
package testkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/orderflow/internal/alert"
	cartdomain "github.com/smallbiznis/orderflow/internal/cart/domain"
	cartrepo "github.com/smallbiznis/orderflow/internal/cart/repository"
	cartservice "github.com/smallbiznis/orderflow/internal/cart/service"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/dbtest"
	inboundeventdomain "github.com/smallbiznis/orderflow/internal/inboundevent/domain"
	inboundeventrepo "github.com/smallbiznis/orderflow/internal/inboundevent/repository"
	inboundeventservice "github.com/smallbiznis/orderflow/internal/inboundevent/service"
	inventoryrepo "github.com/smallbiznis/orderflow/internal/inventory/repository"
	inventoryservice "github.com/smallbiznis/orderflow/internal/inventory/service"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	orderrepo "github.com/smallbiznis/orderflow/internal/order/repository"
	orderservice "github.com/smallbiznis/orderflow/internal/order/service"
	pricingrepo "github.com/smallbiznis/orderflow/internal/pricing/repository"
	pricingservice "github.com/smallbiznis/orderflow/internal/pricing/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type Kit struct {
	DB       *gorm.DB
	Node     *snowflake.Node
	Clock    *clock.FakeClock
	Cfg      *config.FulfillmentConfigHolder
	Alerts   *alert.Recorder
	Gateway  *Gateway
	Notifier *Notifier

	Events    *inboundeventservice.Service
	Inventory *inventoryservice.Service
	Pricing   *pricingservice.Service
	Carts     *cartservice.Service
	Orders    *orderservice.Service
}

// New builds a Kit with default fulfillment settings.
func New(t *testing.T) *Kit {
	t.Helper()
	return NewWithConfig(t, config.DefaultFulfillmentConfig())
}

func NewWithConfig(t *testing.T, cfg config.FulfillmentConfig) *Kit {
	t.Helper()

	db := dbtest.Open(t)
	log := zap.NewNop()
	node := dbtest.Node(t)
	clk := clock.NewFakeClock(Epoch)
	holder := config.NewStaticFulfillmentConfigHolder(cfg)

	k := &Kit{
		DB:       db,
		Node:     node,
		Clock:    clk,
		Cfg:      holder,
		Alerts:   &alert.Recorder{},
		Gateway:  &Gateway{},
		Notifier: &Notifier{},
	}

	k.Events = inboundeventservice.NewService(inboundeventservice.Params{
		DB: db, Log: log, GenID: node, Repo: inboundeventrepo.Provide(),
		Clock: clk, Alerter: k.Alerts, Cfg: holder,
	})
	k.Inventory = inventoryservice.NewService(inventoryservice.Params{
		DB: db, Log: log, Repo: inventoryrepo.Provide(), Clock: clk,
	})
	k.Pricing = pricingservice.NewService(pricingservice.Params{
		DB: db, Log: log, Repo: pricingrepo.Provide(), Stock: k.Inventory, Cfg: holder,
	})
	k.Carts = cartservice.NewService(cartservice.Params{
		DB: db, Log: log, GenID: node, Repo: cartrepo.Provide(),
		Inventory: k.Inventory, Pricing: k.Pricing, Clock: clk, Cfg: holder,
	})
	k.Orders = orderservice.NewService(orderservice.Params{
		DB: db, Log: log, GenID: node, Repo: orderrepo.Provide(),
		Events: k.Events, Carts: k.Carts, Pricing: k.Pricing, Inventory: k.Inventory,
		Gateway: k.Gateway, Notifier: k.Notifier, Alerter: k.Alerts,
		Clock: clk, Cfg: holder,
	})
	return k
}

// SeedVariant adds a catalog entry priced in USD.
func (k *Kit) SeedVariant(t *testing.T, id int64, sku, price string, stock int) {
	t.Helper()
	dbtest.SeedVariant(t, k.DB, dbtest.Variant{
		ID:     snowflake.ID(id),
		SKU:    sku,
		Prices: map[string]string{"USD": price},
		Stock:  stock,
	})
}

// Line is a cart line used by Fill.
type Line struct {
	VariantID int64
	Quantity  int
}

// Fill adds lines to the owner's USD cart and returns the cart.
func (k *Kit) Fill(t *testing.T, owner cartdomain.Owner, lines ...Line) cartdomain.View {
	t.Helper()
	var view cartdomain.View
	for _, line := range lines {
		var err error
		view, err = k.Carts.AddItem(context.Background(), owner, "USD", snowflake.ID(line.VariantID), line.Quantity)
		if err != nil {
			t.Fatalf("add item %d: %v", line.VariantID, err)
		}
	}
	return view
}

// RecordEvent registers a first sighting of a stripe event.
func (k *Kit) RecordEvent(t *testing.T, eventID, eventType string) *inboundeventdomain.Event {
	t.Helper()
	decision, err := k.Events.RecordOrSkip(context.Background(), inboundeventdomain.RecordRequest{
		Source:      "stripe",
		EventID:     eventID,
		EventType:   eventType,
		PayloadHash: "hash-" + eventID,
	})
	if err != nil {
		t.Fatalf("record event %s: %v", eventID, err)
	}
	return decision.Record
}

// Checkout fills a cart and turns it into a PAID order paid in full.
func (k *Kit) Checkout(t *testing.T, owner cartdomain.Owner, eventID, paymentID string, lines ...Line) *orderdomain.Order {
	t.Helper()
	view := k.Fill(t, owner, lines...)
	event := k.RecordEvent(t, eventID, "payment_succeeded")
	order, err := k.Orders.CreateFromPayment(context.Background(), orderdomain.CreateFromPaymentRequest{
		InboundEventID:    event.ID,
		CartID:            view.Cart.ID,
		Provider:          "stripe",
		ExternalPaymentID: paymentID,
		AmountPaid:        view.Calculation.Subtotal,
		Currency:          "USD",
		Email:             "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

// Gateway is a scripted refund gateway.
type Gateway struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (g *Gateway) Refund(_ context.Context, payment orderdomain.Payment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, payment.ExternalID)
	return g.err
}

// Fail makes every following refund return err. nil restores success.
func (g *Gateway) Fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// Sent is one captured notification.
type Sent struct {
	Recipient  string
	TemplateID string
	Data       map[string]any
}

type Notifier struct {
	mu   sync.Mutex
	err  error
	sent []Sent
}

func (n *Notifier) Send(_ context.Context, recipient, templateID string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, Sent{Recipient: recipient, TemplateID: templateID, Data: data})
	return nil
}

func (n *Notifier) Fail(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

func (n *Notifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// Templates lists the template ids sent so far, in order.
func (n *Notifier) Templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.TemplateID)
	}
	return out
}

// Dec parses a decimal literal.
func Dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
