package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/cucumber/godog"
	"github.com/smallbiznis/orderflow/internal/dbtest"
	"github.com/smallbiznis/orderflow/internal/order/domain"
	"github.com/smallbiznis/orderflow/internal/testkit"
)

type lifecycle struct {
	t        *testing.T
	kit      *testkit.Kit
	variants map[string]int64
	order    *domain.Order
	err      error
	events   int
}

func (l *lifecycle) reset() {
	l.kit = testkit.New(l.t)
	l.variants = map[string]int64{}
	l.order = nil
	l.err = nil
	l.events = 0
}

func (l *lifecycle) aVariantPricedWithStock(sku, price string, stock int) error {
	id := int64(len(l.variants) + 1)
	l.kit.SeedVariant(l.t, id, sku, price, stock)
	l.variants[sku] = id
	return nil
}

func (l *lifecycle) aPaidOrderFor(qty int, sku string) error {
	id, ok := l.variants[sku]
	if !ok {
		return fmt.Errorf("unknown variant %s", sku)
	}
	l.events++
	l.order = l.kit.Checkout(l.t, buyer,
		fmt.Sprintf("evt_%d", l.events),
		fmt.Sprintf("pi_%d", l.events),
		testkit.Line{VariantID: id, Quantity: qty},
	)
	return nil
}

func (l *lifecycle) theAdminMovesTheOrderTo(status string) error {
	to, ok := domain.ParseStatus(status)
	if !ok {
		return fmt.Errorf("unknown status %s", status)
	}
	_, l.err = l.kit.Orders.Transition(context.Background(), domain.TransitionRequest{
		OrderID: l.order.ID,
		To:      to,
		Actor:   "admin",
	})
	return nil
}

func (l *lifecycle) theCustomerCancelsTheOrder() error {
	_, l.err = l.kit.Orders.Cancel(context.Background(), l.order.ID, buyer, "no longer needed")
	return nil
}

func (l *lifecycle) theCustomerRequestsARefund() error {
	_, l.err = l.kit.Orders.RequestRefund(context.Background(), l.order.ID, buyer, "does not fit")
	return nil
}

func (l *lifecycle) theGatewayIsDown() error {
	l.kit.Gateway.Fail(errors.New("gateway unavailable"))
	return nil
}

func (l *lifecycle) notificationsAreFailing() error {
	l.kit.Notifier.Fail(errors.New("smtp unavailable"))
	return nil
}

func (l *lifecycle) theOrderStatusIs(status string) error {
	stored, err := l.kit.Orders.Get(context.Background(), l.order.ID)
	if err != nil {
		return err
	}
	if string(stored.Status) != status {
		return fmt.Errorf("status is %s, want %s (last error: %v)", stored.Status, status, l.err)
	}
	return nil
}

func (l *lifecycle) theRequestIsRejectedAsAnIllegalTransition() error {
	if !errors.Is(l.err, domain.ErrIllegalTransition) {
		return fmt.Errorf("got %v, want illegal transition", l.err)
	}
	return nil
}

func (l *lifecycle) theRequestFailsWithAGatewayCompensationError() error {
	if !errors.Is(l.err, domain.ErrGatewayCompensation) {
		return fmt.Errorf("got %v, want gateway compensation failure", l.err)
	}
	return nil
}

func (l *lifecycle) theGatewayWasAskedForRefunds(n int) error {
	if got := len(l.kit.Gateway.Calls()); got != n {
		return fmt.Errorf("gateway refunds %d, want %d", got, n)
	}
	return nil
}

func (l *lifecycle) theStockOfIs(sku string, want int) error {
	stock, _ := dbtest.Stock(l.t, l.kit.DB, snowflake.ID(l.variants[sku]))
	if stock != want {
		return fmt.Errorf("stock of %s is %d, want %d", sku, stock, want)
	}
	return nil
}

func (l *lifecycle) theHistoryHasEntries(n int) error {
	stored, err := l.kit.Orders.Get(context.Background(), l.order.ID)
	if err != nil {
		return err
	}
	if len(stored.History) != n {
		return fmt.Errorf("history has %d entries, want %d", len(stored.History), n)
	}
	return nil
}

func TestOrderLifecycleFeatures(t *testing.T) {
	l := &lifecycle{t: t}
	suite := godog.TestSuite{
		Name: "order-lifecycle",
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				l.reset()
				return ctx, nil
			})
			sc.Step(`^a variant "([^"]*)" priced "([^"]*)" with stock (\d+)$`, l.aVariantPricedWithStock)
			sc.Step(`^a paid order for (\d+) units of "([^"]*)"$`, l.aPaidOrderFor)
			sc.Step(`^the admin moves the order to "([^"]*)"$`, l.theAdminMovesTheOrderTo)
			sc.Step(`^the customer cancels the order$`, l.theCustomerCancelsTheOrder)
			sc.Step(`^the customer requests a refund$`, l.theCustomerRequestsARefund)
			sc.Step(`^the gateway is down$`, l.theGatewayIsDown)
			sc.Step(`^notifications are failing$`, l.notificationsAreFailing)
			sc.Step(`^the order status is "([^"]*)"$`, l.theOrderStatusIs)
			sc.Step(`^the request is rejected as an illegal transition$`, l.theRequestIsRejectedAsAnIllegalTransition)
			sc.Step(`^the request fails with a gateway compensation error$`, l.theRequestFailsWithAGatewayCompensationError)
			sc.Step(`^the gateway was asked for (\d+) refunds$`, l.theGatewayWasAskedForRefunds)
			sc.Step(`^the stock of "([^"]*)" is (\d+)$`, l.theStockOfIs)
			sc.Step(`^the history has (\d+) entries$`, l.theHistoryHasEntries)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("order lifecycle features failed")
	}
}
