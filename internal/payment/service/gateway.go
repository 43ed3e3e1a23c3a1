package service

import (
	"context"
	"errors"
	"fmt"

	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
)

// RefundGateway reverses order payments through the adapter registered for
// each payment's method.
type RefundGateway struct {
	registry *adapters.Registry
}

func NewRefundGateway(registry *adapters.Registry) *RefundGateway {
	return &RefundGateway{registry: registry}
}

func (g *RefundGateway) Refund(ctx context.Context, payment orderdomain.Payment) error {
	adapter, err := g.registry.Adapter(payment.Method)
	if err != nil {
		return fmt.Errorf("resolve gateway %q: %w", payment.Method, err)
	}
	err = adapter.Refund(ctx, payment.ExternalID)
	if errors.Is(err, paymentdomain.ErrAlreadyRefunded) {
		return orderdomain.ErrAlreadyRefunded
	}
	return err
}

var _ orderdomain.Gateway = (*RefundGateway)(nil)
