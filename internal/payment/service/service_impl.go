package service

import (
	"context"
	"errors"
	"strings"

	inboundeventdomain "github.com/smallbiznis/orderflow/internal/inboundevent/domain"
	inboundeventservice "github.com/smallbiznis/orderflow/internal/inboundevent/service"
	inventorydomain "github.com/smallbiznis/orderflow/internal/inventory/domain"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	orderservice "github.com/smallbiznis/orderflow/internal/order/service"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Orders *orderservice.Service
	Events *inboundeventservice.Service
}

// Service applies canonical payment events to orders.
type Service struct {
	log    *zap.Logger
	orders *orderservice.Service
	events *inboundeventservice.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:    p.Log.Named("payment.service"),
		orders: p.Orders,
		events: p.Events,
	}
}

// ProcessEvent runs the side-effecting phase for a recorded event. Every
// branch claims the inbound event exactly once, inside its own unit of work.
func (s *Service) ProcessEvent(ctx context.Context, record *inboundeventdomain.Event, event *paymentdomain.PaymentEvent) error {
	if record == nil || event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	provider := strings.ToLower(strings.TrimSpace(event.Provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}

	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		if event.CartID == 0 {
			return paymentdomain.ErrMissingCart
		}
		var txData datatypes.JSON
		if len(event.RawPayload) > 0 {
			txData = datatypes.JSON(event.RawPayload)
		}
		order, err := s.orders.CreateFromPayment(ctx, orderdomain.CreateFromPaymentRequest{
			InboundEventID:    record.ID,
			CartID:            event.CartID,
			Provider:          provider,
			ExternalPaymentID: event.ProviderPaymentID,
			AmountPaid:        event.Amount,
			Currency:          event.Currency,
			Email:             event.Email,
			Tax:               event.Tax,
			Shipping:          event.Shipping,
			Discount:          event.Discount,
			TransactionData:   txData,
		})
		if err != nil {
			return err
		}
		s.log.Info("payment converted to order",
			zap.String("event_id", event.ProviderEventID),
			zap.String("payment_id", event.ProviderPaymentID),
			zap.String("order_number", order.OrderNumber),
		)
		return nil

	case paymentdomain.EventTypePaymentFailed:
		s.log.Warn("payment failed at gateway",
			zap.String("provider", provider),
			zap.String("event_id", event.ProviderEventID),
			zap.String("payment_id", event.ProviderPaymentID),
			zap.String("reason", event.FailureMessage),
		)
		return s.events.MarkProcessed(ctx, record.ID)

	case paymentdomain.EventTypeRefunded:
		order, err := s.orders.ApplyGatewayRefund(ctx, orderdomain.GatewayRefundRequest{
			InboundEventID:    record.ID,
			Provider:          provider,
			ExternalPaymentID: event.ProviderPaymentID,
		})
		if err != nil {
			return err
		}
		s.log.Info("gateway refund applied",
			zap.String("event_id", event.ProviderEventID),
			zap.String("order_number", order.OrderNumber),
			zap.String("status", order.Status.String()),
		)
		return nil
	}
	return paymentdomain.ErrEventIgnored
}

// IsTerminal reports business-rule failures that no retry can fix. An unknown
// payment is not one of them: a refund may arrive before its payment event.
func IsTerminal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, inventorydomain.ErrInsufficientStock),
		errors.Is(err, orderdomain.ErrIllegalTransition),
		errors.Is(err, orderdomain.ErrCheckoutRejected),
		errors.Is(err, orderdomain.ErrOrderNotFound),
		errors.Is(err, orderdomain.ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrMissingCart),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return true
	}
	return false
}
