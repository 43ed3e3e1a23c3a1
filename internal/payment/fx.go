package payment

import (
	"time"

	"github.com/smallbiznis/orderflow/internal/config"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	"github.com/smallbiznis/orderflow/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	paymentservice "github.com/smallbiznis/orderflow/internal/payment/service"
	"github.com/smallbiznis/orderflow/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
	fx.Provide(func(registry *adapters.Registry) orderdomain.Gateway {
		return paymentservice.NewRefundGateway(registry)
	}),
	fx.Provide(webhook.NewDispatcher),
)

// NewRegistry registers the supported gateways with their credentials.
func NewRegistry(cfg config.Config) *adapters.Registry {
	registry := adapters.NewRegistry(stripe.NewFactory())
	registry.Configure("stripe", paymentdomain.AdapterConfig{
		WebhookSecret: cfg.Gateway.StripeWebhookSecret,
		SecretKey:     cfg.Gateway.StripeSecretKey,
		APIBase:       cfg.Gateway.StripeAPIBase,
		Tolerance:     time.Duration(cfg.Gateway.StripeTolerance) * time.Second,
	})
	return registry
}
