package notification

import (
	"context"

	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewFromConfig),
)

// NewFromConfig selects the driver named by NOTIFICATION_DRIVER. A kafka
// driver without brokers degrades to noop.
func NewFromConfig(lc fx.Lifecycle, cfg config.Config, provider email.Provider, log *zap.Logger) Notifier {
	log = log.Named("notification")

	switch cfg.Notification.Driver {
	case config.NotificationDriverEmail:
		log.Info("notification driver selected", zap.String("driver", "email"))
		return NewEmailNotifier(provider)
	case config.NotificationDriverKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			log.Warn("kafka notification driver without brokers, falling back to noop")
			return Noop{}
		}
		writer := NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic)
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return writer.Close()
			},
		})
		log.Info("notification driver selected",
			zap.String("driver", "kafka"),
			zap.String("topic", cfg.Kafka.NotificationTopic),
		)
		return NewKafkaNotifier(writer)
	default:
		log.Info("notification driver selected", zap.String("driver", "noop"))
		return Noop{}
	}
}
