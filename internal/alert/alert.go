// Package alert routes operator-facing escalations: exhausted inbound events,
// failed signature checks and data-integrity failures after payment capture.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/orderflow/internal/config"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"github.com/smallbiznis/orderflow/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ReasonRetriesExhausted   = "retries_exhausted"
	ReasonInvalidSignature   = "invalid_signature"
	ReasonBusinessRule       = "business_rule"
	ReasonTotalMismatch      = "total_mismatch"
	ReasonGatewayRefundDrift = "gateway_refund_drift"
)

// Alerter is the alerting side channel. Notify never fails the caller.
type Alerter interface {
	Notify(ctx context.Context, reason string, message string, fields map[string]string)
}

var Module = fx.Module("alert",
	fx.Provide(NewService),
	fx.Provide(func(s *Service) Alerter { return s }),
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Slack      slack.Provider      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	slack      slack.Provider
	channel    string
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	provider := p.Slack
	if provider == nil {
		provider = &slack.NoOpProvider{}
	}
	return &Service{
		log:        p.Log.Named("alert.service"),
		slack:      provider,
		channel:    p.Cfg.Slack.Channel,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Notify(ctx context.Context, reason string, message string, fields map[string]string) {
	zfields := make([]zap.Field, 0, len(fields)+1)
	zfields = append(zfields, zap.String("reason", reason))
	for _, key := range sortedKeys(fields) {
		zfields = append(zfields, zap.String(key, fields[key]))
	}
	s.log.Error(message, zfields...)
	s.obsMetrics.RecordAlert(ctx, reason)

	if err := s.slack.PostMessage(ctx, s.channel, formatMessage(reason, message, fields)); err != nil {
		s.log.Warn("slack alert delivery failed", zap.Error(err))
	}
}

func formatMessage(reason, message string, fields map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: [%s] %s", reason, message)
	for _, key := range sortedKeys(fields) {
		fmt.Fprintf(&b, "\n• %s: %s", key, fields[key])
	}
	return b.String()
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
