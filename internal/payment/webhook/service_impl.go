package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/orderflow/internal/alert"
	"github.com/smallbiznis/orderflow/internal/config"
	inboundeventdomain "github.com/smallbiznis/orderflow/internal/inboundevent/domain"
	inboundeventservice "github.com/smallbiznis/orderflow/internal/inboundevent/service"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	paymentservice "github.com/smallbiznis/orderflow/internal/payment/service"
	"github.com/smallbiznis/orderflow/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRetry     Outcome = "retry"
	OutcomeGaveUp    Outcome = "gave_up"
	OutcomeRejected  Outcome = "rejected"
)

// Result is the acknowledgment returned to the gateway.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	Status   int     `json:"-"`
	GivingUp bool    `json:"giving_up,omitempty"`
	EventID  string  `json:"event_id,omitempty"`
	Message  string  `json:"message,omitempty"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Registry   *adapters.Registry
	Events     *inboundeventservice.Service
	Processor  *paymentservice.Service
	Alerter    alert.Alerter
	Guard      *ratelimit.Guard                `optional:"true"`
	Cfg        *config.FulfillmentConfigHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics             `optional:"true"`
}

// Dispatcher turns raw webhook deliveries into at-most-once order effects.
type Dispatcher struct {
	log        *zap.Logger
	registry   *adapters.Registry
	events     *inboundeventservice.Service
	processor  *paymentservice.Service
	alerter    alert.Alerter
	guard      *ratelimit.Guard
	cfg        *config.FulfillmentConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		log:        p.Log.Named("payment.webhook"),
		registry:   p.Registry,
		events:     p.Events,
		processor:  p.Processor,
		alerter:    p.Alerter,
		guard:      p.Guard,
		cfg:        p.Cfg,
		obsMetrics: p.ObsMetrics,
	}
}

// Handle verifies, records and processes one delivery. The returned error is
// informational; Result.Status is the answer owed to the gateway.
func (d *Dispatcher) Handle(ctx context.Context, provider string, body []byte, headers http.Header) (Result, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return d.finish(ctx, provider, "", Result{Outcome: OutcomeRejected, Status: http.StatusNotFound}), paymentdomain.ErrInvalidProvider
	}

	adapter, err := d.registry.Adapter(provider)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, paymentdomain.ErrProviderNotFound) {
			status = http.StatusNotFound
		}
		return d.finish(ctx, provider, "", Result{Outcome: OutcomeRejected, Status: status}), err
	}

	if err := adapter.Verify(ctx, body, headers); err != nil {
		d.log.Warn("webhook signature rejected", zap.String("provider", provider), zap.Error(err))
		d.alert(ctx, alert.ReasonInvalidSignature, "webhook signature verification failed", map[string]string{
			"provider": provider,
		})
		return d.finish(ctx, provider, "", Result{Outcome: OutcomeRejected, Status: http.StatusBadRequest}), paymentdomain.ErrInvalidSignature
	}

	event, err := adapter.Parse(ctx, body)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			return d.finish(ctx, provider, "", Result{Outcome: OutcomeIgnored, Status: http.StatusOK}), nil
		}
		d.log.Warn("webhook payload rejected", zap.String("provider", provider), zap.Error(err))
		return d.finish(ctx, provider, "", Result{Outcome: OutcomeRejected, Status: http.StatusBadRequest}), err
	}
	event.Provider = provider

	sum := sha256.Sum256(body)
	decision, err := d.events.RecordOrSkip(ctx, inboundeventdomain.RecordRequest{
		Source:      provider,
		EventID:     event.ProviderEventID,
		EventType:   event.Type,
		PayloadHash: hex.EncodeToString(sum[:]),
		Payload:     body,
	})
	if err != nil {
		d.log.Error("record inbound event failed",
			zap.String("provider", provider),
			zap.String("event_id", event.ProviderEventID),
			zap.Error(err),
		)
		return d.finish(ctx, provider, event.Type, Result{Outcome: OutcomeRetry, Status: http.StatusInternalServerError, EventID: event.ProviderEventID}), err
	}

	return d.run(ctx, decision, event)
}

// Redeliver re-drives a stored, unprocessed event from its archived payload.
// The signature was verified when the event was first received.
func (d *Dispatcher) Redeliver(ctx context.Context, record *inboundeventdomain.Event) (Result, error) {
	if record == nil {
		return Result{}, inboundeventdomain.ErrInvalidEvent
	}
	if record.Processed {
		return Result{Outcome: OutcomeDuplicate, Status: http.StatusOK, EventID: record.EventID}, nil
	}

	payload, err := d.events.Payload(record)
	if err != nil {
		return Result{}, err
	}
	adapter, err := d.registry.Adapter(record.Source)
	if err != nil {
		return Result{}, err
	}
	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	event.Provider = record.Source

	decision := inboundeventdomain.Decision{Action: inboundeventdomain.ActionProcess, Record: record}
	if record.Exhausted() {
		if _, err := d.events.Escalate(ctx, record, "inbound event exhausted retries"); err != nil {
			return Result{}, err
		}
		decision.Action = inboundeventdomain.ActionGiveUp
	}
	return d.run(ctx, decision, event)
}

func (d *Dispatcher) run(ctx context.Context, decision inboundeventdomain.Decision, event *paymentdomain.PaymentEvent) (Result, error) {
	record := decision.Record
	provider := record.Source

	switch decision.Action {
	case inboundeventdomain.ActionDuplicate:
		return d.finish(ctx, provider, event.Type, Result{Outcome: OutcomeDuplicate, Status: http.StatusOK, EventID: record.EventID}), nil
	case inboundeventdomain.ActionGiveUp:
		return d.finish(ctx, provider, event.Type, Result{Outcome: OutcomeGaveUp, Status: http.StatusOK, GivingUp: true, EventID: record.EventID}), nil
	}

	token, locked, err := d.guard.TryLockEvent(ctx, provider, record.EventID)
	if err != nil {
		d.log.Warn("event lock unavailable, relying on ledger claim", zap.String("event_id", record.EventID), zap.Error(err))
		locked = true
	}
	if !locked {
		return d.finish(ctx, provider, event.Type, Result{
			Outcome: OutcomeRetry,
			Status:  http.StatusInternalServerError,
			EventID: record.EventID,
			Message: "event is being processed elsewhere",
		}), nil
	}
	if token != "" {
		defer func() {
			if err := d.guard.ReleaseEvent(context.WithoutCancel(ctx), provider, record.EventID, token); err != nil {
				d.log.Warn("release event lock failed", zap.String("event_id", record.EventID), zap.Error(err))
			}
		}()
	}

	procCtx, cancel := context.WithTimeout(ctx, d.cfg.Get().AckTimeout)
	defer cancel()

	err = d.processor.ProcessEvent(procCtx, record, event)
	if err == nil {
		return d.finish(ctx, provider, event.Type, Result{Outcome: OutcomeProcessed, Status: http.StatusOK, EventID: record.EventID}), nil
	}
	if errors.Is(err, inboundeventdomain.ErrEventAlreadyProcessed) {
		return d.finish(ctx, provider, event.Type, Result{Outcome: OutcomeDuplicate, Status: http.StatusOK, EventID: record.EventID}), nil
	}
	if errors.Is(err, paymentdomain.ErrEventIgnored) {
		return d.finish(ctx, provider, event.Type, Result{Outcome: OutcomeIgnored, Status: http.StatusOK, EventID: record.EventID}), nil
	}
	if errors.Is(procCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("ack timeout exceeded: %w", err)
	}

	terminal := paymentservice.IsTerminal(err)
	detached := context.WithoutCancel(ctx)
	updated, ferr := d.events.RecordFailure(detached, record.ID, err, terminal)
	if ferr != nil {
		d.log.Error("record event failure failed", zap.String("event_id", record.EventID), zap.Error(ferr))
		return d.finish(ctx, provider, event.Type, Result{Outcome: OutcomeRetry, Status: http.StatusInternalServerError, EventID: record.EventID}), err
	}

	if terminal {
		d.log.Error("payment event rejected by business rule",
			zap.String("provider", provider),
			zap.String("event_id", record.EventID),
			zap.Error(err),
		)
		if _, eerr := d.events.Escalate(detached, updated, "payment event rejected by business rule: "+err.Error()); eerr != nil {
			d.log.Error("escalate event failed", zap.String("event_id", record.EventID), zap.Error(eerr))
		}
		return d.finish(ctx, provider, event.Type, Result{
			Outcome:  OutcomeGaveUp,
			Status:   http.StatusOK,
			GivingUp: true,
			EventID:  record.EventID,
			Message:  err.Error(),
		}), err
	}

	d.log.Warn("payment event processing failed, will retry",
		zap.String("provider", provider),
		zap.String("event_id", record.EventID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Int("max_retries", updated.MaxRetries),
		zap.Error(err),
	)
	return d.finish(ctx, provider, event.Type, Result{Outcome: OutcomeRetry, Status: http.StatusInternalServerError, EventID: record.EventID}), err
}

func (d *Dispatcher) finish(ctx context.Context, provider, eventType string, result Result) Result {
	d.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, string(result.Outcome))
	return result
}

func (d *Dispatcher) alert(ctx context.Context, reason, message string, fields map[string]string) {
	if d.alerter == nil {
		return
	}
	d.alerter.Notify(ctx, reason, message, fields)
}
