package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	cartservice "github.com/smallbiznis/orderflow/internal/cart/service"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	inboundeventdomain "github.com/smallbiznis/orderflow/internal/inboundevent/domain"
	inboundeventservice "github.com/smallbiznis/orderflow/internal/inboundevent/service"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"github.com/smallbiznis/orderflow/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRedeliverEvents    = "redeliver_events"
	JobEscalateExhausted  = "escalate_exhausted"
	JobReleaseStaleCarts  = "release_stale_carts"
	exhaustedAlertMessage = "inbound event exhausted retries"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Redeliverer re-drives a stored inbound event.
type Redeliverer interface {
	Redeliver(ctx context.Context, record *inboundeventdomain.Event) (webhook.Result, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Events     *inboundeventservice.Service
	Dispatcher *webhook.Dispatcher
	Carts      *cartservice.Service
	Tunables   *config.FulfillmentConfigHolder `optional:"true"`
	Config     Config                          `optional:"true"`
	Metrics    *obsmetrics.WorkerMetrics       `optional:"true"`
}

// Scheduler runs the fulfillment housekeeping jobs on a fixed interval.
type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	events     *inboundeventservice.Service
	dispatcher Redeliverer
	carts      *cartservice.Service
	tunables   *config.FulfillmentConfigHolder
	metrics    *obsmetrics.WorkerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Events == nil || p.Dispatcher == nil || p.Carts == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Worker()
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "worker")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		events:     p.Events,
		dispatcher: p.Dispatcher,
		carts:      p.Carts,
		tunables:   p.Tunables,
		metrics:    metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRedeliverEvents, s.RedeliverEventsJob},
		{JobEscalateExhausted, s.EscalateExhaustedJob},
		{JobReleaseStaleCarts, s.ReleaseStaleCartsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("worker run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RedeliverEventsJob re-drives pending events whose last attempt is older
// than the retry backoff. Processing failures are already counted by the
// ledger; an event that cannot be re-driven at all is counted here.
func (s *Scheduler) RedeliverEventsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRedeliverEvents, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	pending, err := s.events.ListRetryable(ctx, s.tunables.Get().RetryBackoff, s.cfg.BatchSize)
	if err != nil {
		s.logJobError(ctx, run, "worker.events.list.failed", err)
		return err
	}

	var jobErr error
	for i := range pending {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		record := &pending[i]
		result, err := s.dispatcher.Redeliver(ctx, record)
		if result.Outcome == "" {
			if err == nil {
				continue
			}
			// not re-drivable: count the attempt so the event exhausts and escalates
			if _, ferr := s.events.RecordFailure(context.WithoutCancel(ctx), record.ID, err, false); ferr != nil {
				err = errors.Join(err, ferr)
			}
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "worker.event.redeliver.failed", err,
				zap.String("source", record.Source),
				zap.String("event_id", record.EventID),
			)
			continue
		}

		s.logger(ctx).Info("worker.event.redelivered",
			zap.String("source", record.Source),
			zap.String("event_id", record.EventID),
			zap.String("outcome", string(result.Outcome)),
		)
		if result.Outcome != webhook.OutcomeRetry {
			run.AddProcessed(1)
		}
	}
	return jobErr
}

// EscalateExhaustedJob raises the exhausted-event alert for events whose
// retries ran out without a later delivery to escalate them.
func (s *Scheduler) EscalateExhaustedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobEscalateExhausted, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	exhausted, err := s.events.ListUnescalatedExhausted(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logJobError(ctx, run, "worker.events.list.failed", err)
		return err
	}

	var jobErr error
	for i := range exhausted {
		record := &exhausted[i]
		raised, err := s.events.Escalate(ctx, record, exhaustedAlertMessage)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "worker.event.escalate.failed", err,
				zap.String("source", record.Source),
				zap.String("event_id", record.EventID),
			)
			continue
		}
		if raised {
			run.AddProcessed(1)
		}
	}
	return jobErr
}

// ReleaseStaleCartsJob returns the reservations of carts idle longer than
// the configured threshold.
func (s *Scheduler) ReleaseStaleCartsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReleaseStaleCarts, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	stale, err := s.carts.ListStale(ctx, s.tunables.Get().StaleCartAfter, s.cfg.BatchSize)
	if err != nil {
		s.logJobError(ctx, run, "worker.carts.list.failed", err)
		return err
	}

	var jobErr error
	for _, cart := range stale {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := s.carts.Abandon(ctx, cart.ID); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "worker.cart.release.failed", err,
				zap.String("cart_id", cart.ID.String()),
			)
			continue
		}
		run.AddProcessed(1)
	}
	return jobErr
}
