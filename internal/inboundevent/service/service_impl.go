package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/smallbiznis/orderflow/internal/alert"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/inboundevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxLastErrorLen = 1024

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Clock   clock.Clock
	Alerter alert.Alerter
	Cfg     *config.FulfillmentConfigHolder `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	clock   clock.Clock
	alerter alert.Alerter
	cfg     *config.FulfillmentConfigHolder
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("inboundevent.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		clock:   clk,
		alerter: p.Alerter,
		cfg:     p.Cfg,
	}
}

// RecordOrSkip records the first sighting of an event and decides whether
// this delivery may run the side-effecting phase. The unique (source,
// event_id) index settles racing first deliveries.
func (s *Service) RecordOrSkip(ctx context.Context, req domain.RecordRequest) (domain.Decision, error) {
	req.Source = strings.ToLower(strings.TrimSpace(req.Source))
	req.EventID = strings.TrimSpace(req.EventID)
	req.EventType = strings.TrimSpace(req.EventType)
	if req.Source == "" || req.EventID == "" || req.EventType == "" {
		return domain.Decision{}, domain.ErrInvalidEvent
	}

	now := s.clock.Now()
	record := domain.Event{
		ID:          s.genID.Generate(),
		Source:      req.Source,
		EventID:     req.EventID,
		EventType:   req.EventType,
		PayloadHash: req.PayloadHash,
		MaxRetries:  s.cfg.Get().MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(req.Payload) > 0 {
		record.Payload = snappy.Encode(nil, req.Payload)
	}

	inserted, err := s.repo.Insert(ctx, s.db, &record)
	if err != nil {
		return domain.Decision{}, err
	}
	if inserted {
		return domain.Decision{Action: domain.ActionProcess, Record: &record, Created: true}, nil
	}

	stored, err := s.repo.FindByKey(ctx, s.db, req.Source, req.EventID)
	if err != nil {
		return domain.Decision{}, err
	}
	if stored == nil {
		return domain.Decision{}, domain.ErrEventNotFound
	}

	if req.PayloadHash != "" && stored.PayloadHash != req.PayloadHash {
		s.log.Warn("inbound event payload drift",
			zap.String("source", stored.Source),
			zap.String("event_id", stored.EventID),
			zap.String("stored_hash", stored.PayloadHash),
			zap.String("incoming_hash", req.PayloadHash),
		)
	}

	switch {
	case stored.Processed:
		return domain.Decision{Action: domain.ActionDuplicate, Record: stored}, nil
	case stored.RetryCount >= stored.MaxRetries:
		if _, err := s.Escalate(ctx, stored, "inbound event exhausted retries"); err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{Action: domain.ActionGiveUp, Record: stored}, nil
	default:
		return domain.Decision{Action: domain.ActionProcess, Record: stored}, nil
	}
}

// MarkProcessedTx claims the event inside tx. A second claimant gets
// ErrEventAlreadyProcessed and must roll back.
func (s *Service) MarkProcessedTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	claimed, err := s.repo.MarkProcessed(ctx, tx, id, s.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return domain.ErrEventAlreadyProcessed
	}
	return nil
}

func (s *Service) MarkProcessed(ctx context.Context, id snowflake.ID) error {
	return s.MarkProcessedTx(ctx, s.db, id)
}

// RecordFailure counts a failed attempt. A terminal failure consumes every
// remaining retry so the event is never re-driven automatically.
func (s *Service) RecordFailure(ctx context.Context, id snowflake.ID, cause error, terminal bool) (*domain.Event, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	if len(message) > maxLastErrorLen {
		message = message[:maxLastErrorLen]
	}

	if _, err := s.repo.RecordFailure(ctx, s.db, id, message, terminal, s.clock.Now()); err != nil {
		return nil, err
	}
	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrEventNotFound
	}
	return record, nil
}

// Escalate fires the exhausted-event alert at most once per event. It
// reports whether this call raised it.
func (s *Service) Escalate(ctx context.Context, record *domain.Event, message string) (bool, error) {
	if record == nil {
		return false, domain.ErrInvalidEvent
	}
	now := s.clock.Now()
	won, err := s.repo.MarkEscalated(ctx, s.db, record.ID, now)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	record.EscalatedAt = &now

	fields := map[string]string{
		"source":      record.Source,
		"event_id":    record.EventID,
		"event_type":  record.EventType,
		"retry_count": strconv.Itoa(record.RetryCount),
	}
	if record.LastError != nil {
		fields["last_error"] = *record.LastError
	}
	if s.alerter != nil {
		s.alerter.Notify(ctx, alert.ReasonRetriesExhausted, message, fields)
	}
	return true, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Event, error) {
	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrEventNotFound
	}
	return record, nil
}

// ListRetryable returns pending events whose last attempt is older than idle.
func (s *Service) ListRetryable(ctx context.Context, idle time.Duration, limit int) ([]domain.Event, error) {
	return s.repo.ListRetryable(ctx, s.db, s.clock.Now().Add(-idle), limit)
}

func (s *Service) ListUnescalatedExhausted(ctx context.Context, limit int) ([]domain.Event, error) {
	return s.repo.ListUnescalatedExhausted(ctx, s.db, limit)
}

// Payload returns the archived raw body of an event.
func (s *Service) Payload(record *domain.Event) ([]byte, error) {
	if record == nil || len(record.Payload) == 0 {
		return nil, errors.New("inbound event has no archived payload")
	}
	raw, err := snappy.Decode(nil, record.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode archived payload: %w", err)
	}
	return raw, nil
}
