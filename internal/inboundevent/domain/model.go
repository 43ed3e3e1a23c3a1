package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidEvent          = errors.New("invalid_inbound_event")
	ErrEventNotFound         = errors.New("inbound_event_not_found")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

// Event is one gateway notification, keyed by (Source, EventID).
type Event struct {
	ID          snowflake.ID `json:"id"`
	Source      string       `json:"source"`
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"`
	PayloadHash string       `json:"payload_hash"`
	Payload     []byte       `json:"-"`
	Processed   bool         `json:"processed"`
	RetryCount  int          `json:"retry_count"`
	MaxRetries  int          `json:"max_retries"`
	LastError   *string      `json:"last_error,omitempty"`
	EscalatedAt *time.Time   `json:"escalated_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

func (Event) TableName() string { return "inbound_events" }

// Exhausted reports whether automatic retries are over for an unprocessed event.
func (e Event) Exhausted() bool {
	return !e.Processed && e.RetryCount >= e.MaxRetries
}

// Action is the ledger's verdict for one delivery.
type Action string

const (
	ActionProcess   Action = "process"
	ActionDuplicate Action = "duplicate"
	ActionGiveUp    Action = "give_up"
)

type RecordRequest struct {
	Source      string
	EventID     string
	EventType   string
	PayloadHash string
	Payload     []byte
}

type Decision struct {
	Action Action
	Record *Event
	// Created is true when this delivery inserted the record.
	Created bool
}

func (d Decision) ShouldProcess() bool { return d.Action == ActionProcess }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
	FindByKey(ctx context.Context, db *gorm.DB, source, eventID string) (*Event, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Event, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, terminal bool, at time.Time) (bool, error)
	MarkEscalated(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ListRetryable(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Event, error)
	ListUnescalatedExhausted(ctx context.Context, db *gorm.DB, limit int) ([]Event, error)
}
