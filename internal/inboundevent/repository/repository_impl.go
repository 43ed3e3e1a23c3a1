package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/inboundevent/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const eventColumns = `id, source, event_id, event_type, payload_hash, payload, processed,
	retry_count, max_retries, last_error, escalated_at, created_at, updated_at, processed_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO inbound_events (
			id, source, event_id, event_type, payload_hash, payload, processed,
			retry_count, max_retries, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, FALSE, 0, ?, ?, ?)
		ON CONFLICT (source, event_id) DO NOTHING`,
		event.ID,
		event.Source,
		event.EventID,
		event.EventType,
		event.PayloadHash,
		event.Payload,
		event.MaxRetries,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, source, eventID string) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM inbound_events
		 WHERE source = ? AND event_id = ?
		 LIMIT 1`,
		source,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM inbound_events
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// MarkProcessed is the ownership claim: only one caller moves the row out of
// processed = FALSE.
func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET processed = TRUE, processed_at = ?, updated_at = ?
		 WHERE id = ? AND processed = FALSE`,
		at,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, terminal bool, at time.Time) (bool, error) {
	query := `UPDATE inbound_events
		 SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND processed = FALSE`
	if terminal {
		query = `UPDATE inbound_events
		 SET retry_count = CASE WHEN retry_count > max_retries THEN retry_count ELSE max_retries END,
			last_error = ?, updated_at = ?
		 WHERE id = ? AND processed = FALSE`
	}
	res := db.WithContext(ctx).Exec(query, lastError, at, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEscalated(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET escalated_at = ?
		 WHERE id = ? AND escalated_at IS NULL`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListRetryable(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Event, error) {
	var items []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM inbound_events
		 WHERE processed = FALSE AND retry_count < max_retries AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListUnescalatedExhausted(ctx context.Context, db *gorm.DB, limit int) ([]domain.Event, error) {
	var items []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM inbound_events
		 WHERE processed = FALSE AND retry_count >= max_retries AND escalated_at IS NULL
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
