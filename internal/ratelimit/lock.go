package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/orderflow/internal/config"
)

var (
	ErrLockNotConfigured = errors.New("event_lock_not_configured")
	ErrInvalidLockKey    = errors.New("event_lock_key_invalid")
)

// compare-and-delete so a holder whose TTL lapsed cannot drop a newer lock
const eventUnlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// EventLocker serializes processing of one inbound event across replicas.
// The TTL is read from the fulfillment tunables on every acquire.
type EventLocker struct {
	client *redis.Client
	unlock *redis.Script
	cfg    *config.FulfillmentConfigHolder
}

func NewEventLocker(client *redis.Client, cfg *config.FulfillmentConfigHolder) *EventLocker {
	if client == nil {
		return nil
	}
	return &EventLocker{
		client: client,
		unlock: redis.NewScript(eventUnlockScript),
		cfg:    cfg,
	}
}

// Acquire returns the owner token when the event was free.
func (l *EventLocker) Acquire(ctx context.Context, source, eventID string) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrLockNotConfigured
	}
	key, err := eventLockKey(source, eventID)
	if err != nil {
		return "", false, err
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl()).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lock only if token still owns it.
func (l *EventLocker) Release(ctx context.Context, source, eventID, token string) error {
	if l == nil || l.client == nil || strings.TrimSpace(token) == "" {
		return nil
	}
	key, err := eventLockKey(source, eventID)
	if err != nil {
		return err
	}
	return l.unlock.Run(ctx, l.client, []string{key}, token).Err()
}

func (l *EventLocker) ttl() time.Duration {
	if l == nil {
		return config.DefaultFulfillmentConfig().EventLockTTL
	}
	return l.cfg.Get().EventLockTTL
}

func eventLockKey(source, eventID string) (string, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	eventID = strings.TrimSpace(eventID)
	if source == "" || eventID == "" {
		return "", ErrInvalidLockKey
	}
	return fmt.Sprintf(keyEventLock, source, eventID), nil
}
