package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/orderflow/internal/config"
)

const (
	keyCartMutation = "orderflow:cart:mutation:%s"
	keyEventLock    = "orderflow:event:lock:%s:%s"
)

// Guard throttles cart mutations per owner and serializes processing of a
// single inbound event across replicas. A nil or disabled Guard allows
// everything; the inbound event claim still prevents double effects.
type Guard struct {
	enabled bool

	bucket *TokenBucket
	locker *EventLocker
	cfg    *config.FulfillmentConfigHolder
}

func NewGuard(client *redis.Client, cfg *config.FulfillmentConfigHolder) *Guard {
	if client == nil {
		return &Guard{}
	}
	return &Guard{
		enabled: true,
		bucket:  NewTokenBucket(client),
		locker:  NewEventLocker(client, cfg),
		cfg:     cfg,
	}
}

func (g *Guard) Enabled() bool {
	return g != nil && g.enabled
}

func (g *Guard) AllowCartMutation(ctx context.Context, ownerKey string) (*RateLimitResult, error) {
	if !g.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	tunables := g.cfg.Get()
	return g.bucket.Allow(ctx, fmt.Sprintf(keyCartMutation, strings.TrimSpace(ownerKey)), tunables.CartMutationRate, tunables.CartMutationBurst)
}

// TryLockEvent returns ok=true with an empty token when locking is disabled.
func (g *Guard) TryLockEvent(ctx context.Context, source, eventID string) (string, bool, error) {
	if !g.Enabled() {
		return "", true, nil
	}
	return g.locker.Acquire(ctx, source, eventID)
}

func (g *Guard) ReleaseEvent(ctx context.Context, source, eventID, token string) error {
	if !g.Enabled() {
		return nil
	}
	return g.locker.Release(ctx, source, eventID, token)
}
