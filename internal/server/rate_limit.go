package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/orderflow/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonCartMutation = "cart-mutation"

// CartMutationRateLimit applies the per-owner token bucket to cart writes.
// Without Redis every request is allowed.
func (s *Server) CartMutationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.guard.Enabled() {
			c.Next()
			return
		}

		owner, ok := ownerFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		result, err := s.guard.AllowCartMutation(ctx, owner.Key())
		if err != nil {
			logger.FromContext(ctx).Warn("cart mutation rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}
		if !result.Allowed {
			denyRateLimit(ctx, c, normalizeRateLimitEndpoint(c), rateLimitReasonCartMutation, retryAfterSeconds(result.RetryAfter.Seconds()))
			return
		}

		c.Next()
	}
}

func denyRateLimit(ctx context.Context, c *gin.Context, endpoint, reason string, retryAfter int) {
	logger.FromContext(ctx).Warn("rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(seconds float64) int {
	if seconds <= 1 {
		return 1
	}
	return int(math.Ceil(seconds))
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
