package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/orderflow/internal/observability/logger"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandlePaymentWebhook acknowledges a gateway delivery. The status code is the
// retry signal: only a 5xx asks the gateway to redeliver.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	result, err := s.dispatcher.Handle(ctx, provider, payload, c.Request.Header)
	if err != nil {
		logger.FromContext(ctx).Warn("payment webhook not applied",
			zap.String("provider", provider),
			zap.String("event_id", result.EventID),
			zap.String("outcome", string(result.Outcome)),
			zap.Error(err),
		)
	}
	status := result.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, result)
}
