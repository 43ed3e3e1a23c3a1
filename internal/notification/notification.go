// Package notification delivers customer-facing order messages. Delivery is a
// side effect: callers log failures and never roll back on them.
package notification

import (
	"context"
	"errors"
	"strings"
)

const (
	TemplateOrderConfirmed = "order_confirmed"
	TemplateOrderShipped   = "order_shipped"
	TemplateOrderCancelled = "order_cancelled"
	TemplateOrderRefunded  = "order_refunded"
)

var ErrMissingRecipient = errors.New("missing_recipient")

type Notifier interface {
	Send(ctx context.Context, recipient, templateID string, data map[string]any) error
}

// Noop discards every message.
type Noop struct{}

func (Noop) Send(ctx context.Context, recipient, templateID string, data map[string]any) error {
	return nil
}

func validateRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", ErrMissingRecipient
	}
	return recipient, nil
}
