package notification

import (
	"context"

	"github.com/smallbiznis/orderflow/internal/providers/email"
)

// EmailNotifier renders the embedded order templates and sends them over SMTP.
type EmailNotifier struct {
	provider email.Provider
}

func NewEmailNotifier(provider email.Provider) *EmailNotifier {
	return &EmailNotifier{provider: provider}
}

func (n *EmailNotifier) Send(ctx context.Context, recipient, templateID string, data map[string]any) error {
	to, err := validateRecipient(recipient)
	if err != nil {
		return err
	}
	return n.provider.SendTemplate(ctx, []string{to}, templateID, data)
}
