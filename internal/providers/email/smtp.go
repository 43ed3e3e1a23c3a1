package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var ErrUnknownTemplate = errors.New("unknown_email_template")

var defaultSubjects = map[string]string{
	"order_confirmed": "Your order {{order_number}} is confirmed",
	"order_shipped":   "Your order {{order_number}} has shipped",
	"order_cancelled": "Your order {{order_number}} was cancelled",
	"order_refunded":  "Your order {{order_number}} was refunded",
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPProvider struct {
	cfg  Config
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTP(cfg Config) *SMTPProvider {
	return &SMTPProvider{cfg: cfg, send: smtp.SendMail}
}

func (p *SMTPProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	if len(to) == 0 {
		return errors.New("email recipient is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if p.cfg.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	mime := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n\n"
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n%s\r\n%s", p.cfg.From, strings.Join(to, ", "), subject, mime, htmlBody))

	return p.send(addr, auth, p.cfg.From, to, msg)
}

func (p *SMTPProvider) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	body, err := Render(templateName, data)
	if err != nil {
		return err
	}
	return p.Send(ctx, to, Subject(templateName, data), body)
}

// Render executes one of the embedded order templates.
func Render(templateName string, data map[string]any) (string, error) {
	tmpl := templates.Lookup(templateName + ".html")
	if tmpl == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateName)
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return body.String(), nil
}

// Subject prefers an explicit "subject" entry, then the per-template default.
func Subject(templateName string, data map[string]any) string {
	if subj, ok := data["subject"].(string); ok && subj != "" {
		return subj
	}
	subject, ok := defaultSubjects[templateName]
	if !ok {
		return "Notification from your store"
	}
	number, _ := data["order_number"].(string)
	return strings.ReplaceAll(subject, "{{order_number}}", number)
}
