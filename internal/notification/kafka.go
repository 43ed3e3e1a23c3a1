package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Envelope is the JSON document published for the external delivery service.
type Envelope struct {
	ID         string         `json:"id"`
	Recipient  string         `json:"recipient"`
	TemplateID string         `json:"template_id"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// KafkaNotifier publishes envelopes keyed by recipient so one customer's
// messages stay ordered on a partition.
type KafkaNotifier struct {
	writer MessageWriter
	now    func() time.Time
}

func NewKafkaNotifier(writer MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func (n *KafkaNotifier) Send(ctx context.Context, recipient, templateID string, data map[string]any) error {
	to, err := validateRecipient(recipient)
	if err != nil {
		return err
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Recipient:  to,
		TemplateID: templateID,
		Data:       data,
		CreatedAt:  n.now(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(to),
		Value: body,
		Headers: []kafka.Header{
			{Key: "x-template-id", Value: []byte(templateID)},
			{Key: "x-event-version", Value: []byte("1")},
		},
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
