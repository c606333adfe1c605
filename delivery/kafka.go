package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"mailq/queue"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the JSON record published for a downstream relay.
type Envelope struct {
	ID         string            `json:"id"`
	Channel    queue.Channel     `json:"channel"`
	To         string            `json:"to"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Attempt    int               `json:"attempt"`
	QueuedAt   time.Time         `json:"queued_at"`
}

// Kafka hands messages to a topic instead of delivering them directly.
// Records are keyed by recipient so one recipient's messages stay ordered.
type Kafka struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafka returns a synchronous producer; Send only succeeds once the
// brokers have acknowledged the record.
func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
	return &Kafka{writer: writer, topic: topic, logger: logger}
}

// Send publishes msg as an Envelope.
func (k *Kafka) Send(ctx context.Context, msg queue.QueuedMessage) error {
	value, err := json.Marshal(Envelope{
		ID:         msg.ID,
		Channel:    msg.ChannelOrDefault(),
		To:         msg.To,
		Subject:    msg.Subject,
		Body:       msg.Body,
		TemplateID: msg.TemplateID,
		Variables:  msg.Variables,
		Attempt:    msg.Attempts,
		QueuedAt:   msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.To),
		Value: value,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to produce message to Kafka: %w", err)
	}
	k.logger.Debug("Message produced to Kafka",
		zap.String("topic", k.topic),
		zap.String("message_id", msg.ID))
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}
