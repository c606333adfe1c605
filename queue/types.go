package queue

import (
	"context"
	"strings"
	"time"
)

// Status is the lifecycle state of a queued message. The string values are
// stored verbatim by every Store implementation.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusRetry   Status = "retry"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further processing happens in this state.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusRetry, StatusFailed:
		return true
	}
	return false
}

// Channel selects the transport a message is delivered over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is the caller-supplied payload. The queue never interprets it
// beyond using To as the rate-limit key.
type Message struct {
	Channel    Channel           `json:"channel,omitempty" msgpack:"channel"`
	To         string            `json:"to" msgpack:"to"`
	Subject    string            `json:"subject,omitempty" msgpack:"subject"`
	Body       string            `json:"body,omitempty" msgpack:"body"`
	TemplateID string            `json:"template_id,omitempty" msgpack:"template_id"`
	Variables  map[string]string `json:"variables,omitempty" msgpack:"variables"`
}

// ChannelOrDefault returns the message channel, treating an empty value as email.
func (m Message) ChannelOrDefault() Channel {
	if m.Channel == "" {
		return ChannelEmail
	}
	return Channel(strings.ToLower(string(m.Channel)))
}

// QueuedMessage is a unit of outbound work together with its delivery state.
type QueuedMessage struct {
	Message

	ID          string     `json:"id" msgpack:"id"`
	Attempts    int        `json:"attempts" msgpack:"attempts"`
	MaxRetries  int        `json:"max_retries" msgpack:"max_retries"`
	NextRetryAt time.Time  `json:"next_retry_at" msgpack:"next_retry_at"`
	LastError   string     `json:"last_error,omitempty" msgpack:"last_error"`
	Status      Status     `json:"status" msgpack:"status"`
	CreatedAt   time.Time  `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" msgpack:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty" msgpack:"sent_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty" msgpack:"failed_at"`
}

// clone returns a copy that shares no mutable state with m.
func (m QueuedMessage) clone() QueuedMessage {
	out := m
	if m.Variables != nil {
		out.Variables = make(map[string]string, len(m.Variables))
		for k, v := range m.Variables {
			out.Variables[k] = v
		}
	}
	if m.SentAt != nil {
		t := *m.SentAt
		out.SentAt = &t
	}
	if m.FailedAt != nil {
		t := *m.FailedAt
		out.FailedAt = &t
	}
	return out
}

// Store is the durable record of queued messages. The in-memory queue is a
// scheduling cache over it.
type Store interface {
	Insert(ctx context.Context, msg QueuedMessage) error
	Update(ctx context.Context, msg QueuedMessage) error
	Get(ctx context.Context, id string) (QueuedMessage, error)
	// LoadPending returns queued, retry and sending rows ordered by NextRetryAt.
	LoadPending(ctx context.Context) ([]QueuedMessage, error)
	// LoadReady returns up to limit queued or retry rows due at or before now.
	LoadReady(ctx context.Context, now time.Time, limit int) ([]QueuedMessage, error)
}

// Transport delivers a single message. Any returned error is treated as a
// retryable delivery failure.
type Transport interface {
	Send(ctx context.Context, msg QueuedMessage) error
}
