package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailq/internal/dkim"
	"mailq/internal/email"
	"mailq/queue"
)

// SMTPConfig configures the email transport.
type SMTPConfig struct {
	// From is the envelope and header sender.
	From string
	// Relay, when set, receives every message instead of the recipient's MX hosts.
	Relay string
	Port  string
	// Hostname is used for HELO and Message-ID.
	Hostname  string
	Signer    *dkim.Signer
	Templates *email.Templates
}

// SMTP delivers email messages over SMTP.
type SMTP struct {
	from   string
	cfg    SMTPConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSMTP validates cfg and returns the transport.
func NewSMTP(cfg SMTPConfig, logger *zap.Logger) (*SMTP, error) {
	from, err := email.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("smtp sender: %w", err)
	}
	if strings.TrimSpace(cfg.Hostname) == "" {
		cfg.Hostname = defaultHelo
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTP{from: from, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Send composes, signs and delivers one message.
func (s *SMTP) Send(ctx context.Context, msg queue.QueuedMessage) error {
	to, err := email.ParseAddress(msg.To)
	if err != nil {
		return err
	}
	subject, body, err := render(s.cfg.Templates, msg.Message)
	if err != nil {
		return err
	}

	raw, err := email.Compose(email.Envelope{
		From:      s.from,
		To:        to,
		Subject:   subject,
		Body:      body,
		MessageID: msg.ID + "@" + s.cfg.Hostname,
		Date:      s.now(),
	})
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	signed, err := s.cfg.Signer.Sign(raw, s.from)
	if err != nil {
		return err
	}

	target := Target{Port: s.cfg.Port, HeloName: s.cfg.Hostname}
	if s.cfg.Relay != "" {
		target.Host = s.cfg.Relay
		s.logger.Debug("Relaying message",
			zap.String("message_id", msg.ID),
			zap.String("relay", s.cfg.Relay))
		return deliverFunc(ctx, target, s.from, to, signed)
	}
	return DeliverMessage(ctx, target, s.from, to, signed)
}
