package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailq/internal/email"
	"mailq/queue"
)

// SMSConfig configures the HTTP messaging API transport.
type SMSConfig struct {
	// URL is the messages endpoint, e.g. https://api.telnyx.com/v2/messages.
	URL    string
	APIKey string
	// From is the provisioned sender number in E.164 format.
	From      string
	Timeout   time.Duration
	Templates *email.Templates
}

// SMS posts text messages to an HTTP messaging API with bearer auth.
type SMS struct {
	cfg        SMSConfig
	httpClient *http.Client
	logger     *zap.Logger
}

type smsRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

type smsResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// NewSMS returns the transport. The URL and sender number are required.
func NewSMS(cfg SMSConfig, logger *zap.Logger) (*SMS, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("sms: api url is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("sms: sender number is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMS{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

// Send dispatches msg. A transport error, a non-2xx status or an errors
// array in the response body is a failure.
func (s *SMS) Send(ctx context.Context, msg queue.QueuedMessage) error {
	_, text, err := render(s.cfg.Templates, msg.Message)
	if err != nil {
		return err
	}
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("sms: empty recipient")
	}

	body, err := json.Marshal(smsRequest{From: s.cfg.From, To: msg.To, Text: text})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed smsResponse
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		if len(parsed.Errors) > 0 {
			return fmt.Errorf("sms api error %s: %s", parsed.Errors[0].Code, parsed.Errors[0].Detail)
		}
		s.logger.Debug("SMS accepted",
			zap.String("message_id", msg.ID),
			zap.String("provider_id", parsed.Data.ID))
	}
	return nil
}
