// Package ratelimit enforces global and per-recipient send quotas over
// rolling windows. State is process-local and not shared between instances.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	minute = time.Minute
	hour   = time.Hour
	day    = 24 * time.Hour
)

// Config holds the quota ceilings.
type Config struct {
	PerMinute       int
	PerHour         int
	PerDay          int
	PerRecipient    int
	RecipientWindow time.Duration
}

// DefaultConfig returns the stock ceilings: 10/min, 100/h, 500/day and three
// sends per recipient per hour.
func DefaultConfig() Config {
	return Config{
		PerMinute:       10,
		PerHour:         100,
		PerDay:          500,
		PerRecipient:    3,
		RecipientWindow: time.Hour,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.PerMinute < 1 {
		errs = append(errs, fmt.Errorf("per-minute limit must be positive, got %d", c.PerMinute))
	}
	if c.PerHour < 1 {
		errs = append(errs, fmt.Errorf("per-hour limit must be positive, got %d", c.PerHour))
	}
	if c.PerDay < 1 {
		errs = append(errs, fmt.Errorf("per-day limit must be positive, got %d", c.PerDay))
	}
	if c.PerRecipient < 1 {
		errs = append(errs, fmt.Errorf("per-recipient limit must be positive, got %d", c.PerRecipient))
	}
	if c.RecipientWindow <= 0 {
		errs = append(errs, fmt.Errorf("recipient window must be positive, got %s", c.RecipientWindow))
	}
	return errors.Join(errs...)
}

// Decision is the outcome of CanSend.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Usage is a point-in-time view of the limiter counters.
type Usage struct {
	LastMinute int `json:"last_minute"`
	LastHour   int `json:"last_hour"`
	LastDay    int `json:"last_day"`
	Recipients int `json:"recipients"`
}

type recipientWindow struct {
	count          int
	firstRequestAt time.Time
	lastRequestAt  time.Time
}

// Limiter tracks successful sends and admits or refuses further attempts.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	sent       []time.Time
	recipients map[string]*recipientWindow
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter validates cfg and returns an empty limiter.
func NewLimiter(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	l := &Limiter{
		cfg:        cfg,
		now:        time.Now,
		recipients: make(map[string]*recipientWindow),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CanSend reports whether a send to recipient is currently admitted.
// Global windows are checked tightest first, then the recipient window.
func (l *Limiter) CanSend(recipient string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	windows := []struct {
		name  string
		span  time.Duration
		limit int
	}{
		{"per-minute", minute, l.cfg.PerMinute},
		{"per-hour", hour, l.cfg.PerHour},
		{"per-day", day, l.cfg.PerDay},
	}
	for _, w := range windows {
		count, oldest := l.countSince(now.Add(-w.span))
		if count >= w.limit {
			return Decision{
				Reason:     fmt.Sprintf("global %s limit of %d reached", w.name, w.limit),
				RetryAfter: positive(oldest.Add(w.span).Sub(now)),
			}
		}
	}

	if entry, ok := l.recipients[normalize(recipient)]; ok && entry.count >= l.cfg.PerRecipient {
		return Decision{
			Reason:     fmt.Sprintf("recipient limit of %d per %s reached", l.cfg.PerRecipient, l.cfg.RecipientWindow),
			RetryAfter: positive(entry.firstRequestAt.Add(l.cfg.RecipientWindow).Sub(now)),
		}
	}

	return Decision{Allowed: true}
}

// RecordSent registers a confirmed successful send.
func (l *Limiter) RecordSent(recipient string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sent = append(l.sent, now)

	key := normalize(recipient)
	entry, ok := l.recipients[key]
	if !ok || now.Sub(entry.firstRequestAt) >= l.cfg.RecipientWindow {
		l.recipients[key] = &recipientWindow{count: 1, firstRequestAt: now, lastRequestAt: now}
		return
	}
	entry.count++
	entry.lastRequestAt = now
}

// Usage returns the current window counts.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	m, _ := l.countSince(now.Add(-minute))
	h, _ := l.countSince(now.Add(-hour))
	return Usage{
		LastMinute: m,
		LastHour:   h,
		LastDay:    len(l.sent),
		Recipients: len(l.recipients),
	}
}

// prune drops global timestamps older than a day and expired recipient windows.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-day)
	i := 0
	for i < len(l.sent) && !l.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.sent = append(l.sent[:0], l.sent[i:]...)
	}
	for key, entry := range l.recipients {
		if now.Sub(entry.firstRequestAt) >= l.cfg.RecipientWindow {
			delete(l.recipients, key)
		}
	}
}

// countSince counts timestamps strictly after since and returns the oldest of
// them. l.sent is kept in append (chronological) order.
func (l *Limiter) countSince(since time.Time) (int, time.Time) {
	for i, ts := range l.sent {
		if ts.After(since) {
			return len(l.sent) - i, ts
		}
	}
	return 0, time.Time{}
}

func normalize(recipient string) string {
	return strings.ToLower(strings.TrimSpace(recipient))
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
