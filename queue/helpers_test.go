package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"mailq/internal/metrics"
	"mailq/ratelimit"
)

type memStore struct {
	mu        sync.Mutex
	rows      map[string]QueuedMessage
	updates   []QueuedMessage
	insertErr error
	updateErr error
	getErr    error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]QueuedMessage)}
}

func (s *memStore) Insert(_ context.Context, msg QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.rows[msg.ID] = msg.clone()
	return nil
}

func (s *memStore) Update(_ context.Context, msg QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.rows[msg.ID] = msg.clone()
	s.updates = append(s.updates, msg.clone())
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return QueuedMessage{}, s.getErr
	}
	msg, ok := s.rows[id]
	if !ok {
		return QueuedMessage{}, ErrNotFound
	}
	return msg.clone(), nil
}

func (s *memStore) LoadPending(_ context.Context) ([]QueuedMessage, error) {
	return s.filter(func(m QueuedMessage) bool {
		return m.Status == StatusQueued || m.Status == StatusRetry || m.Status == StatusSending
	}, 0), nil
}

func (s *memStore) LoadReady(_ context.Context, now time.Time, limit int) ([]QueuedMessage, error) {
	return s.filter(func(m QueuedMessage) bool {
		return (m.Status == StatusQueued || m.Status == StatusRetry) && !m.NextRetryAt.After(now)
	}, limit), nil
}

func (s *memStore) filter(keep func(QueuedMessage) bool, limit int) []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueuedMessage
	for _, m := range s.rows {
		if keep(m) {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memStore) row(t *testing.T, id string) QueuedMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.rows[id]
	if !ok {
		t.Fatalf("no persisted row for %s", id)
	}
	return msg
}

func (s *memStore) statuses(id string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Status
	for _, u := range s.updates {
		if u.ID == id {
			out = append(out, u.Status)
		}
	}
	return out
}

type stubTransport struct {
	mu    sync.Mutex
	err   error
	calls []QueuedMessage
	sent  chan string
}

func (s *stubTransport) Send(_ context.Context, msg QueuedMessage) error {
	s.mu.Lock()
	s.calls = append(s.calls, msg)
	err := s.err
	s.mu.Unlock()
	if err == nil && s.sent != nil {
		s.sent <- msg.ID
	}
	return err
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// countingLimiter records how often RecordSent is called.
type countingLimiter struct {
	*ratelimit.Limiter
	mu       sync.Mutex
	recorded []string
}

func (c *countingLimiter) RecordSent(recipient string) {
	c.mu.Lock()
	c.recorded = append(c.recorded, recipient)
	c.mu.Unlock()
	c.Limiter.RecordSent(recipient)
}

type denyLimiter struct {
	decision ratelimit.Decision
	recorded int
}

func (d *denyLimiter) CanSend(string) ratelimit.Decision { return d.decision }

func (d *denyLimiter) RecordSent(string) { d.recorded++ }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newCountingLimiter(t *testing.T, clock *testClock, cfg ratelimit.Config) *countingLimiter {
	t.Helper()
	l, err := ratelimit.NewLimiter(cfg, ratelimit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	return &countingLimiter{Limiter: l}
}

func testOptions(clock *testClock) Options {
	opts := DefaultOptions()
	opts.InterMessageDelay = 0
	opts.Clock = clock.Now
	return opts
}

func newTestManager(t *testing.T, store Store, transport Transport, limiter RateLimiter, opts Options) *Manager {
	t.Helper()
	metrics.ResetForTests()
	m, err := NewManager(store, transport, limiter, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

var errSMTPDown = errors.New("smtp unavailable")
