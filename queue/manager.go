package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailq/internal/metrics"
	"mailq/ratelimit"
)

// ErrNotFound is returned by a Store when no message has the requested id.
var ErrNotFound = errors.New("queued message not found")

// RateLimiter admits or refuses delivery attempts.
type RateLimiter interface {
	CanSend(recipient string) ratelimit.Decision
	RecordSent(recipient string)
}

// Options tunes retry and pacing behaviour.
type Options struct {
	// DefaultMaxRetries applies when Enqueue is called with maxRetries <= 0.
	DefaultMaxRetries int
	// Backoff is indexed by attempts-1 and clamped to its last entry.
	Backoff []time.Duration
	// InterMessageDelay separates attempts within one drain batch.
	InterMessageDelay time.Duration
	// StoreTimeout bounds each Store call.
	StoreTimeout time.Duration
	// Clock overrides time.Now.
	Clock func() time.Time
}

// DefaultOptions returns three retries on a 1m/5m/15m table with a one
// second pause between messages.
func DefaultOptions() Options {
	return Options{
		DefaultMaxRetries: 3,
		Backoff:           []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
		InterMessageDelay: time.Second,
		StoreTimeout:      5 * time.Second,
	}
}

func (o Options) validate() error {
	if o.DefaultMaxRetries < 1 {
		return fmt.Errorf("default max retries must be positive, got %d", o.DefaultMaxRetries)
	}
	if len(o.Backoff) == 0 {
		return errors.New("backoff table must not be empty")
	}
	for i, d := range o.Backoff {
		if d < 0 {
			return fmt.Errorf("backoff[%d] is negative: %s", i, d)
		}
	}
	if o.InterMessageDelay < 0 {
		return fmt.Errorf("inter-message delay is negative: %s", o.InterMessageDelay)
	}
	return nil
}

// Manager holds every non-terminal message in memory and runs the single
// processor loop that attempts them.
type Manager struct {
	store     Store
	transport Transport
	limiter   RateLimiter
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	pending    map[string]*QueuedMessage
	processing bool
	wake       chan struct{}
}

// NewManager returns an empty manager. It fails only on malformed options or
// missing collaborators.
func NewManager(store Store, transport Transport, limiter RateLimiter, opts Options, logger *zap.Logger) (*Manager, error) {
	if store == nil || transport == nil || limiter == nil {
		return nil, errors.New("queue: store, transport and limiter are required")
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultOptions().StoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:     store,
		transport: transport,
		limiter:   limiter,
		opts:      opts,
		logger:    logger,
		now:       now,
		sleep:     sleepContext,
		pending:   make(map[string]*QueuedMessage),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Enqueue records msg for delivery and returns its id. Persistence failures
// are logged; the message is still delivered from memory.
func (m *Manager) Enqueue(ctx context.Context, msg Message, maxRetries int) string {
	if maxRetries <= 0 {
		maxRetries = m.opts.DefaultMaxRetries
	}
	now := m.now()
	qm := QueuedMessage{
		Message:     msg,
		ID:          uuid.NewString(),
		MaxRetries:  maxRetries,
		NextRetryAt: now,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	qm.Channel = msg.ChannelOrDefault()

	m.mu.Lock()
	stored := qm.clone()
	m.pending[qm.ID] = &stored
	depth := len(m.pending)
	m.mu.Unlock()

	metrics.MessagesQueued.Add(1)
	metrics.SetQueueDepth(depth)

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StoreTimeout)
	defer cancel()
	if err := m.store.Insert(storeCtx, qm); err != nil {
		metrics.PersistErrors.Add(1)
		m.logger.Error("Failed to persist queued message",
			zap.String("message_id", qm.ID),
			zap.String("recipient", qm.To),
			zap.Error(err))
	}

	m.logger.Info("Message queued",
		zap.String("message_id", qm.ID),
		zap.String("recipient", qm.To),
		zap.String("channel", string(qm.Channel)),
		zap.Int("max_retries", qm.MaxRetries))
	m.signal()
	return qm.ID
}

// DrainReady returns copies of all messages due at or before now, earliest
// NextRetryAt first.
func (m *Manager) DrainReady(now time.Time) []QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []QueuedMessage
	for _, msg := range m.pending {
		if !msg.NextRetryAt.After(now) {
			ready = append(ready, msg.clone())
		}
	}
	sortByNextRetry(ready)
	return ready
}

// Reschedule pushes the message's NextRetryAt to now+delay. It never moves
// NextRetryAt backwards.
func (m *Manager) Reschedule(id string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.pending[id]; ok {
		msg.NextRetryAt = later(msg.NextRetryAt, m.now().Add(delay))
	}
}

// Remove drops a message from memory. Its persisted row is kept.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	depth := len(m.pending)
	m.mu.Unlock()
	metrics.SetQueueDepth(depth)
}

// Restore loads persisted messages that are not already held in memory.
// Attempt counts are preserved; rows left in sending by a crash come back
// as retry. It returns the number of messages added.
func (m *Manager) Restore(msgs []QueuedMessage) int {
	m.mu.Lock()
	added := 0
	for _, msg := range msgs {
		if msg.ID == "" || msg.Status.Terminal() {
			continue
		}
		if _, ok := m.pending[msg.ID]; ok {
			continue
		}
		restored := msg.clone()
		if restored.Status == StatusSending || !restored.Status.Valid() {
			restored.Status = StatusRetry
		}
		if restored.MaxRetries <= 0 {
			restored.MaxRetries = m.opts.DefaultMaxRetries
		}
		m.pending[restored.ID] = &restored
		added++
	}
	depth := len(m.pending)
	m.mu.Unlock()

	if added > 0 {
		metrics.MessagesRestored.Add(int64(added))
		metrics.SetQueueDepth(depth)
		m.signal()
	}
	return added
}

// Depth returns the number of messages held in memory.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// MessageStatus is the diagnostic view of one pending message.
type MessageStatus struct {
	ID          string    `json:"id"`
	Channel     Channel   `json:"channel"`
	To          string    `json:"to"`
	Subject     string    `json:"subject"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxRetries  int       `json:"max_retries"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Snapshot is a read-only copy of the queue state for admin tooling.
type Snapshot struct {
	QueueLength  int             `json:"queue_length"`
	IsProcessing bool            `json:"is_processing"`
	Emails       []MessageStatus `json:"emails"`
}

// Status returns a snapshot ordered by NextRetryAt.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	msgs := make([]QueuedMessage, 0, len(m.pending))
	for _, msg := range m.pending {
		msgs = append(msgs, *msg)
	}
	processing := m.processing
	m.mu.Unlock()

	sortByNextRetry(msgs)
	snap := Snapshot{
		QueueLength:  len(msgs),
		IsProcessing: processing,
		Emails:       make([]MessageStatus, 0, len(msgs)),
	}
	for _, msg := range msgs {
		snap.Emails = append(snap.Emails, MessageStatus{
			ID:          msg.ID,
			Channel:     msg.Channel,
			To:          msg.To,
			Subject:     msg.Subject,
			Status:      msg.Status,
			Attempts:    msg.Attempts,
			MaxRetries:  msg.MaxRetries,
			NextRetryAt: msg.NextRetryAt,
			LastError:   msg.LastError,
		})
	}
	return snap
}

// Run drives the processor until ctx is cancelled. When nothing is due it
// sleeps until the earliest NextRetryAt or until new work arrives.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("Queue processor started")
	defer m.logger.Info("Queue processor stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if m.processQueue(ctx) > 0 {
			continue
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if wait, ok := m.untilNext(); ok {
			timer = time.NewTimer(wait)
			timeout = timer.C
			m.logger.Debug("Queue idle", zap.Duration("next_in", wait))
		}

		select {
		case <-ctx.Done():
		case <-m.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// processQueue attempts every message that is due and returns how many were
// drained.
func (m *Manager) processQueue(ctx context.Context) int {
	batch := m.DrainReady(m.now())
	if len(batch) == 0 {
		return 0
	}

	m.setProcessing(true)
	defer m.setProcessing(false)

	m.logger.Debug("Processing ready messages", zap.Int("count", len(batch)))
	for i, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		m.process(ctx, msg)
		if i < len(batch)-1 {
			if err := m.sleep(ctx, m.opts.InterMessageDelay); err != nil {
				break
			}
		}
	}
	return len(batch)
}

// untilNext returns the wait until the earliest pending NextRetryAt.
func (m *Manager) untilNext() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest time.Time
	for _, msg := range m.pending {
		if earliest.IsZero() || msg.NextRetryAt.Before(earliest) {
			earliest = msg.NextRetryAt
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (m *Manager) setProcessing(v bool) {
	m.mu.Lock()
	m.processing = v
	m.mu.Unlock()
}

// save writes back the processor's working copy if the message is still held.
func (m *Manager) save(msg QueuedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[msg.ID]; ok {
		stored := msg.clone()
		m.pending[msg.ID] = &stored
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func sortByNextRetry(msgs []QueuedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].NextRetryAt.Equal(msgs[j].NextRetryAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].NextRetryAt.Before(msgs[j].NextRetryAt)
	})
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
