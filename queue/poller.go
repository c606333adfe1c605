package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PollerOptions configures the background poller.
type PollerOptions struct {
	Interval  time.Duration
	BatchSize int
	Timeout   time.Duration
}

// DefaultPollerOptions polls every minute for up to 100 ready rows.
func DefaultPollerOptions() PollerOptions {
	return PollerOptions{
		Interval:  60 * time.Second,
		BatchSize: 100,
		Timeout:   10 * time.Second,
	}
}

// Poller re-hydrates the manager from the durable store, once at startup and
// then periodically as a safety net for missed wake-ups and for backlog
// shared between instances.
type Poller struct {
	store   Store
	manager *Manager
	opts    PollerOptions
	logger  *zap.Logger
}

// NewPoller validates opts and returns a poller feeding manager.
func NewPoller(store Store, manager *Manager, opts PollerOptions, logger *zap.Logger) (*Poller, error) {
	if store == nil || manager == nil {
		return nil, errors.New("queue: poller needs a store and a manager")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("queue: poll interval must be positive, got %s", opts.Interval)
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("queue: poll batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPollerOptions().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{store: store, manager: manager, opts: opts, logger: logger}, nil
}

// Load restores every queued, retry or sending row into memory with its
// attempt count intact.
func (p *Poller) Load(ctx context.Context) (int, error) {
	loadCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	msgs, err := p.store.LoadPending(loadCtx)
	if err != nil {
		return 0, fmt.Errorf("load pending messages: %w", err)
	}
	added := p.manager.Restore(msgs)
	p.logger.Info("Loaded pending messages from store",
		zap.Int("found", len(msgs)),
		zap.Int("restored", added))
	return added, nil
}

// Run loads the backlog and then polls for ready rows until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Starting background poller", zap.Duration("interval", p.opts.Interval))
	if _, err := p.Load(ctx); err != nil {
		p.logger.Error("Initial load failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Background poller stopped")
			return
		case <-ticker.C:
			if _, err := p.poll(ctx); err != nil {
				p.logger.Error("Poll for ready messages failed", zap.Error(err))
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) (int, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	msgs, err := p.store.LoadReady(pollCtx, p.manager.now(), p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load ready messages: %w", err)
	}
	if len(msgs) == 0 {
		p.logger.Debug("No ready messages in store")
		return 0, nil
	}
	added := p.manager.Restore(msgs)
	if added > 0 {
		p.logger.Info("Picked up ready messages from store", zap.Int("count", added))
	}
	return added, nil
}
