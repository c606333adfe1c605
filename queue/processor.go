package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mailq/internal/metrics"
)

// process makes exactly one delivery attempt for msg and applies the outcome.
func (m *Manager) process(ctx context.Context, msg QueuedMessage) {
	log := m.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("recipient", msg.To),
	)

	if m.alreadyTerminal(ctx, msg, log) {
		m.Remove(msg.ID)
		return
	}

	if msg.Attempts >= msg.MaxRetries {
		// Budget already spent, e.g. a row restored after a crash that
		// happened between the last attempt and the failed transition.
		m.fail(ctx, msg, log)
		return
	}

	prev := msg
	msg.Attempts++

	decision := m.limiter.CanSend(msg.To)
	if !decision.Allowed {
		msg.Attempts--
		now := m.now()
		msg.LastError = "throttled: " + decision.Reason
		msg.NextRetryAt = later(msg.NextRetryAt, now.Add(decision.RetryAfter))
		msg.UpdatedAt = now
		m.save(msg)
		m.persist(ctx, msg, log)
		metrics.MessagesThrottled.Add(1)
		log.Info("Delivery throttled",
			zap.String("reason", decision.Reason),
			zap.Duration("retry_after", decision.RetryAfter))
		return
	}

	msg.Status = StatusSending
	msg.UpdatedAt = m.now()
	m.save(msg)
	m.persist(ctx, msg, log)

	log.Debug("Attempting delivery", zap.Int("attempt", msg.Attempts), zap.Int("max_retries", msg.MaxRetries))
	err := m.transport.Send(ctx, msg)
	now := m.now()
	msg.UpdatedAt = now

	if err != nil && ctx.Err() != nil {
		m.abandon(ctx, prev, now, err, log)
		return
	}

	switch {
	case err == nil:
		m.limiter.RecordSent(msg.To)
		msg.Status = StatusSent
		msg.LastError = ""
		msg.SentAt = &now
		m.persist(ctx, msg, log)
		m.Remove(msg.ID)
		metrics.MessagesSent.Add(1)
		log.Info("Message delivered", zap.Int("attempts", msg.Attempts))

	case msg.Attempts < msg.MaxRetries:
		delay := m.backoff(msg.Attempts)
		msg.Status = StatusRetry
		msg.LastError = err.Error()
		msg.NextRetryAt = later(msg.NextRetryAt, now.Add(delay))
		m.save(msg)
		m.persist(ctx, msg, log)
		metrics.DeliveryRetries.Add(1)
		log.Warn("Delivery failed, will retry",
			zap.Int("attempts", msg.Attempts),
			zap.Int("max_retries", msg.MaxRetries),
			zap.Duration("retry_in", delay),
			zap.Error(err))

	default:
		msg.LastError = err.Error()
		m.fail(ctx, msg, log)
	}
}

// fail moves msg to its terminal failed state.
func (m *Manager) fail(ctx context.Context, msg QueuedMessage, log *zap.Logger) {
	now := m.now()
	msg.Status = StatusFailed
	msg.FailedAt = &now
	msg.UpdatedAt = now
	m.persist(ctx, msg, log)
	m.Remove(msg.ID)
	metrics.DeliveryFailures.Add(1)
	log.Error("Message permanently failed",
		zap.Int("attempts", msg.Attempts),
		zap.String("last_error", msg.LastError))
}

// abandon rolls msg back to its state before the attempt when shutdown
// interrupts the transport, so the attempt does not count against its budget.
func (m *Manager) abandon(ctx context.Context, prev QueuedMessage, now time.Time, err error, log *zap.Logger) {
	if prev.Status == StatusSending {
		prev.Status = StatusRetry
	}
	prev.UpdatedAt = now
	m.save(prev)
	m.persist(ctx, prev, log)
	log.Info("Delivery interrupted by shutdown, left for next start",
		zap.Int("attempts", prev.Attempts),
		zap.Error(err))
}

// backoff returns the delay after the given number of failed attempts.
func (m *Manager) backoff(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(m.opts.Backoff) {
		idx = len(m.opts.Backoff) - 1
	}
	return m.opts.Backoff[idx]
}

// alreadyTerminal checks the durable row so that a message finished by
// another poller or instance is not attempted again.
func (m *Manager) alreadyTerminal(ctx context.Context, msg QueuedMessage, log *zap.Logger) bool {
	if msg.Status.Terminal() {
		return true
	}
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	persisted, err := m.store.Get(storeCtx, msg.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn("Failed to read persisted status, using in-memory copy", zap.Error(err))
		}
		return false
	}
	if persisted.Status.Terminal() {
		log.Info("Skipping message already finished in store", zap.String("status", string(persisted.Status)))
		return true
	}
	return false
}

// persist writes msg to the store. Failures are logged and counted only.
func (m *Manager) persist(ctx context.Context, msg QueuedMessage, log *zap.Logger) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StoreTimeout)
	defer cancel()
	if err := m.store.Update(storeCtx, msg); err != nil {
		metrics.PersistErrors.Add(1)
		log.Error("Failed to persist message state",
			zap.String("status", string(msg.Status)),
			zap.Error(err))
	}
}
