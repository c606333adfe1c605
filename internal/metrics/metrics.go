package metrics

import "expvar"

var (
	MessagesQueued    = expvar.NewInt("mailq_messages_queued_total")
	MessagesSent      = expvar.NewInt("mailq_messages_sent_total")
	DeliveryRetries   = expvar.NewInt("mailq_delivery_retries_total")
	DeliveryFailures  = expvar.NewInt("mailq_delivery_failures_total")
	MessagesThrottled = expvar.NewInt("mailq_messages_throttled_total")
	PersistErrors     = expvar.NewInt("mailq_persist_errors_total")
	MessagesRestored  = expvar.NewInt("mailq_messages_restored_total")
	queueDepth        = expvar.NewInt("mailq_queue_depth")
)

// SetQueueDepth records the number of non-terminal messages held in memory.
func SetQueueDepth(n int) {
	queueDepth.Set(int64(n))
}

// QueueDepth returns the last recorded queue depth.
func QueueDepth() int64 {
	return queueDepth.Value()
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	MessagesQueued.Set(0)
	MessagesSent.Set(0)
	DeliveryRetries.Set(0)
	DeliveryFailures.Set(0)
	MessagesThrottled.Set(0)
	PersistErrors.Set(0)
	MessagesRestored.Set(0)
	queueDepth.Set(0)
}
