// Package storage provides the durable stores behind the delivery queue:
// Postgres, Redis and a local file spool. All of them satisfy queue.Store.
package storage

import "mailq/queue"

// ErrNotFound is returned when no message has the requested id.
var ErrNotFound = queue.ErrNotFound

var (
	_ queue.Store = (*Postgres)(nil)
	_ queue.Store = (*Redis)(nil)
	_ queue.Store = (*Spool)(nil)
)

var (
	pendingStatuses = []string{string(queue.StatusQueued), string(queue.StatusRetry), string(queue.StatusSending)}
	readyStatuses   = []string{string(queue.StatusQueued), string(queue.StatusRetry)}
)

func pendingStatus(s queue.Status) bool {
	return s == queue.StatusQueued || s == queue.StatusRetry || s == queue.StatusSending
}

func readyStatus(s queue.Status) bool {
	return s == queue.StatusQueued || s == queue.StatusRetry
}
