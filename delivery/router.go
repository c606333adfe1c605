package delivery

import (
	"context"
	"errors"
	"fmt"

	"mailq/queue"
)

// ErrUnknownChannel is returned for a channel with no registered transport.
var ErrUnknownChannel = errors.New("unknown delivery channel")

// Router dispatches each message to the transport for its channel.
type Router struct {
	routes map[queue.Channel]queue.Transport
}

// NewRouter registers the given transports; nil entries are skipped.
func NewRouter(routes map[queue.Channel]queue.Transport) *Router {
	r := &Router{routes: make(map[queue.Channel]queue.Transport, len(routes))}
	for ch, t := range routes {
		if t != nil {
			r.routes[ch] = t
		}
	}
	return r
}

// Send implements queue.Transport.
func (r *Router) Send(ctx context.Context, msg queue.QueuedMessage) error {
	ch := msg.ChannelOrDefault()
	t, ok := r.routes[ch]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	return t.Send(ctx, msg)
}

var (
	_ queue.Transport = (*SMTP)(nil)
	_ queue.Transport = (*SMS)(nil)
	_ queue.Transport = (*Kafka)(nil)
	_ queue.Transport = (*Router)(nil)
)
