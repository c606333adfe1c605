package delivery

import (
	"context"
	"errors"
	"testing"

	"mailq/queue"
)

type recordingTransport struct {
	name string
	got  *[]string
}

func (r recordingTransport) Send(_ context.Context, msg queue.QueuedMessage) error {
	*r.got = append(*r.got, r.name+":"+msg.ID)
	return nil
}

func TestRouterDispatchesByChannel(t *testing.T) {
	var got []string
	r := NewRouter(map[queue.Channel]queue.Transport{
		queue.ChannelEmail: recordingTransport{name: "email", got: &got},
		queue.ChannelSMS:   recordingTransport{name: "sms", got: &got},
	})

	for _, msg := range []queue.QueuedMessage{
		{ID: "1", Message: queue.Message{To: "a@example.com"}},
		{ID: "2", Message: queue.Message{Channel: queue.ChannelSMS, To: "+15550100"}},
		{ID: "3", Message: queue.Message{Channel: "EMAIL", To: "b@example.com"}},
	} {
		if err := r.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send %s: %v", msg.ID, err)
		}
	}
	want := []string{"email:1", "sms:2", "email:3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRouterUnknownChannel(t *testing.T) {
	r := NewRouter(map[queue.Channel]queue.Transport{queue.ChannelSMS: nil})
	err := r.Send(context.Background(), queue.QueuedMessage{ID: "x", Message: queue.Message{Channel: queue.ChannelSMS}})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	err = r.Send(context.Background(), queue.QueuedMessage{ID: "y", Message: queue.Message{Channel: "fax"}})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}
