package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mailq/queue"
)

func newTestRedis(t *testing.T) (*Redis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "test"), client
}

func TestRedisInsertAndGet(t *testing.T) {
	r, client := newTestRedis(t)
	ctx := context.Background()

	msg := sampleMessage("m1", queue.StatusQueued, baseTime)
	if err := r.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Insert(ctx, msg); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}

	got, err := r.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.To != msg.To || got.Variables["name"] != "Ada" || got.Status != queue.StatusQueued {
		t.Fatalf("unexpected message %+v", got)
	}
	if !got.NextRetryAt.Equal(baseTime) {
		t.Fatalf("expected NextRetryAt %s, got %s", baseTime, got.NextRetryAt)
	}

	score, err := client.ZScore(ctx, "test:pending", "m1").Result()
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}
	if int64(score) != baseTime.UnixMilli() {
		t.Fatalf("expected score %d, got %v", baseTime.UnixMilli(), score)
	}
}

func TestRedisGetMissing(t *testing.T) {
	r, _ := newTestRedis(t)
	if _, err := r.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisUpdateKeepsTerminalState(t *testing.T) {
	r, client := newTestRedis(t)
	ctx := context.Background()

	msg := sampleMessage("m1", queue.StatusQueued, baseTime)
	if err := r.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	failed := msg
	failed.Status = queue.StatusFailed
	failed.Attempts = 3
	failed.LastError = "mailbox unavailable"
	if err := r.Update(ctx, failed); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if n, _ := client.ZCard(ctx, "test:pending").Result(); n != 0 {
		t.Fatalf("expected terminal message dropped from pending index, got %d", n)
	}

	stale := msg
	stale.Status = queue.StatusRetry
	if err := r.Update(ctx, stale); err != nil {
		t.Fatalf("Update stale: %v", err)
	}

	got, err := r.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusFailed || got.LastError != "mailbox unavailable" {
		t.Fatalf("expected failed state preserved, got %s", got.Status)
	}
	if n, _ := client.ZCard(ctx, "test:pending").Result(); n != 0 {
		t.Fatalf("expected stale update not to re-index, got %d", n)
	}
}

func TestRedisUpdateCreatesMissingMessage(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()
	if err := r.Update(ctx, sampleMessage("lost", queue.StatusRetry, baseTime)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := r.Get(ctx, "lost"); err != nil {
		t.Fatalf("expected upserted message, got %v", err)
	}
}

func TestRedisLoadPendingAndReady(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	rows := []queue.QueuedMessage{
		sampleMessage("late", queue.StatusRetry, baseTime.Add(-time.Minute)),
		sampleMessage("early", queue.StatusQueued, baseTime.Add(-time.Hour)),
		sampleMessage("future", queue.StatusRetry, baseTime.Add(time.Hour)),
		sampleMessage("inflight", queue.StatusSending, baseTime.Add(-2*time.Hour)),
	}
	for _, row := range rows {
		if err := r.Insert(ctx, row); err != nil {
			t.Fatalf("Insert %s: %v", row.ID, err)
		}
	}
	done := sampleMessage("done", queue.StatusSent, baseTime.Add(-3*time.Hour))
	if err := r.Update(ctx, done); err != nil {
		t.Fatalf("Update: %v", err)
	}

	pending, err := r.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending: %v", err)
	}
	got := ids(pending)
	want := []string{"inflight", "early", "late", "future"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	ready, err := r.LoadReady(ctx, baseTime, 10)
	if err != nil {
		t.Fatalf("LoadReady: %v", err)
	}
	if len(ready) != 2 || ready[0].ID != "early" || ready[1].ID != "late" {
		t.Fatalf("unexpected ready rows %v", ids(ready))
	}

	limited, err := r.LoadReady(ctx, baseTime, 1)
	if err != nil {
		t.Fatalf("LoadReady: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "early" {
		t.Fatalf("expected earliest row only, got %v", ids(limited))
	}
}
