package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mailq/queue"
	"mailq/ratelimit"
)

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []queue.Message
	maxRetries []int
	snapshot   queue.Snapshot
}

func (q *fakeQueue) Enqueue(_ context.Context, msg queue.Message, maxRetries int) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, msg)
	q.maxRetries = append(q.maxRetries, maxRetries)
	return "id-1"
}

func (q *fakeQueue) Status() queue.Snapshot {
	return q.snapshot
}

type fixedUsage ratelimit.Usage

func (u fixedUsage) Usage() ratelimit.Usage { return ratelimit.Usage(u) }

func TestHealthz(t *testing.T) {
	h := New(&fakeQueue{}, nil, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestQueueStatus(t *testing.T) {
	next := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	q := &fakeQueue{snapshot: queue.Snapshot{
		QueueLength:  1,
		IsProcessing: true,
		Emails: []queue.MessageStatus{
			{ID: "m1", To: "buyer@example.com", Status: queue.StatusRetry, Attempts: 1, MaxRetries: 3, NextRetryAt: next, LastError: "451"},
		},
	}}
	h := New(q, fixedUsage{LastMinute: 2, LastHour: 5, LastDay: 9, Recipients: 1}, nil)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		QueueLength  int                   `json:"queue_length"`
		IsProcessing bool                  `json:"is_processing"`
		Emails       []queue.MessageStatus `json:"emails"`
		RateLimit    *ratelimit.Usage      `json:"rate_limit"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.QueueLength != 1 || !body.IsProcessing || len(body.Emails) != 1 || body.Emails[0].LastError != "451" {
		t.Fatalf("unexpected status body %+v", body)
	}
	if body.RateLimit == nil || body.RateLimit.LastDay != 9 {
		t.Fatalf("expected rate limit usage, got %+v", body.RateLimit)
	}
}

func TestEnqueueAccepted(t *testing.T) {
	q := &fakeQueue{}
	h := New(q, nil, nil)

	payload := `{"to":"buyer@example.com","subject":"Contract","template_id":"contract","variables":{"number":"C-42"},"max_retries":5}`
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(payload)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp enqueueResp
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.ID != "id-1" {
		t.Fatalf("unexpected response %+v, %v", resp, err)
	}
	if len(q.enqueued) != 1 || q.maxRetries[0] != 5 {
		t.Fatalf("expected one enqueue with max retries 5, got %+v %v", q.enqueued, q.maxRetries)
	}
	got := q.enqueued[0]
	if got.To != "buyer@example.com" || got.TemplateID != "contract" || got.Variables["number"] != "C-42" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"to":`},
		{name: "missing recipient", body: `{"subject":"hi"}`},
		{name: "bad email", body: `{"to":"not-an-address"}`},
		{name: "unknown channel", body: `{"channel":"fax","to":"+15550100"}`},
		{name: "negative retries", body: `{"to":"a@example.com","max_retries":-1}`},
		{name: "unknown field", body: `{"to":"a@example.com","cc":"b@example.com"}`},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			q := &fakeQueue{}
			rec := httptest.NewRecorder()
			New(q, nil, nil).Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if len(q.enqueued) != 0 {
				t.Fatalf("expected nothing enqueued")
			}
		})
	}
}

func TestEnqueueSMS(t *testing.T) {
	q := &fakeQueue{}
	rec := httptest.NewRecorder()
	New(q, nil, nil).Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(`{"channel":"SMS","to":"+15551234567","body":"Ready"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if q.enqueued[0].Channel != queue.ChannelSMS {
		t.Fatalf("expected sms channel, got %q", q.enqueued[0].Channel)
	}
}
