package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mailq/queue"
)

func TestNewSMSValidation(t *testing.T) {
	if _, err := NewSMS(SMSConfig{From: "+15550001234"}, nil); err == nil {
		t.Fatalf("expected error without url")
	}
	if _, err := NewSMS(SMSConfig{URL: "http://localhost"}, nil); err == nil {
		t.Fatalf("expected error without sender number")
	}
}

func TestSMSSend(t *testing.T) {
	var got smsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer KEY123" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"id":"provider-1"}}`))
	}))
	defer srv.Close()

	s, err := NewSMS(SMSConfig{URL: srv.URL, APIKey: "KEY123", From: "+15550001234"}, nil)
	if err != nil {
		t.Fatalf("NewSMS: %v", err)
	}
	msg := queue.QueuedMessage{ID: "s-1", Message: queue.Message{Channel: queue.ChannelSMS, To: "+15551234567", Body: "Your car is ready"}}
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.From != "+15550001234" || got.To != "+15551234567" || got.Text != "Your car is ready" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestSMSSendFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", want: "502"},
		{name: "api errors", status: http.StatusOK, body: `{"errors":[{"code":"40310","detail":"invalid to"}]}`, want: "40310"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s, err := NewSMS(SMSConfig{URL: srv.URL, From: "+15550001234"}, nil)
			if err != nil {
				t.Fatalf("NewSMS: %v", err)
			}
			err = s.Send(context.Background(), queue.QueuedMessage{ID: "s-2", Message: queue.Message{To: "+15551234567", Body: "hi"}})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
