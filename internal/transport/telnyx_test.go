package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sasd/pkg/logx"
)

func newTestTelnyx(t *testing.T, handler http.HandlerFunc) *Telnyx {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tx := NewTelnyx(TelnyxConfig{
		APIKey:     "test-key",
		FromNumber: "+1 555 000 9999",
		Timeout:    5 * time.Second,
	}, logx.Nop())
	tx.baseURL = srv.URL
	return tx
}

func TestSendSMS(t *testing.T) {
	t.Parallel()
	var got telnyxMessage
	var auth string
	tx := newTestTelnyx(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := tx.SendSMS(context.Background(), "+1 555 000 1111", "hello"); err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if auth != "Bearer test-key" {
		t.Fatalf("authorization = %q", auth)
	}
	if got.From != "+15550009999" || got.To != "+15550001111" {
		t.Fatalf("numbers not normalized: from=%q to=%q", got.From, got.To)
	}
	if got.Text != "hello" || got.Type != "SMS" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestSendSMSRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	tx := newTestTelnyx(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := tx.SendSMS(context.Background(), "+15550001111", "x"); err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestSendSMSClientErrorIsFinal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	tx := newTestTelnyx(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"errors":[{"title":"Invalid phone number"}]}`, http.StatusUnprocessableEntity)
	})

	err := tx.SendSMS(context.Background(), "+15550001111", "x")
	if err == nil {
		t.Fatal("SendSMS should fail on 422")
	}
	if !strings.Contains(err.Error(), "HTTP 422") {
		t.Fatalf("error = %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1 (client errors must not be retried)", n)
	}
}

func TestSendSMSContextCancel(t *testing.T) {
	t.Parallel()
	tx := newTestTelnyx(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tx.SendSMS(ctx, "+15550001111", "x"); err == nil {
		t.Fatal("SendSMS should fail once the context is done")
	}
}

func TestLogSender(t *testing.T) {
	t.Parallel()
	s := LogSender{Log: logx.Nop()}
	if err := s.SendSMS(context.Background(), "+15550001111", "line1\nline2"); err != nil {
		t.Fatalf("LogSender.SendSMS: %v", err)
	}
}
