package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
)

type webhookRecorder struct {
	mu       sync.Mutex
	received []alerting.Alert
	status   int
}

func (r *webhookRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var alert alerting.Alert
		if err := json.NewDecoder(req.Body).Decode(&alert); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.received = append(r.received, alert)
		status := r.status
		r.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func (r *webhookRecorder) alerts() []alerting.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Alert(nil), r.received...)
}

func drain(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNotifyDeliversPayload(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	m := New(Config{WebhookURL: srv.URL, Environment: "staging"}, nil)
	m.Notify("oracle paused", "price movement exceeded limits", alerting.SeverityCritical)
	drain(t, m)

	got := rec.alerts()
	if len(got) != 1 {
		t.Fatalf("delivered %d alerts, want 1", len(got))
	}
	alert := got[0]
	if alert.Title != "oracle paused" || alert.Message != "price movement exceeded limits" {
		t.Fatalf("payload = %+v", alert)
	}
	if alert.Severity != alerting.SeverityCritical {
		t.Fatalf("severity = %s", alert.Severity)
	}
	if alert.Environment != "staging" {
		t.Fatalf("environment = %s", alert.Environment)
	}
	if alert.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

func TestNotifyNeverPropagatesFailures(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	m := New(Config{WebhookURL: srv.URL}, nil)
	m.Notify("a", "webhook rejects this", alerting.SeverityWarning)
	drain(t, m)

	// Unreachable endpoint: delivery fails in the background, Notify still
	// returns instantly.
	m2 := New(Config{WebhookURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, nil)
	start := time.Now()
	m2.Notify("b", "nobody is listening", alerting.SeverityInfo)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Notify blocked for %s", elapsed)
	}
	drain(t, m2)
}

func TestNotifyWithoutWebhookIsNoop(t *testing.T) {
	m := New(Config{}, nil)
	m.Notify("a", "b", alerting.SeverityInfo)
	drain(t, m)
}

func TestRateLimitDropsExcess(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	// Burst of 5 per minute: the 6th alert in a tight loop is dropped.
	m := New(Config{WebhookURL: srv.URL, MaxPerMinute: 5}, nil)
	for i := 0; i < 10; i++ {
		m.Notify("burst", "alert storm", alerting.SeverityWarning)
	}
	drain(t, m)

	if got := len(rec.alerts()); got != 5 {
		t.Fatalf("delivered %d alerts, want 5", got)
	}
}

func TestNotifyAfterStopIsDropped(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	m := New(Config{WebhookURL: srv.URL}, nil)
	drain(t, m)
	m.Notify("late", "manager already stopped", alerting.SeverityCritical)

	if got := len(rec.alerts()); got != 0 {
		t.Fatalf("delivered %d alerts after stop, want 0", got)
	}
}
