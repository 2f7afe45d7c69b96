// Package alerts delivers operational alerts to an outbound webhook. Delivery
// is fire-and-forget with its own timeout: the critical path never waits on
// it and never sees its failures.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
	"github.com/tokenbridge/relayer/internal/app/metrics"
	"github.com/tokenbridge/relayer/internal/app/system"
	"github.com/tokenbridge/relayer/pkg/logger"
)

// Notifier is the narrow interface components alert through.
type Notifier interface {
	Notify(title, message string, severity alerting.Severity)
}

// Manager posts alerts to a webhook, throttling bursts so an error storm
// cannot flood the receiver. A zero webhook URL disables delivery.
type Manager struct {
	webhookURL  string
	environment string
	client      *http.Client
	limiter     *rate.Limiter
	log         *logger.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

var _ Notifier = (*Manager)(nil)
var _ system.Service = (*Manager)(nil)

// Config configures the alert manager.
type Config struct {
	WebhookURL  string
	Environment string
	Timeout     time.Duration
	// MaxPerMinute bounds delivery rate; excess alerts are counted and dropped.
	MaxPerMinute int
}

// New creates an alert manager.
func New(cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("alerts")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	perMinute := cfg.MaxPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	env := cfg.Environment
	if env == "" {
		env = "development"
	}
	return &Manager{
		webhookURL:  cfg.WebhookURL,
		environment: env,
		client:      &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		log:         log,
	}
}

func (m *Manager) Name() string { return "alert-manager" }

func (m *Manager) Start(context.Context) error { return nil }

// Stop waits for in-flight deliveries, bounded by the context.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify queues an alert for asynchronous delivery. It never blocks and
// never returns an error; failures are logged and counted.
func (m *Manager) Notify(title, message string, severity alerting.Severity) {
	alert := alerting.Alert{
		Title:       title,
		Message:     message,
		Severity:    severity,
		Environment: m.environment,
		Timestamp:   time.Now().UTC(),
	}

	if m.webhookURL == "" {
		m.log.WithField("title", title).WithField("severity", string(severity)).
			Debug("alert webhook not configured; alert logged only")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		metrics.RecordAlertDelivery("dropped")
		return
	}
	if !m.limiter.Allow() {
		m.mu.Unlock()
		metrics.RecordAlertDelivery("dropped")
		m.log.WithField("title", title).Warn("alert dropped by rate limit")
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.deliver(alert)
	}()
}

func (m *Manager) deliver(alert alerting.Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		metrics.RecordAlertDelivery("failed")
		m.log.WithError(err).Warn("marshal alert failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		metrics.RecordAlertDelivery("failed")
		m.log.WithError(err).Warn("build alert request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.RecordAlertDelivery("failed")
		m.log.WithError(err).WithField("title", alert.Title).Warn("alert delivery failed")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		metrics.RecordAlertDelivery("failed")
		m.log.WithField("status", resp.StatusCode).WithField("title", alert.Title).
			Warn(fmt.Sprintf("alert webhook returned %d", resp.StatusCode))
		return
	}
	metrics.RecordAlertDelivery("sent")
}

// NopNotifier discards alerts. Useful in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string, alerting.Severity) {}
