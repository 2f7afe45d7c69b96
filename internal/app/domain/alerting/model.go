// Package alerting defines the operational alert payload delivered to the
// outbound webhook.
package alerting

import "time"

// Severity ranks how urgently operators should react.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the wire payload posted to the alert webhook.
type Alert struct {
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}
