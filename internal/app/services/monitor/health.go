package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
)

// Check is one named health probe result.
type Check struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// HealthStatus aggregates the monitor's health probes. Status is "healthy"
// only when every check passes.
type HealthStatus struct {
	Status  string           `json:"status"`
	Healthy bool             `json:"healthy"`
	Checks  map[string]Check `json:"checks"`
}

// HealthStatus runs the read-only health probes: provider connectivity, gas
// price within the configured bounds, recent error pressure, and dependency
// wiring completeness.
func (s *Service) HealthStatus(ctx context.Context) HealthStatus {
	checks := make(map[string]Check, 4)

	checks["configuration"] = s.checkConfiguration()

	if s.provider == nil {
		checks["provider"] = Check{OK: false, Detail: "no chain provider configured"}
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.provider.Ping(pingCtx)
		cancel()
		if err != nil {
			checks["provider"] = Check{OK: false, Detail: err.Error()}
		} else {
			checks["provider"] = Check{OK: true}
		}
	}

	checks["gas_price"] = s.checkGasPrice()
	checks["errors"] = s.checkErrorPressure()

	healthy := true
	for _, c := range checks {
		if !c.OK {
			healthy = false
			break
		}
	}
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthStatus{Status: status, Healthy: healthy, Checks: checks}
}

func (s *Service) checkConfiguration() Check {
	switch {
	case s.bridge == nil:
		return Check{OK: false, Detail: "bridge relay not wired"}
	case s.oracle == nil:
		return Check{OK: false, Detail: "fee oracle not wired"}
	case s.cfg.RequiredConfirmations == 0:
		return Check{OK: false, Detail: "required confirmations unset"}
	}
	return Check{OK: true}
}

func (s *Service) checkGasPrice() Check {
	if s.oracle == nil {
		return Check{OK: false, Detail: "fee oracle not wired"}
	}
	quote := s.oracle.Quote()
	if quote.Price == nil || quote.Price.Sign() == 0 {
		return Check{OK: false, Detail: "no gas price observed yet"}
	}
	if s.cfg.MinGasPrice != nil && s.cfg.MinGasPrice.Sign() > 0 && quote.Price.Cmp(s.cfg.MinGasPrice) < 0 {
		return Check{OK: false, Detail: fmt.Sprintf("gas price %s below minimum %s", quote.Price, s.cfg.MinGasPrice)}
	}
	if s.cfg.MaxGasPrice != nil && s.cfg.MaxGasPrice.Sign() > 0 && quote.Price.Cmp(s.cfg.MaxGasPrice) > 0 {
		return Check{OK: false, Detail: fmt.Sprintf("gas price %s above maximum %s", quote.Price, s.cfg.MaxGasPrice)}
	}
	return Check{OK: true}
}

func (s *Service) checkErrorPressure() Check {
	recent := s.RecentErrors()
	criticals := 0
	cutoff := time.Now().Add(-15 * time.Minute)
	for _, rec := range recent {
		if rec.Severity == alerting.SeverityCritical && rec.Time.After(cutoff) {
			criticals++
		}
	}
	if criticals > 0 {
		return Check{OK: false, Detail: fmt.Sprintf("%d critical errors in the last 15m", criticals)}
	}
	return Check{OK: true, Detail: fmt.Sprintf("%d errors in history", len(recent))}
}
