// Package telemetry exposes the app's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LoginAttempts counts login attempts by mode ("oidc"/"local") and
	// outcome ("success"/"denied"/"error").
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homie_login_attempts_total",
			Help: "Count of login attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homie_rate_limited_total",
			Help: "Count of requests rejected by rate limiting",
		},
	)

	// ActiveSessions tracks sessions created minus sessions destroyed,
	// approximating the number of live sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "homie_active_sessions",
			Help: "Approximate number of live sessions",
		},
	)
)

// Outcome labels for LoginAttempts.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// GetRegistry returns a registry with all app metrics registered.
func GetRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(LoginAttempts)
	registry.MustRegister(RateLimited)
	registry.MustRegister(ActiveSessions)

	return registry
}
