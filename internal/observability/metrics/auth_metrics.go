// Package metrics exposes prometheus instruments for the
// authentication pipeline.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("observability.metrics",
	fx.Provide(NewAuthMetrics),
)

// AuthMetrics counts authentication attempts per strategy and outcome.
type AuthMetrics struct {
	attempts *prometheus.CounterVec
}

func NewAuthMetrics(cfg config.Config) *AuthMetrics {
	return newAuthMetrics(prometheus.DefaultRegisterer, cfg)
}

func newAuthMetrics(registerer prometheus.Registerer, cfg config.Config) *AuthMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "gatekeeper"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_auth_attempts_total",
		Help:        "Authentication attempts by strategy and outcome.",
		ConstLabels: constLabels,
	}, []string{"strategy", "outcome"})

	registerer.MustRegister(attempts)

	return &AuthMetrics{attempts: attempts}
}

// RecordAttempt counts one authentication attempt. Outcome is one of
// success, failure or anonymous.
func (m *AuthMetrics) RecordAttempt(strategy, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(strategy, outcome).Inc()
}
