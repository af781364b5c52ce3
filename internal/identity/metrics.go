package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "accountd"

var (
	loginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "logins_total",
			Help:      "Total login attempts by result",
		},
		[]string{"result"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "sessions_active",
			Help:      "Number of unexpired sessions",
		},
	)
)

// recordLogin records a login attempt outcome.
func recordLogin(result string) {
	loginAttempts.WithLabelValues(result).Inc()
}

// RecordActiveSessions updates the active sessions gauge.
func RecordActiveSessions(count int) {
	sessionsActive.Set(float64(count))
}
