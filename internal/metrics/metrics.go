// Package metrics holds the Prometheus collectors of the control plane.
// Collectors live in the default registry and are served by promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pairdesk"

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Pairing codes handed out.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Sessions removed after their TTL.",
	})
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session status changes by target status.",
	}, []string{"status"})

	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "guard",
		Name:      "tokens_issued_total",
		Help:      "Join tokens issued.",
	})
	TokenValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "guard",
		Name:      "validations_total",
		Help:      "Token validations by outcome (ok, blocked, invalid, expired).",
	}, []string{"result"})
	Anomalies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "guard",
		Name:      "anomalies_total",
		Help:      "Attempts rejected by anomaly detection.",
	})

	QualitySelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quality",
		Name:      "selections_total",
		Help:      "Quality tiers chosen from network samples.",
	}, []string{"tier"})

	TransferBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "bytes_total",
		Help:      "File bytes accepted by the transfer channel.",
	})
	TransfersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "completed_total",
		Help:      "Finished transfers by result.",
	}, []string{"result"})

	RelayBridges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "bridges",
		Help:      "Sessions with both host and client attached.",
	})
	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "bytes_total",
		Help:      "Bytes forwarded by the relay per direction.",
	}, []string{"direction"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
