// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSockets tracks tracked sockets per role ("pc", "mobile",
	// "pending" before auth/join).
	ActiveSockets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_active_sockets",
		Help: "Number of tracked WebSocket connections by role.",
	}, []string{"role"})

	// ForwardedFrames counts frames routed through an event by direction.
	ForwardedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_forwarded_frames_total",
		Help: "Frames forwarded between PC and mobile sockets.",
	}, []string{"direction"})

	// AdmissionRejects counts failed signed admissions by wire code.
	AdmissionRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_admission_rejects_total",
		Help: "Rejected signed requests by error code.",
	}, []string{"code"})

	// GraceTimeouts counts offline-grace expiries that forced mobile closes.
	GraceTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_grace_timeouts_total",
		Help: "PC offline grace periods that expired without a reconnect.",
	})
)

// Forward directions.
const (
	DirectionCmd = "cmd"
	DirectionEvt = "evt"
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
