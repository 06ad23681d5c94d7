package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "termbridge_sessions", Help: "Live sessions by state"}, []string{"state"})
	FreePorts              = promauto.NewGauge(prometheus.GaugeOpts{Name: "termbridge_free_ports", Help: "Ports available for new sessions"})
	SessionsCreatedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "termbridge_sessions_created_total", Help: "Sessions created"})
	SessionResumesTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "termbridge_session_resumes_total", Help: "Transport endpoints attached to an existing session"})
	PeerConnectedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "termbridge_peer_connected_total", Help: "Raw peers that connected back"})
	PeerTimeoutTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "termbridge_peer_timeout_total", Help: "Sessions that timed out waiting for a raw peer"})
	ForwardedBytesTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "termbridge_forwarded_bytes_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	DroppedBytesTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "termbridge_dropped_bytes_total", Help: "Raw peer bytes dropped while no transport was attached"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "termbridge_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "termbridge_session_duration_seconds", Help: "Active session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 18)})
)
