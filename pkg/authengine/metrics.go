package authengine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics exposes auth outcomes and proof latency. Rejection reasons
// are low-cardinality internal labels; identity IDs never appear.
type engineMetrics struct {
	enrollments   *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	proofDuration prometheus.Histogram
	replayHits    prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &engineMetrics{
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veilauth_enrollments_total",
			Help: "Enrollment outcomes by result.",
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veilauth_auth_attempts_total",
			Help: "Authentication attempts by outcome and internal reason.",
		}, []string{"outcome", "reason"}),
		proofDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "veilauth_proof_duration_seconds",
			Help:    "Wall time of zero-knowledge proof construction.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		replayHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilauth_replay_rejections_total",
			Help: "Attempts rejected by the nonce replay cache.",
		}),
	}
	reg.MustRegister(m.enrollments, m.attempts, m.proofDuration, m.replayHits)
	return m
}

func (m *engineMetrics) enrollment(result string) {
	m.enrollments.WithLabelValues(result).Inc()
}

func (m *engineMetrics) granted() {
	m.attempts.WithLabelValues("granted", "").Inc()
}

func (m *engineMetrics) rejected(reason rejectReason) {
	m.attempts.WithLabelValues("rejected", string(reason)).Inc()
	if reason == reasonReplay {
		m.replayHits.Inc()
	}
}
