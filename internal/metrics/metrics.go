// Package metrics holds the Prometheus collectors for token issuance and
// redemption outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors.
type Metrics struct {
	TokensIssued      *prometheus.CounterVec
	Redemptions       *prometheus.CounterVec
	RedemptionLatency prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classattend",
			Name:      "tokens_issued_total",
			Help:      "Attendance tokens issued, by whether a geofence was attached.",
		}, []string{"geofenced"}),
		Redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classattend",
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome (accepted, a rejection code, or error).",
		}, []string{"outcome"}),
		RedemptionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "classattend",
			Name:      "redemption_duration_seconds",
			Help:      "Time spent in the redemption pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TokensIssued, m.Redemptions, m.RedemptionLatency)
	}
	return m
}

// TokenIssued counts one issuance.
func (m *Metrics) TokenIssued(geofenced bool) {
	if m == nil {
		return
	}
	label := "false"
	if geofenced {
		label = "true"
	}
	m.TokensIssued.WithLabelValues(label).Inc()
}

// ObserveRedemption records the outcome and duration of one Redeem call.
func (m *Metrics) ObserveRedemption(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(outcome).Inc()
	m.RedemptionLatency.Observe(d.Seconds())
}
