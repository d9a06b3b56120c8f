// Package metrics holds the Prometheus collectors exported by fleetd. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet"

type Metrics struct {
	agentsOnline        prometheus.Gauge
	agentsKnown         prometheus.Gauge
	transfers           *prometheus.CounterVec
	transfersInProgress prometheus.Gauge
	artifactsDelivered  prometheus.Counter
	bytesDelivered      prometheus.Counter
	redeliveries        prometheus.Counter
	activations         *prometheus.CounterVec
	activationSeconds   prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		agentsOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_online",
			Help:      "Agents with a live channel.",
		}),
		agentsKnown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_known",
			Help:      "Agents ever registered.",
		}),
		transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfers reaching a terminal status.",
		}, []string{"status", "reason"}),
		transfersInProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_in_progress",
			Help:      "Transfers currently streaming.",
		}),
		artifactsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_delivered_total",
			Help:      "Artifacts acknowledged as verified by agents.",
		}),
		bytesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_bytes_delivered_total",
			Help:      "Uncompressed payload bytes acknowledged by agents.",
		}),
		redeliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_redeliveries_total",
			Help:      "Artifacts re-sent after a hash mismatch.",
		}),
		activations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Activation requests reaching a terminal state.",
		}, []string{"state", "reason"}),
		activationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Time from request to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

func (m *Metrics) AgentsOnline(n int) {
	if m == nil {
		return
	}
	m.agentsOnline.Set(float64(n))
}

func (m *Metrics) AgentsKnown(n int) {
	if m == nil {
		return
	}
	m.agentsKnown.Set(float64(n))
}

func (m *Metrics) TransferStarted() {
	if m == nil {
		return
	}
	m.transfersInProgress.Inc()
}

func (m *Metrics) TransferFinished(status, reason string) {
	if m == nil {
		return
	}
	m.transfersInProgress.Dec()
	m.transfers.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) ArtifactDelivered(size int64) {
	if m == nil {
		return
	}
	m.artifactsDelivered.Inc()
	m.bytesDelivered.Add(float64(size))
}

func (m *Metrics) Redelivery() {
	if m == nil {
		return
	}
	m.redeliveries.Inc()
}

func (m *Metrics) ActivationFinished(state, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(state, reason).Inc()
	m.activationSeconds.Observe(seconds)
}
