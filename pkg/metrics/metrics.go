// Package metrics holds the Prometheus collectors exported by docsync.
//
// A nil *Metrics is valid and records nothing, so components accept an
// optional *Metrics without checking it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docsync"

type Metrics struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	SessionState      *prometheus.GaugeVec
	DocumentStates    *prometheus.GaugeVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheOwners    prometheus.Gauge
	FlushFailures  prometheus.Counter

	ClientState *prometheus.GaugeVec

	RelayConnections prometheus.Gauge
	RelayDocuments   prometheus.Gauge
}

// New registers every collector on reg with the given constant labels.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer, constLabels prometheus.Labels) *Metrics {
	f := promauto.With(prometheus.WrapRegistererWith(constLabels, reg))

	return &Metrics{
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the peer, by frame type.",
		}, []string{"type"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from the peer, by frame type.",
		}, []string{"type"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made after a failure.",
		}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		DocumentStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_documents",
			Help:      "Documents tracked by the session, by sync state.",
		}, []string{"state"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Document lookups served from memory.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Document lookups that went to the store.",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Owner entries evicted from the cache.",
		}),
		CacheOwners: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_owners",
			Help:      "Owner entries currently cached.",
		}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_flush_failures_total",
			Help:      "Failed attempts to persist a document.",
		}),
		ClientState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Clients by orchestrator state.",
		}, []string{"state"}),
		RelayConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open relay connections.",
		}),
		RelayDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_documents",
			Help:      "Documents with at least one subscriber on the relay.",
		}),
	}
}

func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SetSessionState marks current as the only active session state.
func (m *Metrics) SetSessionState(previous, current string) {
	if m == nil {
		return
	}
	if previous != "" {
		m.SessionState.WithLabelValues(previous).Set(0)
	}
	m.SessionState.WithLabelValues(current).Set(1)
}

func (m *Metrics) DocumentState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.DocumentStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.DocumentStates.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.CacheEvictions.Inc()
}

func (m *Metrics) Owners(n int) {
	if m == nil {
		return
	}
	m.CacheOwners.Set(float64(n))
}

func (m *Metrics) FlushFailed() {
	if m == nil {
		return
	}
	m.FlushFailures.Inc()
}

func (m *Metrics) ClientTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.ClientState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.ClientState.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) RelayConnection(delta int) {
	if m == nil {
		return
	}
	m.RelayConnections.Add(float64(delta))
}

func (m *Metrics) RelayDocumentCount(n int) {
	if m == nil {
		return
	}
	m.RelayDocuments.Set(float64(n))
}
