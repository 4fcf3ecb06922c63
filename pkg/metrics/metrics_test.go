package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameSent("sync")
		m.CacheHit()
		m.SetSessionState("", "idle")
		m.DocumentState("pending", "syncing")
		m.RelayConnection(1)
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, prometheus.Labels{"instance": "test"})

	m.FrameSent("sync")
	m.FrameSent("sync")
	m.FrameReceived("hello")
	m.CacheHit()
	m.CacheMiss()
	m.Evicted()
	m.SetSessionState("", "connecting")
	m.SetSessionState("connecting", "idle")
	m.DocumentState("", "pending")
	m.DocumentState("pending", "idle")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("hello")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictions))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionState.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DocumentStates.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DocumentStates.WithLabelValues("idle")))
}
