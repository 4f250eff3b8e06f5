package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/internal/bus"
	"github.com/normanking/cortexmem/pkg/types"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.QueueEnqueued("default")
		m.WriteApplied("default", "insert", time.Millisecond)
		m.DeadLettered("default")
		m.TrustDenied("write", "low_trust")
		m.GraphBuilt("default", time.Second, 3)
		m.Phase("default", 1)
		m.FeedbackRecorded("default", "click", false)
	})
	assert.Nil(t, m.Registry())
}

func TestCountersRecord(t *testing.T) {
	m := New()

	m.QueueEnqueued("default")
	m.QueueEnqueued("default")
	m.QueueDequeued("default")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("default")))

	m.DeadLettered("work")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters.WithLabelValues("work")))

	m.Phase("default", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RankingPhase.WithLabelValues("default")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TrustDenied("write", "rate_limited")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "cortexmem_trust_denials_total")
}

func TestCollectorCountsEvents(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := New()

	c := NewCollector(b, m)
	c.Start()
	defer c.Stop()

	require.NoError(t, b.Publish(bus.NewGraphUpdated(types.BuildReport{ProfileID: "default", ClusterCount: 4})))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Events.WithLabelValues(string(bus.EventGraphUpdated))) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.GraphClusters.WithLabelValues("default")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "cortexmem_events_dropped_total 0")
}

func TestCollectorStartTwiceOnSharedMetrics(t *testing.T) {
	m := New()
	first := bus.New()
	defer first.Close()
	second := bus.New()
	defer second.Close()

	c1 := NewCollector(first, m)
	c2 := NewCollector(second, m)
	assert.NotPanics(t, func() {
		c1.Start()
		c2.Start()
	})
	c1.Stop()
	c2.Stop()
}
