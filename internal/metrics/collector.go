package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/normanking/cortexmem/internal/bus"
)

// Collector subscribes to the event bus and counts domain events.
type Collector struct {
	bus     *bus.Bus
	metrics *Metrics
	mu      sync.Mutex
	cancel  func()
	stopped bool
}

// NewCollector creates a collector feeding m from b.
func NewCollector(b *bus.Bus, m *Metrics) *Collector {
	return &Collector{bus: b, metrics: m}
}

// Start begins listening to the bus and exports its drop count.
func (c *Collector) Start() {
	if c.bus == nil || c.metrics == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.cancel != nil {
		return
	}
	c.cancel = c.bus.Subscribe(c.handleEvent)

	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_dropped_total",
		Help: "Event deliveries skipped because a subscriber fell behind",
	}, func() float64 { return float64(c.bus.Dropped()) })
	var are prometheus.AlreadyRegisteredError
	if err := c.metrics.registry.Register(dropped); err != nil && !errors.As(err, &are) {
		panic(err)
	}
}

// Stop stops listening.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Collector) handleEvent(e bus.Event) {
	c.metrics.Events.WithLabelValues(string(e.Type())).Inc()

	if ev, ok := e.(bus.GraphUpdated); ok {
		c.metrics.GraphClusters.WithLabelValues(ev.Report.ProfileID).Set(float64(ev.Report.ClusterCount))
	}
}
