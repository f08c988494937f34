// Package metrics exposes execution counters as prometheus metrics. The
// Collector accumulates counts from bus events, so wiring it up is optional:
// the runtime works the same whether or not a collector is listening.
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/eventbus"
)

// Collector implements prometheus.Collector over counts fed by execution
// events.
type Collector struct {
	startTime time.Time
	version   string

	mu         sync.RWMutex
	active     float64
	executions map[string]float64
	nodes      map[string]float64

	unsubscribes []func()

	infoDesc       *prometheus.Desc
	uptimeDesc     *prometheus.Desc
	activeDesc     *prometheus.Desc
	executionsDesc *prometheus.Desc
	nodesDesc      *prometheus.Desc
}

// NewCollector creates a collector and subscribes it to the bus. Call Close
// to detach it again.
func NewCollector(version string, bus *eventbus.Bus) *Collector {
	c := &Collector{
		startTime:  time.Now(),
		version:    version,
		executions: make(map[string]float64),
		nodes:      make(map[string]float64),

		infoDesc: prometheus.NewDesc(
			"kumo_info",
			"Kumo build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"kumo_uptime_seconds",
			"Time since the collector was created",
			nil,
			nil,
		),
		activeDesc: prometheus.NewDesc(
			"kumo_active_executions",
			"Number of currently running executions",
			nil,
			nil,
		),
		executionsDesc: prometheus.NewDesc(
			"kumo_executions_total",
			"Total number of finished executions by status",
			[]string{"status"},
			nil,
		),
		nodesDesc: prometheus.NewDesc(
			"kumo_nodes_total",
			"Total number of finished nodes by status",
			[]string{"status"},
			nil,
		),
	}

	c.unsubscribes = []func(){
		bus.Subscribe(core.EventExecutionStart, c.onExecutionStart),
		bus.Subscribe(core.EventExecutionComplete, c.onExecutionComplete),
		bus.Subscribe(core.EventExecutionError, c.onExecutionError),
		bus.Subscribe(core.EventExecutionCancel, c.onExecutionCancel),
		bus.Subscribe(core.EventNodeComplete, c.onNodeComplete),
		bus.Subscribe(core.EventNodeError, c.onNodeError),
	}
	return c
}

// Close detaches the collector from the bus. Counts freeze at their last
// values; Collect keeps serving them.
func (c *Collector) Close() {
	for _, off := range c.unsubscribes {
		off()
	}
	c.unsubscribes = nil
}

func (c *Collector) onExecutionStart(core.Event) {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
}

func (c *Collector) onExecutionComplete(ev core.Event) {
	c.finishExecution(payloadStatus(ev))
}

func (c *Collector) onExecutionError(core.Event) {
	c.finishExecution("failed")
}

func (c *Collector) onExecutionCancel(core.Event) {
	c.finishExecution("cancelled")
}

func (c *Collector) finishExecution(status string) {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.executions[status]++
	c.mu.Unlock()
}

func (c *Collector) onNodeComplete(ev core.Event) {
	c.mu.Lock()
	c.nodes[payloadStatus(ev)]++
	c.mu.Unlock()
}

// Nodes that raise instead of returning a failed result count under the
// "error" status, mirroring the node:error / node:complete split.
func (c *Collector) onNodeError(core.Event) {
	c.mu.Lock()
	c.nodes["error"]++
	c.mu.Unlock()
}

func payloadStatus(ev core.Event) string {
	if s, ok := ev.Payload["status"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.activeDesc
	ch <- c.executionsDesc
	ch <- c.nodesDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(
		c.infoDesc,
		prometheus.GaugeValue,
		1,
		c.version,
		runtime.Version(),
	)
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc,
		prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
	ch <- prometheus.MustNewConstMetric(
		c.activeDesc,
		prometheus.GaugeValue,
		c.active,
	)
	for status, count := range c.executions {
		ch <- prometheus.MustNewConstMetric(
			c.executionsDesc,
			prometheus.CounterValue,
			count,
			status,
		)
	}
	for status, count := range c.nodes {
		ch <- prometheus.MustNewConstMetric(
			c.nodesDesc,
			prometheus.CounterValue,
			count,
			status,
		)
	}
}

// NewRegistry creates a prometheus registry carrying the collector plus the
// standard Go and process collectors.
func NewRegistry(collector *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
