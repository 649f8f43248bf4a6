package monitors

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"flowcore/flows"
)

// PrometheusMonitor turns lifecycle events into counters and duration
// histograms labelled by flow or node name.
type PrometheusMonitor struct {
	flowsTotal    *prometheus.CounterVec
	flowDuration  *prometheus.HistogramVec
	activeFlows   prometheus.Gauge
	nodesTotal    *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
	warningsTotal prometheus.Counter

	mu     sync.Mutex
	starts map[string]time.Time
}

// NewPrometheusMonitor registers its collectors with reg, or with the default
// registerer when reg is nil.
func NewPrometheusMonitor(reg prometheus.Registerer, namespace string) *PrometheusMonitor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMonitor{
		flowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_runs_total",
			Help:      "Completed flow walks by outcome.",
		}, []string{"flow", "status"}),
		flowDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_duration_seconds",
			Help:      "Wall time of a flow walk.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flow"}),
		activeFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Flow walks currently in progress.",
		}),
		nodesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Node visits by outcome.",
		}, []string{"node", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Wall time of a node visit including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Failed attempts that were retried.",
		}, []string{"node"}),
		warningsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Dead ends and other engine warnings.",
		}),
		starts: make(map[string]time.Time),
	}
}

func (m *PrometheusMonitor) Notify(_ context.Context, ev flows.FlowEvent) {
	switch ev.Type {
	case flows.FlowEventTypeFlowStart:
		m.activeFlows.Inc()
		m.begin(ev.FlowID, ev.Timestamp)
	case flows.FlowEventTypeFlowComplete:
		m.activeFlows.Dec()
		m.flowsTotal.WithLabelValues(ev.Node, status(ev.Err)).Inc()
		if d, ok := m.end(ev.FlowID, ev.Timestamp); ok {
			m.flowDuration.WithLabelValues(ev.Node).Observe(d.Seconds())
		}
	case flows.FlowEventTypeNodeStart:
		m.begin(ev.StepID, ev.Timestamp)
	case flows.FlowEventTypeNodeEnd, flows.FlowEventTypeNodeError:
		m.nodesTotal.WithLabelValues(ev.Node, status(ev.Err)).Inc()
		if d, ok := m.end(ev.StepID, ev.Timestamp); ok {
			m.nodeDuration.WithLabelValues(ev.Node).Observe(d.Seconds())
		}
	case flows.FlowEventTypeNodeRetry:
		m.retriesTotal.WithLabelValues(ev.Node).Inc()
	case flows.FlowEventTypeWarning:
		m.warningsTotal.Inc()
	}
}

func (m *PrometheusMonitor) begin(id string, at time.Time) {
	m.mu.Lock()
	m.starts[id] = at
	m.mu.Unlock()
}

func (m *PrometheusMonitor) end(id string, at time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.starts[id]
	if !ok {
		return 0, false
	}
	delete(m.starts, id)
	return at.Sub(start), true
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
