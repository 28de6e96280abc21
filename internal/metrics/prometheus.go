package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/dcop/internal/ir"
)

// Namespace prefixes every exported metric.
const Namespace = "dcop"

// Prometheus exposes the state of one run. Each collector owns its
// registry, so several runs in one process do not collide.
type Prometheus struct {
	registry *prometheus.Registry

	cycle      prometheus.Gauge
	cost       prometheus.Gauge
	violations prometheus.Gauge

	messages     prometheus.Counter
	messageBytes prometheus.Counter
	valueChanges prometheus.Counter
	snapshots    *prometheus.CounterVec
	dropped      prometheus.Counter
	promotions   prometheus.Counter
	agentErrors  *prometheus.CounterVec

	lastMsgCount int
	lastMsgSize  int
}

// NewPrometheus registers the run metrics on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Prometheus{
		registry: reg,
		cycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cycle",
			Help:      "Highest cycle reached by any computation",
		}),
		cost: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cost",
			Help:      "Cost of the current assignment",
		}),
		violations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "violations",
			Help:      "Number of hard constraints violated by the current assignment",
		}),
		messages: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_total",
			Help:      "Algorithm messages sent by all computations",
		}),
		messageBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "message_size_total",
			Help:      "Total size of algorithm messages, in algorithm units",
		}),
		valueChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "value_changes_total",
			Help:      "Value changes reported by computations",
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "snapshots_total",
			Help:      "Metric snapshots emitted",
		}, []string{"trigger"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_dropped_total",
			Help:      "Metric records dropped because the collector was full",
		}),
		promotions: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "promotions_total",
			Help:      "Replicas promoted to primary",
		}),
		agentErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "agent_errors_total",
			Help:      "Errors reported by agents",
		}, []string{"agent"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) observeSnapshot(s ir.Snapshot) {
	p.cycle.Set(float64(s.Cycle))
	p.cost.Set(s.Cost)
	p.violations.Set(float64(s.Violation))
	if d := s.MsgCount - p.lastMsgCount; d > 0 {
		p.messages.Add(float64(d))
		p.lastMsgCount = s.MsgCount
	}
	if d := s.MsgSize - p.lastMsgSize; d > 0 {
		p.messageBytes.Add(float64(d))
		p.lastMsgSize = s.MsgSize
	}
	p.snapshots.WithLabelValues(string(s.Trigger)).Inc()
}
