// Package metrics holds the process-wide Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components and tests can run
// without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	commands    *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	trades      prometheus.Counter
	checkpoints prometheus.Counter
	lastSeq     prometheus.Gauge
	state       *prometheus.GaugeVec
	requests    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	retries     *prometheus.CounterVec
	offsets     *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lokiseq", Subsystem: "sequencer", Name: "commands_total",
			Help: "Commands applied by kind.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lokiseq", Subsystem: "sequencer", Name: "rejections_total",
			Help: "Commands rejected by reason.",
		}, []string{"reason"}),
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lokiseq", Subsystem: "sequencer", Name: "trades_total",
			Help: "Trades executed.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lokiseq", Subsystem: "sequencer", Name: "checkpoints_total",
			Help: "Checkpoints written.",
		}),
		lastSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lokiseq", Subsystem: "sequencer", Name: "last_applied_seq",
			Help: "Sequence number of the last applied command.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lokiseq", Subsystem: "sequencer", Name: "state",
			Help: "1 for the sequencer's current lifecycle state.",
		}, []string{"state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lokiseq", Subsystem: "gateway", Name: "requests_total",
			Help: "Gateway requests by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lokiseq", Subsystem: "processor", Name: "deliveries_total",
			Help: "Responses delivered per consumer.",
		}, []string{"consumer"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lokiseq", Subsystem: "processor", Name: "retries_total",
			Help: "Failed delivery attempts per consumer.",
		}, []string{"consumer"}),
		offsets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lokiseq", Subsystem: "processor", Name: "consumer_offset",
			Help: "Next output offset per consumer.",
		}, []string{"consumer"}),
	}
	m.Registry.MustRegister(
		m.commands, m.rejections, m.trades, m.checkpoints, m.lastSeq, m.state,
		m.requests, m.deliveries, m.retries, m.offsets,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) CommandApplied(kind string, seq uint64) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind).Inc()
	m.lastSeq.Set(float64(seq))
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Trade() {
	if m == nil {
		return
	}
	m.trades.Inc()
}

func (m *Metrics) Checkpoint() {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
}

// SequencerState marks current as the only active state.
func (m *Metrics) SequencerState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Delivered(consumer string, next uint64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(consumer).Inc()
	m.offsets.WithLabelValues(consumer).Set(float64(next))
}

func (m *Metrics) Retry(consumer string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(consumer).Inc()
}
