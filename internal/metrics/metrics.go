// Package metrics exposes the node's prometheus collectors and wires them
// to the event bus (C1) so every chaser's public events are observable
// without any chaser importing prometheus itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blockrelay/btcnode/internal/event"
)

// Collectors holds the counters and gauges the node registers at startup.
type Collectors struct {
	TopCandidate  prometheus.Gauge
	TopConfirmed  prometheus.Gauge
	ForkPoint     prometheus.Gauge
	EventsTotal   *prometheus.CounterVec
	Faults        prometheus.Counter
	BytesReceived prometheus.Counter
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		TopCandidate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "btcnode_top_candidate_height",
			Help: "Height of the highest candidate-chain header.",
		}),
		TopConfirmed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "btcnode_top_confirmed_height",
			Help: "Height of the highest confirmed block.",
		}),
		ForkPoint: factory.NewGauge(prometheus.GaugeOpts{
			Name: "btcnode_fork_point_height",
			Help: "Height at which the candidate and confirmed chains last diverged.",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "btcnode_events_total",
			Help: "Count of event bus publications by kind.",
		}, []string{"kind"}),
		Faults: factory.NewCounter(prometheus.CounterOpts{
			Name: "btcnode_faults_total",
			Help: "Count of fault() invocations that suspended the network.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "btcnode_bytes_received_total",
			Help: "Total payload bytes received across all peer channels.",
		}),
	}
}

// Observe subscribes c to bus and updates the gauges/counters from the
// events chasers publish. It never mutates chain state; it is a pure
// observer, matching §5's rule that the subscriber list is the only thing
// mutated on the bus's own strand.
func (c *Collectors) Observe(bus *event.Bus) {
	bus.Subscribe(func(ev event.Event) bool {
		c.EventsTotal.WithLabelValues(ev.Kind.String()).Inc()
		switch ev.Kind {
		case event.Organized:
			c.TopConfirmed.Set(float64(ev.Value.U32()))
		case event.Regressed, event.Disorganized:
			c.ForkPoint.Set(float64(ev.Value.U32()))
		case event.Headers, event.Download:
			c.TopCandidate.Set(float64(ev.Value.U32()))
		case event.Report:
			c.Faults.Inc()
		case event.Stop:
			return false
		}
		return true
	})
}

// AddBytes records n bytes of block/header payload delivered by a peer
// channel, called from the node's receive loop rather than from inside
// internal/peernet (which has no metrics dependency of its own).
func (c *Collectors) AddBytes(n uint64) {
	c.BytesReceived.Add(float64(n))
}
