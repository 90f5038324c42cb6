// Package promsink adapts metrics.Sink onto github.com/prometheus/client_golang,
// pre-declaring every metric up front the way the teacher's node.initMetrics
// does, rather than creating vectors lazily by name.
package promsink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumkv/rabia/metrics"
)

var _ metrics.Sink = (*Sink)(nil)

// Sink is a metrics.Sink backed by a prometheus.Registerer. Construct one
// with New and mount promhttp.HandlerFor(reg, ...) wherever the deployment
// serves /metrics; this package never starts its own HTTP server (spec's
// "HTTP client/server" is an external collaborator, not this module's job).
type Sink struct {
	decisionsCommitted prometheus.Counter
	nullDecisions       prometheus.Counter
	coinSteps           prometheus.Counter
	batchSize           prometheus.Histogram
	decisionLatency     prometheus.Histogram
	syncRequests        prometheus.Counter
	currentPhase        prometheus.Gauge
	activePeers         prometheus.Gauge
	messagesProcessed   *prometheus.CounterVec
}

// New registers every metric against reg and returns a ready Sink.
func New(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		decisionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rabia_decisions_committed_total",
			Help: "Number of phases that committed a non-null batch.",
		}),
		nullDecisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rabia_null_decisions_total",
			Help: "Number of phases that decided null (no batch that phase).",
		}),
		coinSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rabia_coin_steps_total",
			Help: "Number of phases that required the randomized coin step to break a round-2 tie.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rabia_batch_size",
			Help:    "Number of commands in a committed batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rabia_decision_latency_seconds",
			Help:    "Wall-clock time from a decision reaching the replication driver to its application.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		syncRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rabia_sync_requests_total",
			Help: "Number of SyncRequest messages sent to catch a lagging node up.",
		}),
		currentPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rabia_current_phase",
			Help: "The phase most recently applied to the state machine.",
		}),
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rabia_active_peers",
			Help: "Number of peers not currently marked Disabled.",
		}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rabia_messages_processed_total",
			Help: "Number of inbound protocol messages processed, by kind.",
		}, []string{"kind"}),
	}

	collectors := []prometheus.Collector{
		s.decisionsCommitted, s.nullDecisions, s.coinSteps, s.batchSize,
		s.decisionLatency, s.syncRequests, s.currentPhase, s.activePeers,
		s.messagesProcessed,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sink) IncDecisionsCommitted()               { s.decisionsCommitted.Inc() }
func (s *Sink) IncNullDecisions()                     { s.nullDecisions.Inc() }
func (s *Sink) IncCoinSteps()                         { s.coinSteps.Inc() }
func (s *Sink) ObserveBatchSize(n int)                { s.batchSize.Observe(float64(n)) }
func (s *Sink) ObserveDecisionLatency(d time.Duration) { s.decisionLatency.Observe(d.Seconds()) }
func (s *Sink) IncSyncRequests()                      { s.syncRequests.Inc() }
func (s *Sink) SetCurrentPhase(phase uint64)          { s.currentPhase.Set(float64(phase)) }
func (s *Sink) SetActivePeers(n int)                  { s.activePeers.Set(float64(n)) }
func (s *Sink) IncMessagesProcessed(kind string)      { s.messagesProcessed.WithLabelValues(kind).Inc() }
