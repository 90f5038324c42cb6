// Package replication owns the state machine side of spec component I: it
// applies decided batches in strict phase order, snapshots lazily, and
// answers the engine's sync requests via a SnapshotSource/SnapshotSink pair.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quorumkv/rabia/metrics"
	"github.com/quorumkv/rabia/persist"
	"github.com/quorumkv/rabia/rabia"
	"github.com/quorumkv/rabia/statemachine"
)

// Config holds the Driver's tunables (spec §6).
type Config struct {
	// SnapshotInterval is how many decisions pass between lazy snapshots.
	SnapshotInterval rabia.Phase
	// QueueSize bounds the channel between the engine and the Driver.
	// Once full, Enqueue blocks, which backpressures the engine rather
	// than dropping a decision (spec §4.I).
	QueueSize int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{SnapshotInterval: 10_000, QueueSize: 1024}
}

var _ rabia.SnapshotSource = (*Driver)(nil)
var _ rabia.SnapshotSink = (*Driver)(nil)

// Driver applies rabia's decided batches to a statemachine.StateMachine, one
// at a time, in the order the engine decided them.
type Driver struct {
	sm  statemachine.StateMachine
	pst persist.Store
	cfg Config
	log *slog.Logger
	met metrics.Sink

	queue chan queued

	mu                sync.Mutex
	appliedPhase      rabia.Phase
	haveApplied       bool
	lastSnapshotPhase rabia.Phase

	closeOnce sync.Once
	closed    chan struct{}
}

type queued struct {
	decision rabia.Decision
	decided  time.Time
}

// New constructs a Driver over sm, persisting through pst. A nil metrics
// sink defaults to metrics.Noop{}; a nil logger defaults to slog.Default().
func New(sm statemachine.StateMachine, pst persist.Store, cfg Config, log *slog.Logger, met metrics.Sink) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if met == nil {
		met = metrics.Noop{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 10_000
	}
	return &Driver{
		sm:     sm,
		pst:    pst,
		cfg:    cfg,
		log:    log,
		met:    met,
		queue:  make(chan queued, cfg.QueueSize),
		closed: make(chan struct{}),
	}
}

// AppliedPhase returns the last phase applied to the state machine.
// Monotonically non-decreasing (spec §4.I).
func (d *Driver) AppliedPhase() rabia.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appliedPhase
}

// Recover restores the latest snapshot (if any) and replays every persisted
// decision after it, rebuilding the state machine to where the engine's own
// Recover leaves currentPhase. Call once, before Run; it reads only the
// persistence store, so it does not depend on the engine's own Recover.
func (d *Driver) Recover() error {
	data, upToPhase, ok, err := d.pst.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("replication: loading snapshot: %w", err)
	}
	if ok {
		if err := d.sm.RestoreSnapshot(data); err != nil {
			return fmt.Errorf("replication: restoring snapshot: %w", err)
		}
		d.mu.Lock()
		d.appliedPhase = upToPhase
		d.haveApplied = true
		d.lastSnapshotPhase = upToPhase
		d.mu.Unlock()
	}

	decisions, err := d.pst.LoadDecisions()
	if err != nil {
		return fmt.Errorf("replication: loading decisions: %w", err)
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Phase < decisions[j].Phase })

	for _, dec := range decisions {
		d.mu.Lock()
		already := d.haveApplied && dec.Phase <= d.appliedPhase
		d.mu.Unlock()
		if already {
			continue
		}
		if err := d.apply(dec); err != nil {
			return fmt.Errorf("replication: replaying phase %d: %w", dec.Phase, err)
		}
	}
	return nil
}

// Enqueue hands a newly decided phase to the Driver. It is the function
// wired as the rabia.Engine's onDecision callback; it blocks when the
// Driver's queue is full, which is the engine-side half of spec §4.I's
// backpressure contract.
func (d *Driver) Enqueue(dec rabia.Decision) {
	select {
	case d.queue <- queued{decision: dec, decided: time.Now()}:
	case <-d.closed:
	}
}

// Shutdown stops Run cooperatively.
func (d *Driver) Shutdown() {
	d.closeOnce.Do(func() { close(d.closed) })
}

// Run consumes the queue and applies each decision in order until ctx is
// canceled or Shutdown is called.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closed:
			return nil
		case q := <-d.queue:
			if err := d.apply(q.decision); err != nil {
				d.log.Error("replication: applying decision failed, driver cannot continue safely", "phase", q.decision.Phase, "error", err)
				d.Shutdown()
				return err
			}
			d.met.ObserveDecisionLatency(time.Since(q.decided))
		}
	}
}

// apply runs one decision through the state machine and, if the lazy
// snapshot threshold is crossed, pauses to snapshot and prune.
func (d *Driver) apply(dec rabia.Decision) error {
	d.mu.Lock()
	if d.haveApplied && dec.Phase <= d.appliedPhase {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if dec.IsNull {
		d.met.IncNullDecisions()
	} else {
		d.met.IncDecisionsCommitted()
		d.met.ObserveBatchSize(len(dec.Batch.Commands))
		for _, cmd := range dec.Batch.Commands {
			if _, err := d.sm.Process(cmd); err != nil {
				return fmt.Errorf("state machine rejected a decided command: %w", err)
			}
		}
	}

	d.mu.Lock()
	d.appliedPhase = dec.Phase
	d.haveApplied = true
	due := d.appliedPhase-d.lastSnapshotPhase >= d.cfg.SnapshotInterval
	d.mu.Unlock()

	d.met.SetCurrentPhase(uint64(dec.Phase))

	if due {
		if err := d.snapshotAndPrune(); err != nil {
			return err
		}
	}
	return nil
}

// snapshotAndPrune takes the state machine snapshot, persists it, and
// instructs persistence to discard decisions the snapshot supersedes (spec
// §4.I: "instructs persistence to prune decisions older than the
// snapshot").
func (d *Driver) snapshotAndPrune() error {
	d.mu.Lock()
	upTo := d.appliedPhase
	d.mu.Unlock()

	data, err := d.sm.MakeSnapshot()
	if err != nil {
		return fmt.Errorf("replication: making snapshot at phase %d: %w", upTo, err)
	}
	if err := d.pst.PersistSnapshot(upTo, data); err != nil {
		return fmt.Errorf("replication: persisting snapshot at phase %d: %w", upTo, err)
	}
	if err := d.pst.PruneBefore(upTo); err != nil {
		return fmt.Errorf("replication: pruning before phase %d: %w", upTo, err)
	}

	d.mu.Lock()
	d.lastSnapshotPhase = upTo
	d.mu.Unlock()
	return nil
}

// CurrentSnapshot implements rabia.SnapshotSource: it answers a SyncRequest
// that has fallen out of the retention window.
func (d *Driver) CurrentSnapshot() ([]byte, rabia.Phase, error) {
	d.mu.Lock()
	upTo := d.appliedPhase
	d.mu.Unlock()

	data, err := d.sm.MakeSnapshot()
	if err != nil {
		return nil, 0, fmt.Errorf("replication: making snapshot for sync: %w", err)
	}
	return data, upTo, nil
}

// RestoreSnapshot implements rabia.SnapshotSink: a lagging node applies a
// SnapshotOffer through here before fast-forwarding its own currentPhase.
func (d *Driver) RestoreSnapshot(data []byte, upToPhase rabia.Phase) error {
	if err := d.sm.RestoreSnapshot(data); err != nil {
		return fmt.Errorf("replication: restoring offered snapshot: %w", err)
	}
	d.mu.Lock()
	d.appliedPhase = upToPhase
	d.haveApplied = true
	d.lastSnapshotPhase = upToPhase
	d.mu.Unlock()
	return nil
}
