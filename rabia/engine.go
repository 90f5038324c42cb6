package rabia

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumkv/rabia/nodestate"
	"github.com/quorumkv/rabia/topology"
)

// Broadcaster is the minimum network contract the engine needs: broadcast to
// every peer, or send to one. Framing, retries, and backpressure are the
// concern of the clusternet package (spec §4.D); the engine only needs these
// two verbs.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg any)
	Send(ctx context.Context, to NodeId, msg any)
}

// Persistence is the minimum crash-recovery contract of spec §4.H/§6: commit
// a decision before applying it, and reload the decision stream on restart.
type Persistence interface {
	PersistDecision(phase Phase, d Decision) error
	LoadDecisions() ([]Decision, error)
}

// State is the engine's own coarse lifecycle state (spec §4.H).
type State int

const (
	Idle State = iota
	Active
	Syncing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Syncing:
		return "syncing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Config holds the tunables of spec §6.
type Config struct {
	RetentionWindow   int           // W
	FutureWindow      Phase         // W_future
	PhaseTimeout      time.Duration
	SyncTimeout       time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		RetentionWindow: 1024,
		FutureWindow:    8,
		PhaseTimeout:    10 * time.Second,
		SyncTimeout:     5 * time.Second,
	}
}

// pendingBatch is a locally submitted batch awaiting decision.
type pendingBatch struct {
	batch  Batch
	future chan submissionResult
}

type submissionResult struct {
	phase Phase
	err   error
}

// phaseState is the per-phase sub-state-machine bookkeeping of spec §4.H
// steps 1-4: the accepted proposal, and the round-1/round-2 vote tallies.
type phaseState struct {
	preferredBatch *Batch // set once, by "first proposal wins"
	proposer       NodeId
	haveProposer   bool

	r1Votes map[NodeId]StateValue
	r1Sent  bool

	r2Votes map[NodeId]StateValue
	r2Sent  bool

	decided    bool
	coinRounds int
	opened     time.Time // when this phase was first opened, for PhaseTimeout
}

func newPhaseState() *phaseState {
	return &phaseState{
		r1Votes: make(map[NodeId]StateValue),
		r2Votes: make(map[NodeId]StateValue),
	}
}

// local submit event, threaded through the same inbox as network messages so
// that all state transitions are serialized on the engine's single goroutine.
type submitEvent struct {
	batch  Batch
	result chan submissionResult
}

type syncAppliedEvent struct {
	decisions []Decision
	fromPeer  NodeId
}

type snapshotAppliedEvent struct {
	upToPhase Phase
	data      []byte
}

// Engine drives one node's view of the Rabia protocol.
type Engine struct {
	self NodeId
	top  *topology.Topology
	tr   *nodestate.Tracker
	net  Broadcaster
	pst  Persistence
	cfg  Config
	log  *slog.Logger

	onDecision func(Decision)

	inbox chan any

	mu           sync.Mutex
	state        State
	currentPhase Phase
	phases       map[Phase]*phaseState
	pending      map[BatchID]*pendingBatch
	retained     map[Phase]Decision
	oldestKept   Phase

	syncing     bool
	syncPeer    NodeId
	syncStarted time.Time
	syncPeerIdx int

	snapshotSrc  SnapshotSource
	snapshotSink SnapshotSink

	closeOnce sync.Once
	closed    chan struct{}
}

// SnapshotSource produces the local state machine's current snapshot, used
// to answer a SyncRequest whose requested range has fallen out of the
// retention window. Owned by the Replication Driver.
type SnapshotSource interface {
	CurrentSnapshot() (data []byte, upToPhase Phase, err error)
}

// SnapshotSink restores a snapshot received via SnapshotOffer. Owned by the
// Replication Driver.
type SnapshotSink interface {
	RestoreSnapshot(data []byte, upToPhase Phase) error
}

// SetSnapshotSource wires the Replication Driver's snapshot producer.
func (e *Engine) SetSnapshotSource(s SnapshotSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshotSrc = s
}

// SetSnapshotSink wires the Replication Driver's snapshot restorer.
func (e *Engine) SetSnapshotSink(s SnapshotSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshotSink = s
}

// New constructs an Engine for self within top, wired to net for transport
// and pst for crash-recovery persistence. onDecision is called, in phase
// order, once per locally decided phase (including null decisions) — the
// Replication Driver is the intended subscriber.
func New(self NodeId, top *topology.Topology, tr *nodestate.Tracker, net Broadcaster, pst Persistence, cfg Config, log *slog.Logger, onDecision func(Decision)) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		self:       self,
		top:        top,
		tr:         tr,
		net:        net,
		pst:        pst,
		cfg:        cfg,
		log:        log,
		onDecision: onDecision,
		inbox:      make(chan any, 4096),
		state:      Idle,
		// phase 0 is never decided: the first decision of a fresh cluster is
		// phase 1, and a node that has decided nothing is at phase 0.
		currentPhase: 1,
		phases:     make(map[Phase]*phaseState),
		pending:    make(map[BatchID]*pendingBatch),
		retained:   make(map[Phase]Decision),
		closed:     make(chan struct{}),
	}
	return e
}

// Recover replays persisted decisions to fast-forward currentPhase before
// Run starts taking live traffic. Call once, before Run.
func (e *Engine) Recover() error {
	decisions, err := e.pst.LoadDecisions()
	if err != nil {
		return fmt.Errorf("rabia: loading persisted decisions: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range decisions {
		e.retained[d.Phase] = d
		if d.Phase+1 > e.currentPhase {
			e.currentPhase = d.Phase + 1
		}
	}
	return nil
}

// CurrentPhase returns the phase the engine is currently attempting to
// decide (monotonically advancing).
func (e *Engine) CurrentPhase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPhase
}

// StateNow returns the engine's current coarse lifecycle state.
func (e *Engine) StateNow() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Submit enqueues batch for proposal at the next phase the engine opens and
// returns once its batch ID appears as a decision, or the engine shuts down.
func (e *Engine) Submit(ctx context.Context, batch Batch) (Phase, error) {
	if len(batch.Commands) == 0 {
		return 0, ErrEmptyBatch
	}
	result := make(chan submissionResult, 1)
	ev := submitEvent{batch: batch, result: result}

	select {
	case e.inbox <- ev:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-e.closed:
		return 0, fmt.Errorf("rabia: engine shut down")
	}

	select {
	case r := <-result:
		return r.phase, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-e.closed:
		return 0, fmt.Errorf("rabia: engine shut down")
	}
}

// HandleMessage delivers an inbound wire message (Propose/R1/R2/Sync*) to the
// engine for processing on its single logical task.
func (e *Engine) HandleMessage(ctx context.Context, msg any) {
	select {
	case e.inbox <- msg:
	case <-ctx.Done():
	case <-e.closed:
	}
}

// Shutdown signals cooperative shutdown: pending Submit/HandleMessage callers
// unblock, and Run returns once it observes ctx cancellation or Shutdown.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() { close(e.closed) })
}

// Run is the engine's single logical task: it serializes every inbound
// message and local event through one goroutine so that per-phase tallies
// stay consistent without additional locking of the hot path (spec §5: "The
// engine's on-message handler is non-suspending and synchronous").
func (e *Engine) Run(ctx context.Context) error {
	e.openPhase(e.currentPhaseLocked())
	e.proposePendingLocked(ctx)

	phaseTimeout := time.NewTicker(e.tickerInterval())
	defer phaseTimeout.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			e.drainPending(fmt.Errorf("rabia: %w", ctx.Err()))
			return ctx.Err()
		case <-e.closed:
			e.drainPending(fmt.Errorf("rabia: engine shut down"))
			return nil
		case msg := <-e.inbox:
			e.handle(ctx, msg)
		case <-phaseTimeout.C:
			e.checkPhaseTimeouts(ctx)
			e.checkSyncTimeout(ctx)
		}
	}
}

func (e *Engine) tickerInterval() time.Duration {
	if e.cfg.PhaseTimeout <= 0 {
		return 10 * time.Second
	}
	// check at a finer grain than the timeout itself so expiry is prompt.
	d := e.cfg.PhaseTimeout / 4
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (e *Engine) drainPending(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[BatchID]*pendingBatch)
	e.mu.Unlock()

	for _, p := range pending {
		select {
		case p.future <- submissionResult{err: err}:
		default:
		}
	}
}

func (e *Engine) currentPhaseLocked() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPhase
}

func (e *Engine) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case submitEvent:
		e.handleSubmit(ctx, m)
	case ProposeMsg:
		e.handlePropose(ctx, m)
	case R1Msg:
		e.handleR1(ctx, m)
	case R2Msg:
		e.handleR2(ctx, m)
	case SyncRequestMsg:
		e.handleSyncRequest(ctx, m)
	case StateTransferMsg:
		e.handleStateTransfer(ctx, m)
	case SnapshotOfferMsg:
		e.handleSnapshotOffer(ctx, m)
	default:
		e.log.Warn("rabia: ignoring message of unknown type", "type", fmt.Sprintf("%T", msg))
	}
}

func (e *Engine) handleSubmit(ctx context.Context, ev submitEvent) {
	e.mu.Lock()
	e.pending[ev.batch.ID] = &pendingBatch{batch: ev.batch, future: ev.result}
	e.mu.Unlock()

	e.proposePendingLocked(ctx)
}

// futureWithinWindow reports whether phase p is within the engine's
// future-message window of currentPhase (p <= currentPhase + W_future).
// Callers request a sync from the sender when it returns false.
func (e *Engine) futureWithinWindow(p Phase) bool {
	e.mu.Lock()
	cur := e.currentPhase
	fw := e.cfg.FutureWindow
	e.mu.Unlock()
	return p <= cur+fw
}
