package rabia

import (
	"context"
	"errors"
	"time"
)

// ErrOutOfSyncNoPeers is logged (not returned — sync runs entirely inside the
// engine's own task) when a sync retry finds no active peer to try. While
// active peers remain, retries keep cycling through them, per spec §4.H:
// "Sync failures are retried against a different peer, cycling through
// is_active() peers."
var ErrOutOfSyncNoPeers = errors.New("rabia: sync failed, no active peers remain")

// requestSync asks peer to help this node catch up from its current phase
// onward, entering the Syncing state until a StateTransfer or SnapshotOffer
// arrives (spec §4.H: "A node that receives a vote or proposal for a phase >
// current_phase + W_future issues a SyncRequest to the sender"). A second
// request is suppressed while one is already outstanding.
func (e *Engine) requestSync(ctx context.Context, peer NodeId) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return
	}
	e.syncing = true
	e.syncPeer = peer
	e.syncStarted = time.Now()
	e.state = Syncing
	// FromPhase is exclusive: send the last phase this node has decided, so
	// the responder's transfer starts at the phase this node is still on.
	from := e.currentPhase - 1
	e.mu.Unlock()

	e.net.Send(ctx, peer, SyncRequestMsg{Sender: e.self, FromPhase: from})
}

// checkSyncTimeout retries an outstanding sync against the next active peer,
// in deterministic order, once SyncTimeout has elapsed without a response.
func (e *Engine) checkSyncTimeout(ctx context.Context) {
	if e.cfg.SyncTimeout <= 0 {
		return
	}

	e.mu.Lock()
	expired := e.syncing && time.Since(e.syncStarted) >= e.cfg.SyncTimeout
	e.mu.Unlock()
	if !expired {
		return
	}

	peers := e.tr.ActivePeers()
	if len(peers) == 0 {
		e.log.Error("rabia: sync retry has no active peers to try", "error", ErrOutOfSyncNoPeers)
		return
	}

	e.mu.Lock()
	e.syncPeerIdx = (e.syncPeerIdx + 1) % len(peers)
	next := peers[e.syncPeerIdx]
	e.syncing = false
	e.mu.Unlock()

	e.requestSync(ctx, next)
}

// handleSyncRequest answers a peer's SyncRequest with either a StateTransfer
// of the requested decisions, if still within the retention window, or a
// SnapshotOffer otherwise (spec §4.H step for the responding node).
func (e *Engine) handleSyncRequest(ctx context.Context, m SyncRequestMsg) {
	e.mu.Lock()
	from := m.FromPhase + 1
	cur := e.currentPhase
	withinWindow := from >= e.oldestKept
	var decisions []Decision
	if withinWindow {
		for p := from; p < cur; p++ {
			if d, ok := e.retained[p]; ok {
				decisions = append(decisions, d)
			}
		}
	}
	e.mu.Unlock()

	if withinWindow {
		e.net.Send(ctx, m.Sender, StateTransferMsg{Sender: e.self, Decisions: decisions})
		return
	}

	if e.snapshotSrc == nil {
		e.log.Warn("rabia: sync request predates retention window and no snapshot source is wired", "requester", m.Sender, "fromPhase", m.FromPhase)
		return
	}
	data, upTo, err := e.snapshotSrc.CurrentSnapshot()
	if err != nil {
		e.log.Error("rabia: producing snapshot for sync request failed", "requester", m.Sender, "error", err)
		return
	}
	e.net.Send(ctx, m.Sender, SnapshotOfferMsg{Sender: e.self, SnapshotData: data, UpToPhase: upTo})
}

// handleStateTransfer applies a contiguous run of decisions received in
// response to this node's own sync request, then resumes normal operation at
// the new current phase.
func (e *Engine) handleStateTransfer(ctx context.Context, m StateTransferMsg) {
	e.mu.Lock()
	syncing := e.syncing
	e.mu.Unlock()
	if !syncing {
		// unsolicited or stale reply (e.g. arrived after a retry already
		// moved on to a different peer): ignore.
		return
	}

	for _, d := range m.Decisions {
		e.applySyncedDecision(d)
	}

	e.mu.Lock()
	e.syncing = false
	e.state = Idle
	e.mu.Unlock()

	e.openPhase(e.currentPhaseLocked())
	e.proposePendingLocked(ctx)
}

// handleSnapshotOffer restores a full snapshot received in response to this
// node's own sync request, fast-forwarding past everything the snapshot
// already encapsulates.
func (e *Engine) handleSnapshotOffer(ctx context.Context, m SnapshotOfferMsg) {
	e.mu.Lock()
	syncing := e.syncing
	e.mu.Unlock()
	if !syncing {
		return
	}

	if e.snapshotSink == nil {
		e.log.Error("rabia: received a snapshot offer but no snapshot sink is wired", "from", m.Sender)
		return
	}
	if err := e.snapshotSink.RestoreSnapshot(m.SnapshotData, m.UpToPhase); err != nil {
		// the local state machine may now be in an indeterminate state
		// relative to currentPhase; continuing risks divergence.
		e.log.Error("rabia: restoring snapshot failed, engine cannot continue safely", "error", err)
		e.Shutdown()
		return
	}

	e.mu.Lock()
	e.phases = make(map[Phase]*phaseState)
	e.retained = make(map[Phase]Decision)
	e.oldestKept = m.UpToPhase + 1
	e.currentPhase = m.UpToPhase + 1
	e.syncing = false
	e.state = Idle
	e.mu.Unlock()

	e.openPhase(e.currentPhaseLocked())
	e.proposePendingLocked(ctx)
}

// applySyncedDecision persists and applies one decision received via
// StateTransfer, without re-running the per-phase vote tally — the sender
// already proved this decision out via quorum.
func (e *Engine) applySyncedDecision(d Decision) {
	if err := e.pst.PersistDecision(d.Phase, d); err != nil {
		e.log.Error("rabia: persisting synced decision failed, engine cannot continue safely", "phase", d.Phase, "error", err)
		e.Shutdown()
		return
	}

	e.mu.Lock()
	if d.Phase < e.currentPhase {
		// already applied locally, e.g. decided independently mid-sync.
		e.mu.Unlock()
		return
	}
	e.retained[d.Phase] = d
	e.pruneRetainedLocked()
	if !d.IsNull {
		if pb, ok := e.pending[d.Batch.ID]; ok {
			delete(e.pending, d.Batch.ID)
			select {
			case pb.future <- submissionResult{phase: d.Phase}:
			default:
			}
		}
	}
	delete(e.phases, d.Phase)
	if d.Phase+1 > e.currentPhase {
		e.currentPhase = d.Phase + 1
	}
	e.mu.Unlock()

	if e.onDecision != nil {
		e.onDecision(d)
	}
}
