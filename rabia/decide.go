package rabia

import "context"

// finalizeDecision persists a decision, notifies the subscriber, resolves
// any matching pending submission, prunes the retention window, and advances
// to the next phase — step 5 of spec §4.H.
func (e *Engine) finalizeDecision(ctx context.Context, phase Phase, d Decision) {
	if err := e.pst.PersistDecision(phase, d); err != nil {
		// Persistence errors are fatal to the engine task (spec §7):
		// applying an un-persisted decision risks divergence after crash.
		e.log.Error("rabia: persisting decision failed, engine cannot continue safely", "phase", phase, "error", err)
		e.Shutdown()
		return
	}

	e.mu.Lock()
	e.retained[phase] = d
	e.pruneRetainedLocked()

	if !d.IsNull {
		if pb, ok := e.pending[d.Batch.ID]; ok {
			delete(e.pending, d.Batch.ID)
			select {
			case pb.future <- submissionResult{phase: phase}:
			default:
			}
		}
	}
	delete(e.phases, phase)
	if phase+1 > e.currentPhase {
		e.currentPhase = phase + 1
	}
	e.state = Idle
	e.mu.Unlock()

	if e.onDecision != nil {
		e.onDecision(d)
	}

	e.openPhase(e.currentPhaseLocked())
	e.proposePendingLocked(ctx)
}

// pruneRetainedLocked discards decisions older than the retention window W,
// per spec §3: "forgotten when older than the retained window." Callers must
// hold e.mu.
func (e *Engine) pruneRetainedLocked() {
	w := Phase(e.cfg.RetentionWindow)
	if w <= 0 || e.currentPhase <= w {
		return
	}
	floor := e.currentPhase - w
	if floor <= e.oldestKept {
		return
	}
	for p := e.oldestKept; p < floor; p++ {
		delete(e.retained, p)
	}
	e.oldestKept = floor
}
