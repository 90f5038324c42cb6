package rabia

import (
	"context"
	"time"
)

// openPhase lazily creates the bookkeeping for phase p and marks the engine
// Active. It sends no vote; the round-1 vote goes out through sendRound1.
func (e *Engine) openPhase(p Phase) *phaseState {
	e.mu.Lock()
	ps, ok := e.phases[p]
	if ok {
		e.mu.Unlock()
		return ps
	}
	ps = newPhaseState()
	ps.opened = time.Now()
	e.phases[p] = ps
	e.state = Active
	e.mu.Unlock()
	return ps
}

// proposePendingLocked broadcasts a Propose for one pending batch at the
// current phase, unless a proposal was already accepted for that phase, and
// sends this node's round-1 vote. Any pending batch not chosen this round stays
// pending and is retried at the next phase (spec §3 Batch lifecycle).
func (e *Engine) proposePendingLocked(ctx context.Context) {
	e.mu.Lock()
	phase := e.currentPhase
	ps := e.phases[phase]
	if ps == nil {
		e.mu.Unlock()
		ps = e.openPhase(phase)
		e.mu.Lock()
	}

	var chosen *Batch
	if !ps.haveProposer {
		for _, pb := range e.pending {
			b := pb.batch
			chosen = &b
			break
		}
	}
	alreadyVotedR1 := ps.r1Sent
	e.mu.Unlock()

	if chosen != nil {
		e.net.Broadcast(ctx, ProposeMsg{Sender: e.self, Phase: phase, Batch: *chosen})
		// deliver to self too: a node is also a receiver of its own proposal.
		e.handlePropose(ctx, ProposeMsg{Sender: e.self, Phase: phase, Batch: *chosen})
	}

	if !alreadyVotedR1 {
		e.sendRound1(ctx, phase)
	}
}

// handlePropose applies the "first proposal wins" rule: the first proposal
// seen for a phase becomes that node's preferred batch; later proposals with
// a different batch ID are ignored (duplicates with the same ID are
// idempotent, satisfying spec §8 property 4).
func (e *Engine) handlePropose(ctx context.Context, m ProposeMsg) {
	if len(m.Batch.Commands) == 0 {
		e.log.Warn("rabia: dropping proposal with empty batch", "sender", m.Sender, "phase", m.Phase)
		return
	}
	if !e.futureWithinWindow(m.Phase) {
		e.requestSync(ctx, m.Sender)
		return
	}

	ps := e.openPhase(m.Phase)

	e.mu.Lock()
	if !ps.haveProposer {
		ps.haveProposer = true
		ps.proposer = m.Sender
		b := m.Batch
		ps.preferredBatch = &b
	}
	// else: idempotent if same ID, ignored if different — either way no
	// state changes for a later proposal.
	e.mu.Unlock()

	e.maybeSendRound1ForCurrent(ctx)
}

// maybeSendRound1ForCurrent emits this node's round-1 vote for the current
// phase if it has not already done so this phase.
func (e *Engine) maybeSendRound1ForCurrent(ctx context.Context) {
	e.mu.Lock()
	phase := e.currentPhase
	ps := e.phases[phase]
	already := ps != nil && ps.r1Sent
	e.mu.Unlock()
	if !already {
		e.sendRound1(ctx, phase)
	}
}
