package rabia

import "context"

// handleR2 processes an inbound round-2 vote.
func (e *Engine) handleR2(ctx context.Context, m R2Msg) {
	if !e.futureWithinWindow(m.Phase) {
		e.requestSync(ctx, m.Sender)
		return
	}
	e.recordR2(ctx, m.Sender, m.Phase, m.Value)
}

type r2Outcome int

const (
	r2None r2Outcome = iota
	r2DecideBatch
	r2DecideNull
	r2Coin
)

// recordR2 tallies one round-2 vote and, once a quorum has been seen, either
// decides the phase or enters the coin step (step 4 of spec §4.H).
func (e *Engine) recordR2(ctx context.Context, voter NodeId, phase Phase, v StateValue) {
	ps := e.openPhase(phase)

	e.mu.Lock()
	if _, seen := ps.r2Votes[voter]; seen || ps.decided {
		e.mu.Unlock()
		return
	}
	ps.r2Votes[voter] = v

	count0, count1 := tally(ps.r2Votes)
	total := len(ps.r2Votes)
	q := e.top.QuorumSize()
	fPlus1 := e.top.FPlusOne()

	outcome := r2None
	if total >= q {
		switch {
		case count1 >= fPlus1:
			outcome = r2DecideBatch
		case count0 >= fPlus1:
			outcome = r2DecideNull
		default:
			outcome = r2Coin
		}
	}

	var decidedBatch Batch
	switch outcome {
	case r2DecideBatch:
		decidedBatch = *ps.preferredBatch
		ps.decided = true
	case r2DecideNull:
		ps.decided = true
	case r2Coin:
		bit := deterministicCoin(phase, nextCoinRound(ps))
		if bit == 0 {
			ps.preferredBatch = nil
			ps.haveProposer = false
		}
		ps.r1Votes = make(map[NodeId]StateValue)
		ps.r2Votes = make(map[NodeId]StateValue)
		ps.r1Sent = false
		ps.r2Sent = false
		ps.coinRounds++
	}
	e.mu.Unlock()

	switch outcome {
	case r2DecideBatch:
		e.finalizeDecision(ctx, phase, Decision{Phase: phase, Batch: decidedBatch})
	case r2DecideNull:
		e.finalizeDecision(ctx, phase, Decision{Phase: phase, IsNull: true})
	case r2Coin:
		e.sendRound1(ctx, phase)
	}
}

func nextCoinRound(ps *phaseState) int {
	return ps.coinRounds + 1
}
