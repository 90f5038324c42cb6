package rabia

import "context"

// sendRound1 broadcasts this node's round-1 vote for phase (step 2 of spec
// §4.H): V1 if a preferred batch has been accepted for this phase, else V0.
func (e *Engine) sendRound1(ctx context.Context, phase Phase) {
	e.mu.Lock()
	ps := e.phases[phase]
	if ps == nil || ps.r1Sent {
		e.mu.Unlock()
		return
	}
	ps.r1Sent = true
	v := V0
	if ps.preferredBatch != nil {
		v = V1
	}
	e.mu.Unlock()

	e.net.Broadcast(ctx, R1Msg{Sender: e.self, Phase: phase, Value: v})
	e.recordR1(ctx, e.self, phase, v)
}

// handleR1 processes an inbound round-1 vote.
func (e *Engine) handleR1(ctx context.Context, m R1Msg) {
	if !e.futureWithinWindow(m.Phase) {
		e.requestSync(ctx, m.Sender)
		return
	}
	e.recordR1(ctx, m.Sender, m.Phase, m.Value)
}

// recordR1 tallies one round-1 vote and, once a quorum has been seen,
// advances to round 2 (step 3 of spec §4.H).
func (e *Engine) recordR1(ctx context.Context, voter NodeId, phase Phase, v StateValue) {
	ps := e.openPhase(phase)

	e.mu.Lock()
	if _, seen := ps.r1Votes[voter]; seen {
		// duplicate or conflicting vote from the same voter: spec §3 says a
		// node emits at most one vote per (phase, round); ignore silently,
		// this is idempotent delivery or a protocol violation either way.
		e.mu.Unlock()
		return
	}
	if ps.decided {
		e.mu.Unlock()
		return
	}
	ps.r1Votes[voter] = v

	count0, count1 := tally(ps.r1Votes)
	total := len(ps.r1Votes)
	q := e.top.QuorumSize()
	r2Sent := ps.r2Sent
	var r2Value StateValue
	decide := false
	if !r2Sent && total >= q {
		switch {
		case count1 >= q:
			r2Value = V1
		case count0 >= q:
			r2Value = V0
		default:
			r2Value = Q
		}
		decide = true
	}
	if decide {
		ps.r2Sent = true
	}
	e.mu.Unlock()

	if decide {
		e.net.Broadcast(ctx, R2Msg{Sender: e.self, Phase: phase, Value: r2Value})
		e.recordR2(ctx, e.self, phase, r2Value)
	}
}

func tally(votes map[NodeId]StateValue) (count0, count1 int) {
	for _, v := range votes {
		switch v {
		case V0:
			count0++
		case V1:
			count1++
		}
	}
	return
}
