package rabia

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"time"
)

// deterministicCoin samples a pseudo-random bit derived from (phase, round)
// that is identical on every node, per spec §4.H step 4. coinRound lets a
// phase that cycles through several inconclusive round-2s draw a fresh bit
// each time instead of looping forever on the same value.
func deterministicCoin(p Phase, coinRound int) int {
	h := fnv.New64a()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(p))
	binary.BigEndian.PutUint64(buf[8:], uint64(coinRound))
	_, _ = h.Write(buf[:])
	return int(h.Sum64() & 1)
}

// checkPhaseTimeouts forces a coin step on any currently open, undecided
// phase whose PhaseTimeout has elapsed without this node having cast a
// round-2 vote yet, by emitting R2=Q on its behalf (spec §5: "on expiry,
// force a coin step by emitting R2=Q if the node has not yet voted in R2").
func (e *Engine) checkPhaseTimeouts(ctx context.Context) {
	if e.cfg.PhaseTimeout <= 0 {
		return
	}

	e.mu.Lock()
	var toForce []Phase
	for p, ps := range e.phases {
		if ps.decided || ps.r2Sent {
			continue
		}
		if time.Since(ps.opened) >= e.cfg.PhaseTimeout {
			toForce = append(toForce, p)
		}
	}
	e.mu.Unlock()

	for _, p := range toForce {
		e.forceRound2Query(ctx, p)
	}
}

func (e *Engine) forceRound2Query(ctx context.Context, phase Phase) {
	e.mu.Lock()
	ps := e.phases[phase]
	if ps == nil || ps.decided || ps.r2Sent {
		e.mu.Unlock()
		return
	}
	ps.r2Sent = true
	e.mu.Unlock()

	e.net.Broadcast(ctx, R2Msg{Sender: e.self, Phase: phase, Value: Q})
	e.recordR2(ctx, e.self, phase, Q)
}
