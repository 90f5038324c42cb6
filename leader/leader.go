// Package leader computes the single coordinating node for tasks that need
// exactly one actor — e.g. driving periodic snapshot compaction — per spec
// §4.J. Consensus itself stays leader-less; this is a convenience derivation
// layered on top of nodestate and clusternet's connectivity notifications.
package leader

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quorumkv/rabia/clusternet"
	"github.com/quorumkv/rabia/nodestate"
	"github.com/quorumkv/rabia/rabia"
	"github.com/quorumkv/rabia/router"
)

// NodeId aliases rabia's, which is itself an alias of uuid.UUID.
type NodeId = rabia.NodeId

// LeaderChanged is routed through rt whenever the derived leader changes.
type LeaderChanged struct {
	HadPrevious bool
	Previous    NodeId
	Current     NodeId
}

// Derivation recomputes the leader as min(active_peers ∪ {self}, by NodeId
// ordering) on every ConnectionEstablished, ConnectionFailed, or health
// transition.
type Derivation struct {
	self NodeId
	tr   *nodestate.Tracker
	rt   *router.Mutable

	mu         sync.Mutex
	current    NodeId
	hasCurrent bool
}

// New wires a Derivation to self's view of the cluster. It registers its own
// handlers for clusternet.ConnectionEstablished/ConnectionFailed on rt and a
// health-change hook on tr, then computes the initial leader. rt must be the
// same router clusternet.Net was constructed with, so its connectivity
// events reach this Derivation.
func New(self NodeId, tr *nodestate.Tracker, rt *router.Mutable) *Derivation {
	d := &Derivation{self: self, tr: tr, rt: rt}

	rt.AddRoute(clusternet.ConnectionEstablished{}, func(ctx context.Context, _ any) { d.recompute(ctx) })
	rt.AddRoute(clusternet.ConnectionFailed{}, func(ctx context.Context, _ any) { d.recompute(ctx) })
	tr.SetOnHealthChange(func(uuid.UUID, nodestate.Health) { d.recompute(context.Background()) })

	d.recompute(context.Background())
	return d
}

// Current returns the currently derived leader.
func (d *Derivation) Current() NodeId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// IsLeader reports whether self is currently the derived leader.
func (d *Derivation) IsLeader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasCurrent && d.current == d.self
}

func (d *Derivation) recompute(ctx context.Context) {
	candidates := append([]NodeId{d.self}, d.tr.ActivePeers()...)
	min := candidates[0]
	for _, c := range candidates[1:] {
		if bytes.Compare(c[:], min[:]) < 0 {
			min = c
		}
	}

	d.mu.Lock()
	prev, hadPrev := d.current, d.hasCurrent
	changed := !hadPrev || prev != min
	d.current = min
	d.hasCurrent = true
	d.mu.Unlock()

	if changed {
		d.rt.Route(ctx, LeaderChanged{HadPrevious: hadPrev, Previous: prev, Current: min})
	}
}
