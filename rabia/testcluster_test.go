package rabia

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quorumkv/rabia/nodestate"
	"github.com/quorumkv/rabia/topology"
)

// memPersistence is an in-memory Persistence, standing in for the
// persist/memorystore package so the rabia package's own tests do not need
// to import it.
type memPersistence struct {
	mu        sync.Mutex
	decisions []Decision
}

func (p *memPersistence) PersistDecision(phase Phase, d Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, d)
	return nil
}

func (p *memPersistence) LoadDecisions() ([]Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Decision, len(p.decisions))
	copy(out, p.decisions)
	return out, nil
}

// testCluster wires N in-process Engines together through direct
// HandleMessage delivery, standing in for clusternet in these package-local
// tests (clusternet itself is exercised by its own package's tests).
type testCluster struct {
	mu      sync.Mutex
	engines map[NodeId]*Engine

	decMu   sync.Mutex
	decided map[NodeId]map[Phase]Decision
}

func newTestCluster(t *testing.T, n int, cfg Config) (*testCluster, []NodeId) {
	t.Helper()

	ids := make([]NodeId, n)
	for i := range ids {
		ids[i] = uuid.New()
	}

	c := &testCluster{
		engines: make(map[NodeId]*Engine, n),
		decided: make(map[NodeId]map[Phase]Decision, n),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, id := range ids {
		peers := make([]uuid.UUID, 0, n-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		top, err := topology.New(id, peers)
		if err != nil {
			t.Fatalf("topology.New: %v", err)
		}
		tr := nodestate.New(nodestate.DefaultConfig(), peers)
		pst := &memPersistence{}
		net := &clusterNet{c: c, self: id}

		c.decided[id] = make(map[Phase]Decision)
		nodeID := id
		onDecision := func(d Decision) {
			c.decMu.Lock()
			c.decided[nodeID][d.Phase] = d
			c.decMu.Unlock()
		}

		e := New(id, top, tr, net, pst, cfg, nil, onDecision)
		c.mu.Lock()
		c.engines[id] = e
		c.mu.Unlock()
	}

	for _, e := range c.engines {
		e := e
		go func() { _ = e.Run(ctx) }()
	}

	return c, ids
}

func (c *testCluster) engine(id NodeId) *Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engines[id]
}

// waitForDecision polls until node has decided phase, or fails the test.
func (c *testCluster) waitForDecision(t *testing.T, node NodeId, phase Phase, timeout time.Duration) Decision {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.decMu.Lock()
		d, ok := c.decided[node][phase]
		c.decMu.Unlock()
		if ok {
			return d
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("node %s never decided phase %d within %s", node, phase, timeout)
	return Decision{}
}

// clusterNet delivers Broadcast/Send synchronously to every other engine
// currently registered in the cluster.
type clusterNet struct {
	c    *testCluster
	self NodeId
}

func (n *clusterNet) Broadcast(ctx context.Context, msg any) {
	n.c.mu.Lock()
	targets := make([]*Engine, 0, len(n.c.engines))
	for id, e := range n.c.engines {
		if id != n.self {
			targets = append(targets, e)
		}
	}
	n.c.mu.Unlock()
	for _, e := range targets {
		e.HandleMessage(ctx, msg)
	}
}

func (n *clusterNet) Send(ctx context.Context, to NodeId, msg any) {
	n.c.mu.Lock()
	e := n.c.engines[to]
	n.c.mu.Unlock()
	if e != nil {
		e.HandleMessage(ctx, msg)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PhaseTimeout = 200 * time.Millisecond
	cfg.SyncTimeout = 200 * time.Millisecond
	return cfg
}
