package clusternet

import (
	"context"
	"sync"

	"github.com/quorumkv/rabia/router"
)

// Mesh is an in-process test double standing in for a TCP-connected Net: it
// wires multiple nodes' routers together with direct, synchronous delivery
// and no sockets at all, the clusternet analogue of the teacher's
// testutils/network mock network.
type Mesh struct {
	mu      sync.Mutex
	routers map[NodeId]router.Router
}

// NewMesh returns an empty Mesh.
func NewMesh() *Mesh {
	return &Mesh{routers: make(map[NodeId]router.Router)}
}

// Register wires id's router into the mesh so other members' Send/Broadcast
// calls reach it.
func (m *Mesh) Register(id NodeId, rt router.Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routers[id] = rt
}

// Unregister removes id from the mesh, simulating a permanent disconnect:
// frames addressed to id are dropped, and id's own Send/Broadcast calls
// deliver nothing until it is registered again.
func (m *Mesh) Unregister(id NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routers, id)
}

// NetFor returns self's Broadcaster view of the mesh.
func (m *Mesh) NetFor(self NodeId) *MeshNet {
	return &MeshNet{mesh: m, self: self}
}

// MeshNet implements rabia.Broadcaster against a Mesh.
type MeshNet struct {
	mesh *Mesh
	self NodeId
}

// Send implements rabia.Broadcaster.
func (n *MeshNet) Send(ctx context.Context, to NodeId, msg any) {
	n.mesh.mu.Lock()
	_, registered := n.mesh.routers[n.self]
	rt := n.mesh.routers[to]
	n.mesh.mu.Unlock()
	if registered && rt != nil {
		rt.Route(ctx, msg)
	}
}

// Broadcast implements rabia.Broadcaster.
func (n *MeshNet) Broadcast(ctx context.Context, msg any) {
	n.mesh.mu.Lock()
	if _, registered := n.mesh.routers[n.self]; !registered {
		n.mesh.mu.Unlock()
		return
	}
	targets := make([]router.Router, 0, len(n.mesh.routers))
	for id, rt := range n.mesh.routers {
		if id != n.self {
			targets = append(targets, rt)
		}
	}
	n.mesh.mu.Unlock()

	for _, rt := range targets {
		rt.Route(ctx, msg)
	}
}
