package clusternet

import (
	"context"
	"net"
	"sync"

	"github.com/quorumkv/rabia/rabia"
)

type outboundItem struct {
	msg   any
	frame []byte
}

// isConsensusMsg reports whether msg is one of the Rabia protocol's own wire
// types, which backpressure must never sacrifice ahead of best-effort
// traffic like heartbeats (spec §4.D: "full queue causes the oldest
// non-consensus message to be dropped first").
func isConsensusMsg(msg any) bool {
	switch msg.(type) {
	case rabia.ProposeMsg, rabia.R1Msg, rabia.R2Msg,
		rabia.SyncRequestMsg, rabia.StateTransferMsg, rabia.SnapshotOfferMsg:
		return true
	default:
		return false
	}
}

// peerConn owns one TCP connection to one peer and its bounded outbound
// queue, per spec §4.D.
type peerConn struct {
	net  *Net
	peer NodeId
	conn net.Conn

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outboundItem
	maxLen int
	closed bool
	err    error
}

func newPeerConn(n *Net, peer NodeId, conn net.Conn) *peerConn {
	pc := &peerConn{
		net:    n,
		peer:   peer,
		conn:   conn,
		maxLen: n.cfg.QueueSize,
	}
	pc.cond = sync.NewCond(&pc.mu)
	return pc
}

func (c *peerConn) lastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// enqueue appends item to the outbound queue, applying spec §4.D's
// backpressure policy: if the queue is full, drop the oldest non-consensus
// message to make room; if the queue is still full (i.e. entirely consensus
// traffic), drop the connection.
func (c *peerConn) enqueue(item outboundItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.queue) < c.maxLen {
		c.queue = append(c.queue, item)
		c.cond.Signal()
		return
	}

	for i, q := range c.queue {
		if !isConsensusMsg(q.msg) {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.queue = append(c.queue, item)
			c.cond.Signal()
			return
		}
	}

	c.net.log.Warn("clusternet: outbound queue saturated with consensus traffic, dropping connection", "peer", c.peer)
	c.closeLocked()
}

func (c *peerConn) writerLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := writeFrame(c.conn, item.frame); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.close()
			return
		}
	}
}

// readerLoop decodes inbound frames and routes them until the connection
// ends, per-destination FIFO being guaranteed by TCP itself.
func (c *peerConn) readerLoop(ctx context.Context) {
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.close()
			return
		}

		msg, err := c.net.cfg.Registry.Decode(frame)
		if err != nil {
			c.net.log.Warn("clusternet: malformed inbound frame, closing connection", "peer", c.peer, "error", err)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.close()
			return
		}
		c.net.rt.Route(ctx, derefOnce(msg))
	}
}

// derefOnce unwraps the single-level pointer wire.Registry.Decode returns,
// so handlers registered against value types (as rabia's messages are)
// match via a plain type switch.
func derefOnce(msg any) any {
	switch m := msg.(type) {
	case *rabia.ProposeMsg:
		return *m
	case *rabia.R1Msg:
		return *m
	case *rabia.R2Msg:
		return *m
	case *rabia.SyncRequestMsg:
		return *m
	case *rabia.StateTransferMsg:
		return *m
	case *rabia.SnapshotOfferMsg:
		return *m
	case *rabia.HeartbeatMsg:
		return *m
	default:
		return msg
	}
}

func (c *peerConn) close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *peerConn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.conn.Close()
}
