// Package clusternet is the typed cluster network transport of spec
// component D: length-prefixed send/broadcast over TCP, surfacing inbound
// protocol messages and connection-management notifications to a router.
package clusternet

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quorumkv/rabia/nodestate"
	"github.com/quorumkv/rabia/rabia"
	"github.com/quorumkv/rabia/router"
	"github.com/quorumkv/rabia/wire"
)

// NodeId is the cluster-wide node identifier type, re-exported from rabia so
// callers of this package don't need to import both.
type NodeId = rabia.NodeId

// Address is a dial target, "host:port".
type Address string

// ConnectionEstablished is routed whenever a peer connection comes up.
type ConnectionEstablished struct {
	Peer NodeId
}

// ConnectionFailed is routed whenever a peer connection drops or a dial
// attempt fails.
type ConnectionFailed struct {
	Peer NodeId
	Err  error
}

// handshakeMsg is the first frame exchanged on every newly dialed
// connection, so the accepting side learns which peer just connected.
type handshakeMsg struct {
	_      struct{} `cbor:",toarray"`
	Sender NodeId
}

const handshakeTag uint16 = 0xFFFF

const defaultQueueSize = 256

// Config is the static setup of one node's network.
type Config struct {
	Self       NodeId
	ListenAddr Address
	Peers      map[NodeId]Address // dial targets for every other cluster member
	Registry   *wire.Registry     // must have every protocol message type registered

	DialTimeout time.Duration // default 5s
	QueueSize   int           // per-peer outbound queue depth, default 256
}

// Net is the TCP cluster transport. It satisfies rabia.Broadcaster.
type Net struct {
	cfg Config
	log *slog.Logger
	rt  router.Router
	tr  *nodestate.Tracker

	mu    sync.Mutex
	conns map[NodeId]*peerConn

	listener net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Net. rt receives every decoded inbound protocol message
// plus ConnectionEstablished/ConnectionFailed notifications; tr is updated
// on every connection outcome.
func New(cfg Config, rt router.Router, tr *nodestate.Tracker, log *slog.Logger) *Net {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Net{
		cfg:    cfg,
		log:    log,
		rt:     rt,
		tr:     tr,
		conns:  make(map[NodeId]*peerConn),
		closed: make(chan struct{}),
	}
}

// Start opens the listener and begins dialing every peer with a NodeId
// greater than self (the lower NodeId dials, the higher NodeId accepts, so
// each ordered pair maintains exactly one full-duplex connection).
func (n *Net) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", string(n.cfg.ListenAddr))
	if err != nil {
		return fmt.Errorf("clusternet: listening on %s: %w", n.cfg.ListenAddr, err)
	}
	n.listener = l

	go n.acceptLoop(ctx)

	for peer, addr := range n.cfg.Peers {
		if peer == n.cfg.Self {
			continue
		}
		if bytesLess(n.cfg.Self, peer) {
			go n.dialLoop(ctx, peer, addr)
		}
	}
	return nil
}

func bytesLess(a, b NodeId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Shutdown closes the listener and every peer connection.
func (n *Net) Shutdown() {
	n.closeOnce.Do(func() {
		close(n.closed)
		if n.listener != nil {
			n.listener.Close()
		}
		n.mu.Lock()
		conns := make([]*peerConn, 0, len(n.conns))
		for _, c := range n.conns {
			conns = append(conns, c)
		}
		n.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
	})
}

func (n *Net) acceptLoop(ctx context.Context) {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
				n.log.Error("clusternet: accept failed", "error", err)
				return
			}
		}
		go n.handleInbound(ctx, conn)
	}
}

func (n *Net) handleInbound(ctx context.Context, conn net.Conn) {
	frame, err := readFrame(conn)
	if err != nil {
		n.log.Warn("clusternet: inbound connection dropped before handshake", "error", err)
		conn.Close()
		return
	}
	hs, err := decodeHandshake(frame)
	if err != nil {
		n.log.Warn("clusternet: malformed handshake frame, closing", "error", err)
		conn.Close()
		return
	}

	n.establish(ctx, hs.Sender, conn)
}

func (n *Net) dialLoop(ctx context.Context, peer NodeId, addr Address) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.closed:
			return
		default:
		}

		if !n.tr.CanAttempt(peer, time.Now()) {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		d := net.Dialer{Timeout: n.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", string(addr))
		if err != nil {
			n.tr.OnFailure(peer, time.Now())
			n.rt.Route(ctx, ConnectionFailed{Peer: peer, Err: err})
			continue
		}

		if err := writeFrame(conn, encodeHandshake(n.cfg.Self)); err != nil {
			conn.Close()
			n.tr.OnFailure(peer, time.Now())
			n.rt.Route(ctx, ConnectionFailed{Peer: peer, Err: err})
			continue
		}

		n.establish(ctx, peer, conn)

		// establish blocks (via the reader loop) until the connection drops;
		// when it returns, loop around to redial after the tracker's backoff.
	}
}

// establish registers conn as peer's connection, starts its reader and
// writer loops, and blocks until the connection ends.
func (n *Net) establish(ctx context.Context, peer NodeId, conn net.Conn) {
	pc := newPeerConn(n, peer, conn)

	n.mu.Lock()
	if existing, ok := n.conns[peer]; ok {
		existing.close()
	}
	n.conns[peer] = pc
	n.mu.Unlock()

	n.tr.OnSuccess(peer, time.Now())
	n.rt.Route(ctx, ConnectionEstablished{Peer: peer})

	go pc.writerLoop()
	pc.readerLoop(ctx) // blocks until the connection ends

	n.mu.Lock()
	if n.conns[peer] == pc {
		delete(n.conns, peer)
	}
	n.mu.Unlock()

	n.tr.OnFailure(peer, time.Now())
	n.rt.Route(ctx, ConnectionFailed{Peer: peer, Err: pc.lastErr()})
}

// Send implements rabia.Broadcaster.
func (n *Net) Send(ctx context.Context, to NodeId, msg any) {
	n.mu.Lock()
	pc := n.conns[to]
	n.mu.Unlock()
	if pc == nil {
		n.log.Warn("clusternet: Send to unconnected peer dropped", "peer", to, "type", fmt.Sprintf("%T", msg))
		return
	}
	pc.enqueue(outboundItem{msg: msg, frame: n.cfg.Registry.Encode(msg)})
}

// Broadcast implements rabia.Broadcaster.
func (n *Net) Broadcast(ctx context.Context, msg any) {
	n.mu.Lock()
	conns := make([]*peerConn, 0, len(n.conns))
	for _, pc := range n.conns {
		conns = append(conns, pc)
	}
	n.mu.Unlock()

	frame := n.cfg.Registry.Encode(msg)
	for _, pc := range conns {
		pc.enqueue(outboundItem{msg: msg, frame: frame})
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := fullRead(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxFrame = 64 << 20
	if n > maxFrame {
		return nil, fmt.Errorf("clusternet: frame length %d exceeds maximum %d", n, maxFrame)
	}
	buf := make([]byte, n)
	if _, err := fullRead(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		k, err := conn.Read(buf[total:])
		total += k
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeFrame(conn net.Conn, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func encodeHandshake(self NodeId) []byte {
	body, err := wire.Marshal(handshakeMsg{Sender: self})
	if err != nil {
		panic(fmt.Sprintf("clusternet: encoding handshake: %v", err))
	}
	out := make([]byte, 2+len(body))
	out[0] = byte(handshakeTag >> 8)
	out[1] = byte(handshakeTag)
	copy(out[2:], body)
	return out
}

func decodeHandshake(frame []byte) (handshakeMsg, error) {
	if len(frame) < 2 {
		return handshakeMsg{}, fmt.Errorf("clusternet: handshake frame too short")
	}
	var hs handshakeMsg
	if err := wire.Unmarshal(frame[2:], &hs); err != nil {
		return handshakeMsg{}, fmt.Errorf("clusternet: decoding handshake: %w", err)
	}
	return hs, nil
}
