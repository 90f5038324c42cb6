package clusternet

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/google/uuid"

	"github.com/quorumkv/rabia/rabia"
	"github.com/quorumkv/rabia/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFrame_RoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte("hello, cluster")
	done := make(chan error, 1)
	go func() { done <- writeFrame(client, payload) }()

	got, err := readFrame(server)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("readFrame = %q, want %q", got, payload)
	}
}

func TestHandshake_EncodeDecode(t *testing.T) {
	self := uuid.New()
	frame := encodeHandshake(self)

	hs, err := decodeHandshake(frame)
	if err != nil {
		t.Fatalf("decodeHandshake: %v", err)
	}
	if hs.Sender != self {
		t.Fatalf("decoded handshake sender = %s, want %s", hs.Sender, self)
	}
}

func TestPeerConn_DropsOldestNonConsensusUnderBackpressure(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	t.Cleanup(func() { client.Close() })

	n := &Net{log: discardLogger(), cfg: Config{QueueSize: 2}}
	pc := newPeerConn(n, uuid.New(), client)

	heartbeat := outboundItem{msg: rabia.HeartbeatMsg{}}
	propose := outboundItem{msg: rabia.ProposeMsg{Phase: 1}}
	r1 := outboundItem{msg: rabia.R1Msg{Phase: 2}}

	pc.enqueue(heartbeat) // non-consensus, fills slot 1
	pc.enqueue(propose)   // consensus, fills slot 2 (queue now full)
	pc.enqueue(r1)        // consensus: must evict the heartbeat, not propose

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(pc.queue))
	}
	for _, item := range pc.queue {
		if _, ok := item.msg.(rabia.HeartbeatMsg); ok {
			t.Fatalf("heartbeat should have been evicted to make room for consensus traffic")
		}
	}
}

func TestPeerConn_DropsConnectionWhenQueueIsAllConsensus(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	t.Cleanup(func() { client.Close() })

	n := &Net{log: discardLogger(), cfg: Config{QueueSize: 1}}
	pc := newPeerConn(n, uuid.New(), client)

	pc.enqueue(outboundItem{msg: rabia.ProposeMsg{Phase: 1}})
	pc.enqueue(outboundItem{msg: rabia.R1Msg{Phase: 2}}) // queue full of consensus traffic

	pc.mu.Lock()
	closed := pc.closed
	pc.mu.Unlock()
	if !closed {
		t.Fatalf("expected the connection to be dropped when backpressure cannot free a non-consensus slot")
	}
}

func TestMesh_BroadcastReachesEveryOtherMember(t *testing.T) {
	mesh := NewMesh()

	received := make(map[NodeId]int)
	idA, idB, idC := uuid.New(), uuid.New(), uuid.New()
	for _, id := range []NodeId{idA, idB, idC} {
		id := id
		rt := router.NewMutable(nil)
		rt.AddRoute(rabia.HeartbeatMsg{}, func(ctx context.Context, msg any) {
			received[id]++
		})
		mesh.Register(id, rt)
	}

	mesh.NetFor(idA).Broadcast(context.Background(), rabia.HeartbeatMsg{Sender: idA})

	if received[idA] != 0 {
		t.Fatalf("sender should not receive its own broadcast")
	}
	if received[idB] != 1 || received[idC] != 1 {
		t.Fatalf("received = %v, want B and C each once", received)
	}
}

func TestMesh_SendReachesOnlyOneMember(t *testing.T) {
	mesh := NewMesh()
	idA, idB := uuid.New(), uuid.New()

	var gotB bool
	rtA := router.NewMutable(nil)
	rtB := router.NewMutable(nil)
	rtB.AddRoute(rabia.HeartbeatMsg{}, func(ctx context.Context, msg any) { gotB = true })
	mesh.Register(idA, rtA)
	mesh.Register(idB, rtB)

	mesh.NetFor(idA).Send(context.Background(), idB, rabia.HeartbeatMsg{Sender: idA})

	if !gotB {
		t.Fatalf("expected B to receive the directly sent message")
	}
}
