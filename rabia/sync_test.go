package rabia

import (
	"context"
	"testing"
)

func TestHandleSyncRequest_WithinWindowSendsStateTransfer(t *testing.T) {
	e, _, peers, net := newUnitEngine(t, 1, testConfig(), nil)

	b, _ := NewBatch(Command("a"))
	e.mu.Lock()
	e.currentPhase = 3
	e.retained[0] = Decision{Phase: 0, Batch: b}
	e.retained[1] = Decision{Phase: 1, IsNull: true}
	e.retained[2] = Decision{Phase: 2, IsNull: true}
	e.mu.Unlock()

	ctx := context.Background()
	e.handleSyncRequest(ctx, SyncRequestMsg{Sender: peers[0], FromPhase: 0})

	sts := net.messagesOfType("StateTransferMsg")
	if len(sts) != 1 {
		t.Fatalf("got %d StateTransferMsg, want 1", len(sts))
	}
	m := sts[0].msg.(StateTransferMsg)
	if len(m.Decisions) != 2 {
		t.Fatalf("got %d decisions in transfer, want 2 (phases 1 and 2)", len(m.Decisions))
	}
	if m.Decisions[0].Phase != 1 || m.Decisions[1].Phase != 2 {
		t.Fatalf("decisions out of order: %+v", m.Decisions)
	}
}

type fakeSnapshotSource struct {
	data []byte
	upTo Phase
}

func (f *fakeSnapshotSource) CurrentSnapshot() ([]byte, Phase, error) {
	return f.data, f.upTo, nil
}

func TestHandleSyncRequest_OutOfWindowSendsSnapshotOffer(t *testing.T) {
	e, _, peers, net := newUnitEngine(t, 1, testConfig(), nil)

	e.mu.Lock()
	e.currentPhase = 5000
	e.oldestKept = 4000 // everything before phase 4000 has been pruned
	e.mu.Unlock()
	e.SetSnapshotSource(&fakeSnapshotSource{data: []byte("snap"), upTo: 4500})

	ctx := context.Background()
	e.handleSyncRequest(ctx, SyncRequestMsg{Sender: peers[0], FromPhase: 10}) // long pruned

	offers := net.messagesOfType("SnapshotOfferMsg")
	if len(offers) != 1 {
		t.Fatalf("got %d SnapshotOfferMsg, want 1", len(offers))
	}
	m := offers[0].msg.(SnapshotOfferMsg)
	if m.UpToPhase != 4500 || string(m.SnapshotData) != "snap" {
		t.Fatalf("unexpected snapshot offer: %+v", m)
	}
}

func TestHandleStateTransfer_FastForwardsCurrentPhase(t *testing.T) {
	var decided []Decision
	e, _, _, _ := newUnitEngine(t, 1, testConfig(), func(d Decision) {
		decided = append(decided, d)
	})

	e.mu.Lock()
	e.syncing = true
	e.mu.Unlock()

	b, _ := NewBatch(Command("x"))
	msg := StateTransferMsg{Decisions: []Decision{
		{Phase: 1, IsNull: true},
		{Phase: 2, Batch: b},
	}}

	ctx := context.Background()
	e.handleStateTransfer(ctx, msg)

	if got := e.CurrentPhase(); got != 3 {
		t.Fatalf("CurrentPhase() = %d, want 3 after applying decisions for phases 1 and 2", got)
	}
	if e.StateNow() == Syncing {
		t.Fatalf("engine still reports Syncing after a state transfer completed")
	}
	if len(decided) != 2 {
		t.Fatalf("got %d onDecision callbacks, want 2", len(decided))
	}
}

func TestHandleStateTransfer_IgnoredWhenNotSyncing(t *testing.T) {
	e, _, _, _ := newUnitEngine(t, 1, testConfig(), nil)

	ctx := context.Background()
	e.handleStateTransfer(ctx, StateTransferMsg{Decisions: []Decision{{Phase: 1, IsNull: true}}})

	if got := e.CurrentPhase(); got != 1 {
		t.Fatalf("CurrentPhase() = %d, want 1: an unsolicited state transfer must be ignored", got)
	}
}

type fakeSnapshotSink struct {
	restored  bool
	data      []byte
	upToPhase Phase
}

func (f *fakeSnapshotSink) RestoreSnapshot(data []byte, upToPhase Phase) error {
	f.restored = true
	f.data = data
	f.upToPhase = upToPhase
	return nil
}

func TestHandleSnapshotOffer_RestoresAndFastForwards(t *testing.T) {
	e, _, _, _ := newUnitEngine(t, 1, testConfig(), nil)

	sink := &fakeSnapshotSink{}
	e.SetSnapshotSink(sink)
	e.mu.Lock()
	e.syncing = true
	e.mu.Unlock()

	ctx := context.Background()
	e.handleSnapshotOffer(ctx, SnapshotOfferMsg{SnapshotData: []byte("snap"), UpToPhase: 99})

	if !sink.restored || sink.upToPhase != 99 {
		t.Fatalf("snapshot sink not invoked as expected: %+v", sink)
	}
	if got := e.CurrentPhase(); got != 100 {
		t.Fatalf("CurrentPhase() = %d, want 100 after restoring a snapshot up to phase 99", got)
	}
}

func TestRequestSync_SuppressesConcurrentRequests(t *testing.T) {
	e, _, peers, net := newUnitEngine(t, 2, testConfig(), nil)

	ctx := context.Background()
	e.requestSync(ctx, peers[0])
	e.requestSync(ctx, peers[1]) // already syncing, should be a no-op

	reqs := 0
	net.mu.Lock()
	for _, m := range net.sent {
		if _, ok := m.msg.(SyncRequestMsg); ok {
			reqs++
		}
	}
	net.mu.Unlock()
	if reqs != 1 {
		t.Fatalf("got %d SyncRequestMsg sends, want 1: a second concurrent request must be suppressed", reqs)
	}
}
