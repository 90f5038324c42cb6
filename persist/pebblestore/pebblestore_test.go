package pebblestore

import (
	"testing"

	"github.com/quorumkv/rabia/rabia"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_LoadDecisionsReturnsPhaseOrder(t *testing.T) {
	s := openTestStore(t)

	for _, p := range []rabia.Phase{2, 0, 1} {
		if err := s.PersistDecision(p, rabia.Decision{Phase: p, IsNull: true}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LoadDecisions()
	if err != nil {
		t.Fatalf("LoadDecisions: %v", err)
	}
	if len(got) != 3 || got[0].Phase != 0 || got[1].Phase != 1 || got[2].Phase != 2 {
		t.Fatalf("LoadDecisions returned out of order: %+v", got)
	}
}

func TestStore_DecisionRoundTripPreservesBatch(t *testing.T) {
	s := openTestStore(t)

	batch, err := rabia.NewBatch(rabia.Command("cmd-a"), rabia.Command("cmd-b"))
	if err != nil {
		t.Fatal(err)
	}
	want := rabia.Decision{Phase: 7, IsNull: false, Batch: batch}
	if err := s.PersistDecision(7, want); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadDecisions()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadDecisions returned %d decisions, want 1", len(got))
	}
	if got[0].Phase != want.Phase || got[0].IsNull != want.IsNull {
		t.Fatalf("LoadDecisions = %+v, want %+v", got[0], want)
	}
	if got[0].Batch.ID != want.Batch.ID {
		t.Fatalf("Batch.ID = %x, want %x", got[0].Batch.ID, want.Batch.ID)
	}
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, _, ok, err := s.LoadSnapshot(); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatalf("expected no snapshot initially")
	}

	if err := s.PersistSnapshot(42, []byte("state")); err != nil {
		t.Fatal(err)
	}
	data, upTo, ok, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || upTo != 42 || string(data) != "state" {
		t.Fatalf("LoadSnapshot = (%q, %d, %v), want (\"state\", 42, true)", data, upTo, ok)
	}

	if err := s.PersistSnapshot(43, []byte("newer")); err != nil {
		t.Fatal(err)
	}
	data, upTo, ok, err = s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || upTo != 43 || string(data) != "newer" {
		t.Fatalf("second LoadSnapshot = (%q, %d, %v), want (\"newer\", 43, true)", data, upTo, ok)
	}
}

func TestStore_PruneBefore(t *testing.T) {
	s := openTestStore(t)

	for p := rabia.Phase(0); p < 5; p++ {
		if err := s.PersistDecision(p, rabia.Decision{Phase: p, IsNull: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PruneBefore(3); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadDecisions()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Phase != 3 || got[1].Phase != 4 {
		t.Fatalf("after PruneBefore(3), LoadDecisions = %+v, want phases [3 4]", got)
	}
}

func TestStore_PersistedStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.PersistDecision(5, rabia.Decision{Phase: 5, IsNull: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistSnapshot(5, []byte("snap-5")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	decisions, err := reopened.LoadDecisions()
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 1 || decisions[0].Phase != 5 {
		t.Fatalf("LoadDecisions after reopen = %+v, want phase 5", decisions)
	}

	data, upTo, ok, err := reopened.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || upTo != 5 || string(data) != "snap-5" {
		t.Fatalf("LoadSnapshot after reopen = (%q, %d, %v), want (\"snap-5\", 5, true)", data, upTo, ok)
	}
}
