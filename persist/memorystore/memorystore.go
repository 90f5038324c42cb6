// Package memorystore is the in-memory reference implementation of
// persist.Store, matching spec §4.H's "the reference implementation is
// in-memory."
package memorystore

import (
	"sort"
	"sync"

	"github.com/quorumkv/rabia/persist"
	"github.com/quorumkv/rabia/rabia"
)

var _ persist.Store = (*Store)(nil)

// Store keeps every decision and the latest snapshot in process memory.
// Nothing survives a restart; it exists for tests and for deployments that
// accept losing state on crash.
type Store struct {
	mu sync.Mutex

	decisions map[rabia.Phase]rabia.Decision

	hasSnapshot  bool
	snapshot     []byte
	snapshotUpTo rabia.Phase
}

// New returns an empty Store.
func New() *Store {
	return &Store{decisions: make(map[rabia.Phase]rabia.Decision)}
}

func (s *Store) PersistDecision(phase rabia.Phase, d rabia.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[phase] = d
	return nil
}

func (s *Store) LoadDecisions() ([]rabia.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	phases := make([]rabia.Phase, 0, len(s.decisions))
	for p := range s.decisions {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })

	out := make([]rabia.Decision, len(phases))
	for i, p := range phases {
		out[i] = s.decisions[p]
	}
	return out, nil
}

func (s *Store) PersistSnapshot(upToPhase rabia.Phase, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasSnapshot = true
	s.snapshotUpTo = upToPhase
	s.snapshot = append([]byte(nil), data...)
	return nil
}

func (s *Store) LoadSnapshot() ([]byte, rabia.Phase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSnapshot {
		return nil, 0, false, nil
	}
	return append([]byte(nil), s.snapshot...), s.snapshotUpTo, true, nil
}

func (s *Store) PruneBefore(floor rabia.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.decisions {
		if p < floor {
			delete(s.decisions, p)
		}
	}
	return nil
}
