// Package persist defines the crash-recovery persistence contract of spec
// §4.H/§6: commit a decision before applying it, and reload the decision
// stream (and latest snapshot) on restart.
package persist

import "github.com/quorumkv/rabia/rabia"

// Store is the minimum persistence contract the rabia.Engine and the
// Replication Driver need. Concrete implementations live in persist/memorystore
// (in-memory reference) and persist/pebblestore (durable, cockroachdb/pebble-backed).
type Store interface {
	// PersistDecision commits phase's decision durably before the engine
	// applies it. A returned error is fatal to the engine task (spec §7).
	PersistDecision(phase rabia.Phase, d rabia.Decision) error

	// LoadDecisions replays every decision still retained, in phase order,
	// so the engine can fast-forward currentPhase on restart.
	LoadDecisions() ([]rabia.Decision, error)

	// PersistSnapshot records the Replication Driver's latest state-machine
	// snapshot, replacing any prior one.
	PersistSnapshot(upToPhase rabia.Phase, data []byte) error

	// LoadSnapshot returns the most recently persisted snapshot, if any.
	LoadSnapshot() (data []byte, upToPhase rabia.Phase, ok bool, err error)

	// PruneBefore discards persisted decisions older than floor, called
	// after a successful snapshot (spec §4.I).
	PruneBefore(floor rabia.Phase) error
}
