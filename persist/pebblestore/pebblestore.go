// Package pebblestore is a durable persist.Store backed by
// github.com/cockroachdb/pebble, for deployments that need decisions and
// snapshots to survive a restart (spec §4.H: "the reference implementation
// is in-memory, but the interface is the minimum needed for crash
// recovery").
package pebblestore

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/quorumkv/rabia/persist"
	"github.com/quorumkv/rabia/rabia"
	"github.com/quorumkv/rabia/wire"
)

var _ persist.Store = (*Store)(nil)

const (
	decisionPrefix = "d/"
	snapshotKey    = "snap"
)

// Store wraps one pebble.DB instance. A Store is not safe to share across
// processes; it is meant for one rabia.Engine's exclusive use.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if necessary) a pebble database rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: opening %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func decisionKey(phase rabia.Phase) []byte {
	key := make([]byte, len(decisionPrefix)+8)
	copy(key, decisionPrefix)
	binary.BigEndian.PutUint64(key[len(decisionPrefix):], uint64(phase))
	return key
}

// PersistDecision commits d durably, fsyncing before returning (spec §7: a
// failed persist must never be silently lost).
func (s *Store) PersistDecision(phase rabia.Phase, d rabia.Decision) error {
	data, err := wire.Marshal(d)
	if err != nil {
		return fmt.Errorf("pebblestore: marshaling decision at phase %d: %w", phase, err)
	}
	if err := s.db.Set(decisionKey(phase), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: persisting decision at phase %d: %w", phase, err)
	}
	return nil
}

// LoadDecisions replays every retained decision in phase order.
func (s *Store) LoadDecisions() ([]rabia.Decision, error) {
	lower := []byte(decisionPrefix)
	upper := prefixUpperBound(lower)

	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: iterating decisions: %w", err)
	}
	defer it.Close()

	var out []rabia.Decision
	for it.First(); it.Valid(); it.Next() {
		var d rabia.Decision
		if err := wire.Unmarshal(it.Value(), &d); err != nil {
			return nil, fmt.Errorf("pebblestore: unmarshaling decision at key %x: %w", it.Key(), err)
		}
		out = append(out, d)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: iterator error: %w", err)
	}
	return out, nil
}

type snapshotRecord struct {
	_         struct{} `cbor:",toarray"`
	UpToPhase rabia.Phase
	Data      []byte
}

// PersistSnapshot replaces the stored snapshot with data, valid through
// upToPhase.
func (s *Store) PersistSnapshot(upToPhase rabia.Phase, data []byte) error {
	encoded, err := wire.Marshal(snapshotRecord{UpToPhase: upToPhase, Data: data})
	if err != nil {
		return fmt.Errorf("pebblestore: marshaling snapshot: %w", err)
	}
	if err := s.db.Set([]byte(snapshotKey), encoded, pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: persisting snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the most recently persisted snapshot, if any.
func (s *Store) LoadSnapshot() ([]byte, rabia.Phase, bool, error) {
	value, closer, err := s.db.Get([]byte(snapshotKey))
	if err == pebble.ErrNotFound {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("pebblestore: loading snapshot: %w", err)
	}
	defer closer.Close()

	var rec snapshotRecord
	if err := wire.Unmarshal(value, &rec); err != nil {
		return nil, 0, false, fmt.Errorf("pebblestore: unmarshaling snapshot: %w", err)
	}
	return rec.Data, rec.UpToPhase, true, nil
}

// PruneBefore deletes every persisted decision older than floor.
func (s *Store) PruneBefore(floor rabia.Phase) error {
	lower := []byte(decisionPrefix)
	upper := decisionKey(floor)
	if err := s.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: pruning decisions before phase %d: %w", floor, err)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key sharing
// prefix, regardless of what follows it, for use as an IterOptions.UpperBound.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
