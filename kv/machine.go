package kv

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quorumkv/rabia/statemachine"
	"github.com/quorumkv/rabia/wire"
)

var _ statemachine.StateMachine = (*Machine)(nil)

// Machine is the concrete statemachine.StateMachine of spec component G: an
// in-memory structured-key store.
type Machine struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys map[string]StructuredKey // joined key -> original segments, for Find

	obsMu     sync.Mutex
	observers []func(Notification)
}

// New returns an empty Machine.
func New() *Machine {
	return &Machine{
		data: make(map[string][]byte),
		keys: make(map[string]StructuredKey),
	}
}

// ObserveStateChanges registers cb to receive every Notification Process and
// RestoreSnapshot emit, in emission order. cb's argument is always one of
// ValuePut, ValueGet, or ValueRemove; callers type-switch or use kv.Matches.
func (m *Machine) ObserveStateChanges(cb func(statemachine.Notification)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, func(n Notification) { cb(n) })
}

func (m *Machine) notify(n Notification) {
	m.obsMu.Lock()
	obs := make([]func(Notification), len(m.observers))
	copy(obs, m.observers)
	m.obsMu.Unlock()

	for _, cb := range obs {
		cb(n)
	}
}

// Process decodes command and applies it, per spec §4.G.
func (m *Machine) Process(command []byte) ([]byte, error) {
	decoded, err := registry.Decode(command)
	if err != nil {
		return nil, fmt.Errorf("kv: decoding command: %w", err)
	}

	switch c := decoded.(type) {
	case *PutCommand:
		return m.applyPut(*c)
	case *GetCommand:
		return m.applyGet(*c)
	case *RemoveCommand:
		return m.applyRemove(*c)
	default:
		return nil, fmt.Errorf("kv: unrecognized decoded command type %T", decoded)
	}
}

func (m *Machine) applyPut(c PutCommand) ([]byte, error) {
	joined := joinKey(c.Key)

	m.mu.Lock()
	prior, hadPrior := m.data[joined]
	m.data[joined] = c.Value
	m.keys[joined] = c.Key
	m.mu.Unlock()

	m.notify(ValuePut{Key: c.Key, Value: c.Value, Prior: prior, HadPrior: hadPrior})
	return c.Value, nil
}

func (m *Machine) applyGet(c GetCommand) ([]byte, error) {
	joined := joinKey(c.Key)

	m.mu.RLock()
	value, found := m.data[joined]
	m.mu.RUnlock()

	m.notify(ValueGet{Key: c.Key, Value: value, Found: found})
	if !found {
		return nil, nil
	}
	return value, nil
}

func (m *Machine) applyRemove(c RemoveCommand) ([]byte, error) {
	joined := joinKey(c.Key)

	m.mu.Lock()
	prior, hadPrior := m.data[joined]
	if hadPrior {
		delete(m.data, joined)
		delete(m.keys, joined)
	}
	m.mu.Unlock()

	m.notify(ValueRemove{Key: c.Key, Prior: prior, HadPrior: hadPrior})
	return prior, nil
}

// Find returns every entry whose key satisfies pattern. It is local-only
// (spec §4.G: "Find does not traverse consensus") and reflects this node's
// state at call time, which may lag other nodes'.
func (m *Machine) Find(pattern StructuredPattern) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for joined, key := range m.keys {
		if pattern.Matches(key) {
			out = append(out, Entry{Key: key, Value: append([]byte(nil), m.data[joined]...)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return joinKey(out[i].Key) < joinKey(out[j].Key)
	})
	return out
}

// snapshotEntry and snapshotPayload are the wire shape of MakeSnapshot's
// output: a flat, ordered list of key/value pairs. A flat map is sufficient
// here since nothing in this spec requires Merkle inclusion proofs over the
// state, unlike the teacher's unit tree.
type snapshotEntry struct {
	_     struct{} `cbor:",toarray"`
	Key   StructuredKey
	Value []byte
}

type snapshotPayload struct {
	_       struct{} `cbor:",toarray"`
	Entries []snapshotEntry
}

// MakeSnapshot serializes the entire current state, in deterministic key
// order so that two nodes with identical state produce byte-identical
// snapshots.
func (m *Machine) MakeSnapshot() ([]byte, error) {
	m.mu.RLock()
	entries := make([]snapshotEntry, 0, len(m.keys))
	for joined, key := range m.keys {
		entries = append(entries, snapshotEntry{Key: key, Value: m.data[joined]})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return joinKey(entries[i].Key) < joinKey(entries[j].Key)
	})

	data, err := wire.Marshal(snapshotPayload{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("kv: marshaling snapshot: %w", err)
	}
	return data, nil
}

// RestoreSnapshot atomically replaces all state with data's contents,
// emitting removal notifications for the prior contents followed by put
// notifications for the restored contents (spec §4.F).
func (m *Machine) RestoreSnapshot(data []byte) error {
	var payload snapshotPayload
	if err := wire.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("kv: unmarshaling snapshot: %w", err)
	}

	m.mu.Lock()
	prior := m.keys
	priorData := m.data
	m.data = make(map[string][]byte, len(payload.Entries))
	m.keys = make(map[string]StructuredKey, len(payload.Entries))
	for _, e := range payload.Entries {
		joined := joinKey(e.Key)
		m.data[joined] = e.Value
		m.keys[joined] = e.Key
	}
	m.mu.Unlock()

	for joined, key := range prior {
		m.notify(ValueRemove{Key: key, Prior: priorData[joined], HadPrior: true})
	}
	for _, e := range payload.Entries {
		m.notify(ValuePut{Key: e.Key, Value: e.Value, HadPrior: false})
	}
	return nil
}

// Reset restores the Machine to its initial, empty state.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	m.keys = make(map[string]StructuredKey)
}
