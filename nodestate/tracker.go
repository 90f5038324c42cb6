// Package nodestate tracks per-peer connection health with exponential
// backoff, per spec §4.C.
package nodestate

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Health is one peer's connection state.
type Health int

const (
	Healthy Health = iota
	Suspected
	Disabled
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspected:
		return "suspected"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Config holds the backoff parameters of spec §4.C.
type Config struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxFailedAttempts int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		MaxFailedAttempts: 10,
	}
}

type peerState struct {
	health          Health
	failedAttempts  int
	lastAttempt     time.Time
	nextAttemptAfter time.Time // zero value means "no backoff pending"
}

// Tracker is a fine-grained-locked map of peer health, safe for concurrent
// use from the network layer's reader/writer goroutines.
type Tracker struct {
	cfg Config

	mu    sync.RWMutex
	peers map[uuid.UUID]*peerState

	onChangeMu sync.RWMutex
	onChange   func(id uuid.UUID, health Health)
}

// New creates a Tracker that will track health for the given initial peer
// set, all starting Healthy (spec §3: "A Node is created at engine start with
// health Healthy").
func New(cfg Config, peers []uuid.UUID) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		peers: make(map[uuid.UUID]*peerState, len(peers)),
	}
	for _, p := range peers {
		t.peers[p] = &peerState{health: Healthy}
	}
	return t
}

// SetOnHealthChange registers cb to be called, outside of any internal lock,
// every time a peer's health actually changes. Used by the leader package to
// recompute leadership on the health transitions named in spec §4.J.
func (t *Tracker) SetOnHealthChange(cb func(id uuid.UUID, health Health)) {
	t.onChangeMu.Lock()
	t.onChange = cb
	t.onChangeMu.Unlock()
}

func (t *Tracker) fireChange(id uuid.UUID, health Health) {
	t.onChangeMu.RLock()
	cb := t.onChange
	t.onChangeMu.RUnlock()
	if cb != nil {
		cb(id, health)
	}
}

func (t *Tracker) stateFor(id uuid.UUID) *peerState {
	s, ok := t.peers[id]
	if !ok {
		s = &peerState{health: Healthy}
		t.peers[id] = s
	}
	return s
}

// OnSuccess records a successful contact: the peer becomes Healthy with a
// clean slate.
func (t *Tracker) OnSuccess(id uuid.UUID, now time.Time) {
	t.mu.Lock()
	s := t.stateFor(id)
	changed := s.health != Healthy
	s.health = Healthy
	s.failedAttempts = 0
	s.lastAttempt = now
	s.nextAttemptAfter = time.Time{}
	t.mu.Unlock()

	if changed {
		t.fireChange(id, Healthy)
	}
}

// OnFailure records a failed contact attempt and advances the backoff state
// machine of spec §4.C.
func (t *Tracker) OnFailure(id uuid.UUID, now time.Time) {
	t.mu.Lock()
	s := t.stateFor(id)
	before := s.health
	s.lastAttempt = now

	switch s.health {
	case Healthy:
		s.health = Suspected
		s.failedAttempts = 1
		s.nextAttemptAfter = now.Add(t.cfg.InitialBackoff)
	case Suspected:
		if s.failedAttempts < t.cfg.MaxFailedAttempts {
			s.failedAttempts++
			backoff := t.cfg.InitialBackoff * time.Duration(1<<uint(s.failedAttempts-1))
			if backoff > t.cfg.MaxBackoff || backoff <= 0 {
				backoff = t.cfg.MaxBackoff
			}
			s.nextAttemptAfter = now.Add(backoff)
		} else {
			s.health = Disabled
			s.nextAttemptAfter = time.Time{}
		}
	case Disabled:
		// already terminal; a failure changes nothing further.
	}
	after := s.health
	t.mu.Unlock()

	if after != before {
		t.fireChange(id, after)
	}
}

// Reenable explicitly forces a peer back to Healthy, e.g. after an operator
// intervention or a successful out-of-band handshake.
func (t *Tracker) Reenable(id uuid.UUID) {
	t.mu.Lock()
	s := t.stateFor(id)
	changed := s.health != Healthy
	s.health = Healthy
	s.failedAttempts = 0
	s.nextAttemptAfter = time.Time{}
	t.mu.Unlock()

	if changed {
		t.fireChange(id, Healthy)
	}
}

// CanAttempt reports whether a connection attempt to id should be made now.
func (t *Tracker) CanAttempt(id uuid.UUID, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.peers[id]
	if !ok {
		return true
	}
	switch s.health {
	case Healthy:
		return true
	case Suspected:
		return !now.Before(s.nextAttemptAfter)
	default: // Disabled
		return false
	}
}

// IsActive reports whether id is Healthy or Suspected (spec's "active peer").
func (t *Tracker) IsActive(id uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.peers[id]
	if !ok {
		return true
	}
	return s.health == Healthy || s.health == Suspected
}

// HealthOf returns the current health of id.
func (t *Tracker) HealthOf(id uuid.UUID) Health {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.peers[id]
	if !ok {
		return Healthy
	}
	return s.health
}

// ActivePeers returns every tracked peer currently Healthy or Suspected, in
// deterministic NodeId order — used to build the sync-retry cycle of §4.H.
func (t *Tracker) ActivePeers() []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make([]uuid.UUID, 0, len(t.peers))
	for id, s := range t.peers {
		if s.health == Healthy || s.health == Suspected {
			active = append(active, id)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return bytes.Compare(active[i][:], active[j][:]) < 0
	})
	return active
}
