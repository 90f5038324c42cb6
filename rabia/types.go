// Package rabia implements the per-node binary-agreement engine described in
// spec §4.H: an infinite sequence of phases, each resolving exactly one batch
// (or a null decision) via a two-round vote with a randomized coin step for
// liveness.
package rabia

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// NodeId is an opaque, totally ordered 128-bit identifier. A real
// github.com/google/uuid.UUID is used rather than a hand-rolled ID type: it
// is already exactly 128 bits and already totally ordered by byte comparison.
type NodeId = uuid.UUID

// Phase identifies one slot of the replicated log.
type Phase uint64

// Command is an application-defined, opaque payload. The engine never
// inspects a Command's contents; it only needs the Batch that contains it to
// be deterministically hashable.
type Command []byte

// BatchID is a content-addressable hash of a Batch's commands.
type BatchID [32]byte

func (id BatchID) String() string {
	return fmt.Sprintf("%x", id[:8])
}

// ErrEmptyBatch is returned when a caller attempts to build or submit a
// batch with zero commands (spec §3: "empty batches are rejected at
// submission").
var ErrEmptyBatch = errors.New("rabia: batch must contain at least one command")

// Batch is an ordered, non-empty list of commands proposed as one unit.
type Batch struct {
	ID       BatchID
	Commands []Command
}

// NewBatch builds a Batch from commands, computing its content-addressable
// ID. It rejects an empty command list per spec §3.
func NewBatch(commands ...Command) (Batch, error) {
	if len(commands) == 0 {
		return Batch{}, ErrEmptyBatch
	}
	cp := make([]Command, len(commands))
	copy(cp, commands)
	return Batch{ID: hashCommands(cp), Commands: cp}, nil
}

func hashCommands(commands []Command) BatchID {
	h := sha256.New()
	var lenBuf [8]byte
	for _, c := range commands {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(c)))
		h.Write(lenBuf[:])
		h.Write(c)
	}
	var id BatchID
	copy(id[:], h.Sum(nil))
	return id
}

// StateValue is the ternary protocol vote carried in both rounds of a phase.
type StateValue int

const (
	V0 StateValue = iota // reject
	V1                   // accept
	Q                    // undecided / query
)

func (v StateValue) String() string {
	switch v {
	case V0:
		return "V0"
	case V1:
		return "V1"
	case Q:
		return "Q"
	default:
		return "invalid"
	}
}

// Round identifies which of the two per-phase voting rounds a Vote belongs
// to.
type Round int

const (
	Round1 Round = 1
	Round2 Round = 2
)

// Proposal is a node's claim to have a batch for a given phase. At most one
// proposal per (Proposer, Phase) is honored by any given receiver.
type Proposal struct {
	Proposer NodeId
	Phase    Phase
	Batch    Batch
}

// Vote is one node's StateValue for one (Phase, Round). A node emits at most
// one vote per (Phase, Round); later attempts are protocol violations.
type Vote struct {
	Voter NodeId
	Phase Phase
	Round Round
	Value StateValue
}

// Decision is a committed outcome for a phase: either a Batch, or null
// (IsNull true, Batch zero value) meaning "no batch this phase, try again."
type Decision struct {
	Phase  Phase
	Batch  Batch
	IsNull bool
}
