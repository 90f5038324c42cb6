// Package statemachine defines the deterministic command-application
// contract the Replication Driver drives, per spec component F.
package statemachine

// Notification is an opaque change event emitted by a StateMachine after
// processing a command. Concrete state machines (e.g. kv.Machine) define
// their own notification types; subscribers type-switch on them.
type Notification = any

// StateMachine is the contract every concrete replicated state machine
// satisfies. Process must be deterministic: given the same command sequence
// from the initial state, every node's StateMachine produces identical
// outputs and identical notifications.
type StateMachine interface {
	// Process applies command and returns its output. Called by the
	// Replication Driver once per decided, non-null batch entry, in decision
	// order, from a single goroutine.
	Process(command []byte) (output []byte, err error)

	// MakeSnapshot serializes the entire current state. The Driver calls it
	// from its own apply loop and, through CurrentSnapshot, from the
	// engine's goroutine, so it can run concurrently with Process.
	MakeSnapshot() ([]byte, error)

	// RestoreSnapshot atomically replaces all state with data's contents. It
	// must emit a removal notification for everything the prior state held,
	// followed by a put notification for everything the snapshot restores.
	RestoreSnapshot(data []byte) error

	// Reset restores the state machine to its initial, empty state.
	Reset()

	// ObserveStateChanges registers cb to receive every notification Process
	// and RestoreSnapshot emit, in emission order. Multiple observers may be
	// registered; each receives every notification.
	ObserveStateChanges(cb func(Notification))
}
