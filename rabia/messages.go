package rabia

// Message types on the wire, per spec §4.H/§6. Every message carries its
// Sender; proposals and votes also carry the Phase, and a vote's round is
// given by its type (R1Msg or R2Msg) rather than by a field.

// ProposeMsg broadcasts a node's claim to have a batch for Phase.
type ProposeMsg struct {
	_      struct{} `cbor:",toarray"`
	Sender NodeId
	Phase  Phase
	Batch  Batch
}

// R1Msg is a round-1 vote.
type R1Msg struct {
	_      struct{} `cbor:",toarray"`
	Sender NodeId
	Phase  Phase
	Value  StateValue
}

// R2Msg is a round-2 vote.
type R2Msg struct {
	_      struct{} `cbor:",toarray"`
	Sender NodeId
	Phase  Phase
	Value  StateValue
}

// SyncRequestMsg asks Sender's recipient to help a lagging node catch up from
// FromPhase (exclusive) onward.
type SyncRequestMsg struct {
	_         struct{} `cbor:",toarray"`
	Sender    NodeId
	FromPhase Phase
}

// StateTransferMsg carries a contiguous run of decisions for a lagging node
// to replay, when the requested range is still within the retention window.
type StateTransferMsg struct {
	_         struct{} `cbor:",toarray"`
	Sender    NodeId
	Decisions []Decision
}

// SnapshotOfferMsg carries a full state machine snapshot for a lagging node
// whose requested range has already been pruned.
type SnapshotOfferMsg struct {
	_            struct{} `cbor:",toarray"`
	Sender       NodeId
	SnapshotData []byte
	UpToPhase    Phase
}

// HeartbeatMsg is an optional liveness probe, emitted every heartbeat
// interval.
type HeartbeatMsg struct {
	_      struct{} `cbor:",toarray"`
	Sender NodeId
}
