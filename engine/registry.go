package engine

import (
	"github.com/quorumkv/rabia/rabia"
	"github.com/quorumkv/rabia/wire"
)

// protocol message tags for the wire registry every clusternet.Net shares.
// kv's own command tags (kv.go) live in a separate registry namespace since
// commands never cross the wire directly — only the Batch that wraps them
// inside a ProposeMsg does.
const (
	tagPropose uint16 = iota + 1
	tagR1
	tagR2
	tagSyncRequest
	tagStateTransfer
	tagSnapshotOffer
	tagHeartbeat
)

// BuildRegistry returns a wire.Registry with every rabia protocol message
// type registered, ready to hand to clusternet.Config.Registry.
func BuildRegistry() *wire.Registry {
	r := wire.NewRegistry()
	r.Register(tagPropose, rabia.ProposeMsg{})
	r.Register(tagR1, rabia.R1Msg{})
	r.Register(tagR2, rabia.R2Msg{})
	r.Register(tagSyncRequest, rabia.SyncRequestMsg{})
	r.Register(tagStateTransfer, rabia.StateTransferMsg{})
	r.Register(tagSnapshotOffer, rabia.SnapshotOfferMsg{})
	r.Register(tagHeartbeat, rabia.HeartbeatMsg{})
	return r
}
