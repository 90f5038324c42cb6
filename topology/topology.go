// Package topology exposes the constant-time cluster-size arithmetic that every
// other component derives its majority thresholds from.
package topology

import (
	"fmt"

	"github.com/google/uuid"
)

// Topology describes the static membership of one cluster: the local node's
// identity plus every peer's identity. Membership is fixed for the lifetime of
// a Topology value; reconfiguration means constructing a new one.
type Topology struct {
	self      uuid.UUID
	peers     []uuid.UUID // does not include self
	quorum    int
	fPlusOne  int
	clusterSz int
}

// Option customizes Topology construction.
type Option func(*options)

type options struct {
	quorumOverride *int
}

// WithQuorumOverride overrides the default quorum size of floor(N/2)+1. The
// override must still satisfy quorum >= N/2+1 or New returns an error.
func WithQuorumOverride(q int) Option {
	return func(o *options) { o.quorumOverride = &q }
}

// New builds a Topology for self among peers (self must not appear in peers).
// clusterSize is derived as len(peers)+1.
func New(self uuid.UUID, peers []uuid.UUID, opts ...Option) (*Topology, error) {
	for _, p := range peers {
		if p == self {
			return nil, fmt.Errorf("topology: self %s listed as a peer", self)
		}
	}

	o := &options{}
	for _, apply := range opts {
		apply(o)
	}

	n := len(peers) + 1
	if n < 1 {
		return nil, fmt.Errorf("topology: cluster size must be at least 1, got %d", n)
	}

	quorum := n/2 + 1
	if o.quorumOverride != nil {
		if *o.quorumOverride < n/2+1 {
			return nil, fmt.Errorf("topology: quorum override %d is below the minimum %d for cluster size %d", *o.quorumOverride, n/2+1, n)
		}
		quorum = *o.quorumOverride
	}

	cp := make([]uuid.UUID, len(peers))
	copy(cp, peers)

	return &Topology{
		self:      self,
		peers:     cp,
		quorum:    quorum,
		fPlusOne:  n - quorum + 1,
		clusterSz: n,
	}, nil
}

// Self returns the local node's identity.
func (t *Topology) Self() uuid.UUID { return t.self }

// Peers returns the peer set, excluding self. The returned slice must not be
// mutated by callers.
func (t *Topology) Peers() []uuid.UUID { return t.peers }

// ClusterSize returns N, the total member count including self.
func (t *Topology) ClusterSize() int { return t.clusterSz }

// QuorumSize returns Q = floor(N/2)+1, or the configured override.
func (t *Topology) QuorumSize() int { return t.quorum }

// FPlusOne returns N - Q + 1, the round-2 decision threshold.
func (t *Topology) FPlusOne() int { return t.fPlusOne }

// IsMember reports whether id is self or one of the configured peers.
func (t *Topology) IsMember(id uuid.UUID) bool {
	if id == t.self {
		return true
	}
	for _, p := range t.peers {
		if p == id {
			return true
		}
	}
	return false
}
