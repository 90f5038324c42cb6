package topology_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quorumkv/rabia/topology"
)

func TestNew_ThreeNodeQuorum(t *testing.T) {
	self := uuid.New()
	peers := []uuid.UUID{uuid.New(), uuid.New()}

	top, err := topology.New(self, peers)
	require.NoError(t, err)
	require.Equal(t, 3, top.ClusterSize())
	require.Equal(t, 2, top.QuorumSize())
	require.Equal(t, 2, top.FPlusOne())
	require.True(t, top.IsMember(self))
	require.True(t, top.IsMember(peers[0]))
	require.False(t, top.IsMember(uuid.New()))
}

func TestNew_RejectsSelfAsPeer(t *testing.T) {
	self := uuid.New()
	_, err := topology.New(self, []uuid.UUID{self})
	require.Error(t, err)
}

func TestNew_QuorumOverrideBelowMinimumRejected(t *testing.T) {
	self := uuid.New()
	peers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()} // N=4, min quorum 3
	_, err := topology.New(self, peers, topology.WithQuorumOverride(2))
	require.ErrorContains(t, err, "quorum override")
}

func TestNew_QuorumOverrideAccepted(t *testing.T) {
	self := uuid.New()
	peers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()} // N=4
	top, err := topology.New(self, peers, topology.WithQuorumOverride(4))
	require.NoError(t, err)
	require.Equal(t, 4, top.QuorumSize())
	require.Equal(t, 1, top.FPlusOne())
}

func TestQuorumArithmetic_Table(t *testing.T) {
	cases := []struct {
		n, wantQ, wantF int
	}{
		{1, 1, 1},
		{2, 2, 1},
		{3, 2, 2},
		{4, 3, 2},
		{5, 3, 3},
		{7, 4, 4},
	}
	for _, tc := range cases {
		peers := make([]uuid.UUID, tc.n-1)
		for i := range peers {
			peers[i] = uuid.New()
		}
		top, err := topology.New(uuid.New(), peers)
		require.NoError(t, err)
		require.Equalf(t, tc.wantQ, top.QuorumSize(), "n=%d", tc.n)
		require.Equalf(t, tc.wantF, top.FPlusOne(), "n=%d", tc.n)
	}
}
