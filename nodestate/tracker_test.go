package nodestate_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quorumkv/rabia/nodestate"
)

func TestOnFailure_BackoffDoublesUntilSaturation(t *testing.T) {
	peer := uuid.New()
	cfg := nodestate.Config{InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, MaxFailedAttempts: 10}
	tr := nodestate.New(cfg, []uuid.UUID{peer})

	now := time.Now()
	tr.OnFailure(peer, now) // Healthy -> Suspected, attempt 1, backoff 1s
	require.Equal(t, nodestate.Suspected, tr.HealthOf(peer))

	prev := time.Second
	for i := 0; i < 6; i++ {
		now = now.Add(time.Millisecond)
		tr.OnFailure(peer, now)
		require.Equal(t, nodestate.Suspected, tr.HealthOf(peer))
		want := prev * 2
		if want > cfg.MaxBackoff {
			want = cfg.MaxBackoff
		}
		prev = want
		require.False(t, tr.CanAttempt(peer, now.Add(want-time.Millisecond)))
		require.True(t, tr.CanAttempt(peer, now.Add(want)))
	}
	// eventually saturates at MaxBackoff and stays there
	require.False(t, tr.CanAttempt(peer, now))
	require.True(t, tr.CanAttempt(peer, now.Add(cfg.MaxBackoff+time.Second)))
}

func TestOnFailure_DisabledAfterMaxAttempts(t *testing.T) {
	peer := uuid.New()
	cfg := nodestate.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Second, MaxFailedAttempts: 3}
	tr := nodestate.New(cfg, []uuid.UUID{peer})

	now := time.Now()
	tr.OnFailure(peer, now) // 1
	tr.OnFailure(peer, now) // 2
	tr.OnFailure(peer, now) // 3 -> at max, still suspected until next failure
	require.Equal(t, nodestate.Suspected, tr.HealthOf(peer))
	tr.OnFailure(peer, now) // exceeds max -> disabled
	require.Equal(t, nodestate.Disabled, tr.HealthOf(peer))
	require.False(t, tr.IsActive(peer))
	require.False(t, tr.CanAttempt(peer, now.Add(time.Hour)))
}

func TestOnSuccess_ResetsToHealthy(t *testing.T) {
	peer := uuid.New()
	tr := nodestate.New(nodestate.DefaultConfig(), []uuid.UUID{peer})
	now := time.Now()
	tr.OnFailure(peer, now)
	require.Equal(t, nodestate.Suspected, tr.HealthOf(peer))
	tr.OnSuccess(peer, now)
	require.Equal(t, nodestate.Healthy, tr.HealthOf(peer))
	require.True(t, tr.CanAttempt(peer, now))
}

func TestReenable(t *testing.T) {
	peer := uuid.New()
	cfg := nodestate.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Second, MaxFailedAttempts: 1}
	tr := nodestate.New(cfg, []uuid.UUID{peer})
	now := time.Now()
	tr.OnFailure(peer, now)
	tr.OnFailure(peer, now)
	require.Equal(t, nodestate.Disabled, tr.HealthOf(peer))
	tr.Reenable(peer)
	require.Equal(t, nodestate.Healthy, tr.HealthOf(peer))
}

func TestSetOnHealthChange_FiresOnlyOnActualTransitions(t *testing.T) {
	peer := uuid.New()
	cfg := nodestate.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Second, MaxFailedAttempts: 5}
	tr := nodestate.New(cfg, []uuid.UUID{peer})

	var seen []nodestate.Health
	tr.SetOnHealthChange(func(id uuid.UUID, health nodestate.Health) {
		require.Equal(t, peer, id)
		seen = append(seen, health)
	})

	now := time.Now()
	tr.OnFailure(peer, now)                  // Healthy -> Suspected: fires
	tr.OnFailure(peer, now.Add(time.Second))  // still Suspected: no fire
	tr.OnSuccess(peer, now.Add(2*time.Second)) // Suspected -> Healthy: fires

	require.Equal(t, []nodestate.Health{nodestate.Suspected, nodestate.Healthy}, seen)
}

func TestActivePeers_ExcludesDisabledAndIsSorted(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	cfg := nodestate.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Second, MaxFailedAttempts: 1}
	tr := nodestate.New(cfg, []uuid.UUID{a, b, c})
	now := time.Now()
	tr.OnFailure(c, now)
	tr.OnFailure(c, now) // disable c

	active := tr.ActivePeers()
	require.Len(t, active, 2)
	require.NotContains(t, active, c)
	for i := 1; i < len(active); i++ {
		require.True(t, active[i-1].String() < active[i].String())
	}
}
