package router_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumkv/rabia/router"
)

type msgA struct{ n int }
type msgB struct{ s string }
type msgC struct{}

func TestMutable_DispatchesInRegistrationOrder(t *testing.T) {
	r := router.NewMutable(nil)
	var order []int
	r.AddRoute(msgA{}, func(ctx context.Context, msg any) { order = append(order, 1) })
	r.AddRoute(msgA{}, func(ctx context.Context, msg any) { order = append(order, 2) })

	r.Route(context.Background(), msgA{n: 1})
	require.Equal(t, []int{1, 2}, order)
}

func TestMutable_UnregisteredTypeIsDroppedNotPanicked(t *testing.T) {
	r := router.NewMutable(nil)
	require.NotPanics(t, func() {
		r.Route(context.Background(), msgB{s: "x"})
	})
}

func TestMutable_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	r := router.NewMutable(nil)
	var ran int32
	r.AddRoute(msgA{}, func(ctx context.Context, msg any) { panic("boom") })
	r.AddRoute(msgA{}, func(ctx context.Context, msg any) { atomic.AddInt32(&ran, 1) })

	require.NotPanics(t, func() { r.Route(context.Background(), msgA{}) })
	require.Equal(t, int32(1), ran)
}

func TestMutable_RouteAsyncDelivers(t *testing.T) {
	r := router.NewMutable(nil)
	done := make(chan struct{})
	r.AddRoute(msgA{}, func(ctx context.Context, msg any) { close(done) })

	r.RouteAsync(context.Background(), func() any { return msgA{n: 7} })
	<-done
}

func TestImmutable_BuildFailsOnMissingVariant(t *testing.T) {
	b := router.NewBuilder(nil)
	b.Variants(msgA{}, msgB{}, msgC{})
	b.AddRoute(msgA{}, func(ctx context.Context, msg any) {})
	b.AddRoute(msgB{}, func(ctx context.Context, msg any) {})

	_, err := b.Build()
	require.ErrorContains(t, err, "msgC")
}

func TestImmutable_BuildSucceedsWhenExhaustive(t *testing.T) {
	b := router.NewBuilder(nil)
	b.Variants(msgA{}, msgB{})
	b.AddRoute(msgA{}, func(ctx context.Context, msg any) {})
	b.AddRoute(msgB{}, func(ctx context.Context, msg any) {})

	r, err := b.Build()
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestImmutable_RouteDispatchesAfterBuild(t *testing.T) {
	b := router.NewBuilder(nil)
	b.Variants(msgA{})
	var got int
	b.AddRoute(msgA{}, func(ctx context.Context, msg any) { got = msg.(msgA).n })
	r, err := b.Build()
	require.NoError(t, err)

	r.Route(context.Background(), msgA{n: 42})
	require.Equal(t, 42, got)
}
