package fib_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonnet/openr/fib"
	"github.com/commonnet/openr/ipaddr"
	"github.com/commonnet/openr/route"
	"github.com/commonnet/openr/transport"
	"github.com/commonnet/openr/transport/transporttest"
)

func mustUnicast(t *testing.T, dst string, gw string, ifIndex int32) route.Route {
	t.Helper()
	nhb := route.NewNextHopBuilder().SetIfIndex(ifIndex)
	if gw != "" {
		nhb.SetGateway(ipaddr.FromString(gw))
	}
	nh, err := nhb.Build()
	require.NoError(t, err)
	r, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP(dst)).
		AddNextHop(nh).
		Build()
	require.NoError(t, err)
	return r
}

// S1: Unicast add/replace v4.
func TestUnicastAddReplaceV4(t *testing.T) {
	ft := transporttest.New()
	a := fib.New(ft)
	defer a.Close()
	ctx := context.Background()

	r1 := mustUnicast(t, "10.0.0.0/24", "10.0.0.1", 2)
	require.NoError(t, a.AddRoute(ctx, r1))
	assert.Equal(t, 1, a.GetRouteCount())
	assert.Len(t, ft.RoutesAdded, 1)

	// Re-add identical route: no-op, no new transport call.
	require.NoError(t, a.AddRoute(ctx, r1))
	assert.Equal(t, 1, a.GetRouteCount())
	assert.Len(t, ft.RoutesAdded, 1)

	// Re-add with a different nexthop: one more replace-add, no delete
	// (v4 doesn't need the pre-delete dance).
	r2 := mustUnicast(t, "10.0.0.0/24", "10.0.0.2", 2)
	require.NoError(t, a.AddRoute(ctx, r2))
	assert.Equal(t, 1, a.GetRouteCount())
	assert.Len(t, ft.RoutesAdded, 2)
	assert.Empty(t, ft.RoutesRemoved)
}

// S2: Unicast replace v6 issues a delete before the add.
func TestUnicastReplaceV6DeletesFirst(t *testing.T) {
	ft := transporttest.New()
	a := fib.New(ft)
	defer a.Close()
	ctx := context.Background()

	r1 := mustUnicast(t, "2001:db8::/64", "fe80::1", 3)
	require.NoError(t, a.AddRoute(ctx, r1))

	r2 := mustUnicast(t, "2001:db8::/64", "fe80::2", 3)
	require.NoError(t, a.AddRoute(ctx, r2))

	require.Len(t, ft.RoutesRemoved, 1)
	require.Len(t, ft.RoutesAdded, 2)
	assert.Equal(t, "DeleteRoute", ft.CallLog[len(ft.CallLog)-2])
	assert.Equal(t, "AddRoute(replace)", ft.CallLog[len(ft.CallLog)-1])
}

// S3: Sync unicast computes the minimal delete/add-replace set.
func TestSyncUnicastRoutes(t *testing.T) {
	ft := transporttest.New()
	a := fib.New(ft)
	defer a.Close()
	ctx := context.Background()

	rA := mustUnicast(t, "10.0.1.0/24", "10.0.0.1", 2)
	rB := mustUnicast(t, "10.0.2.0/24", "10.0.0.1", 2)
	rC := mustUnicast(t, "10.0.3.0/24", "10.0.0.1", 2)
	require.NoError(t, a.AddRoute(ctx, rA))
	require.NoError(t, a.AddRoute(ctx, rB))
	require.NoError(t, a.AddRoute(ctx, rC))

	rBPrime := mustUnicast(t, "10.0.2.0/24", "10.0.0.9", 2)
	rD := mustUnicast(t, "10.0.4.0/24", "10.0.0.1", 2)
	syncDB := map[string]route.Route{
		rBPrime.Destination().String(): rBPrime,
		rC.Destination().String():      rC,
		rD.Destination().String():      rD,
	}

	require.NoError(t, a.SyncUnicastRoutes(ctx, route.DefaultProtocolID, syncDB))
	assert.Equal(t, 3, a.GetRouteCount())
}

// S4: Address sync adds the new address before deleting the deprecated one.
func TestSyncIfAddressAddsBeforeDeletes(t *testing.T) {
	ft := transporttest.New()
	a := fib.New(ft)
	defer a.Close()
	ctx := context.Background()

	const ifIndex = 5
	old, err := route.NewIfAddressBuilder().
		SetIfIndex(ifIndex).
		SetPrefix(ipaddr.MustParseCIDROrIP("10.1.0.0/24")).
		Build()
	require.NoError(t, err)
	require.NoError(t, a.AddIfAddress(ctx, ifIndex, old))
	ft.CallLog = nil // reset log after seeding

	next, err := route.NewIfAddressBuilder().
		SetIfIndex(ifIndex).
		SetPrefix(ipaddr.MustParseCIDROrIP("10.2.0.0/24")).
		Build()
	require.NoError(t, err)

	require.NoError(t, a.SyncIfAddress(ctx, ifIndex, []route.IfAddress{next}, next.Family(), route.ScopeUniverse))

	require.GreaterOrEqual(t, len(ft.CallLog), 2)
	addIdx, delIdx := -1, -1
	for i, c := range ft.CallLog {
		if c == "AddAddress" && addIdx == -1 {
			addIdx = i
		}
		if c == "DeleteAddress" && delIdx == -1 {
			delIdx = i
		}
	}
	require.NotEqual(t, -1, addIdx)
	require.NotEqual(t, -1, delIdx)
	assert.Less(t, addIdx, delIdx, "add must be observed before delete")
}

// S5: a link-down notification purges neighbor cache entries for that link.
func TestLinkDownPurgesNeighbors(t *testing.T) {
	ft := transporttest.New()
	a := fib.New(ft)
	defer a.Close()
	ctx := context.Background()
	require.NoError(t, a.Run(ctx))

	ft.NotifyNeighbor(transport.NeighborNotification{
		Action: transport.ActionAdd,
		Neighbor: route.Neighbor{
			IfIndex:   5,
			IfName:    "if5",
			Dest:      ipaddr.FromString("10.0.0.9"),
			Reachable: true,
		},
	})
	ft.NotifyLink(transport.LinkNotification{
		Action: transport.ActionDelete,
		Link:   route.Link{Name: "if5", IfIndex: 5, IsUp: false},
	})

	// Notifications reach the loop through Run's forwarding goroutine, so
	// wait until the link notification has been applied. The neighbor
	// notification was posted before it, so by then both have been handled.
	require.Eventually(t, func() bool {
		_, err := a.GetIfIndex(ctx, "if5")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	idx, err := a.GetIfIndex(ctx, "if5")
	require.NoError(t, err)
	assert.Equal(t, 5, idx)

	neighbors, err := a.GetAllReachableNeighbors(ctx)
	require.NoError(t, err)
	assert.Empty(t, neighbors)
}

// S6: MPLS disabled means addMplsRoute is a silent success no-op.
func TestAddMplsRouteDisabledIsNoOp(t *testing.T) {
	ft := transporttest.New()
	ft.Caps.MPLS = false
	a := fib.New(ft)
	defer a.Close()
	ctx := context.Background()

	nh, err := route.NewNextHopBuilder().SetIfIndex(2).Build()
	require.NoError(t, err)
	r, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		SetMPLSLabel(1000).
		AddNextHop(nh).
		Build()
	require.NoError(t, err)

	require.NoError(t, a.AddMplsRoute(ctx, r))
	assert.Equal(t, 0, a.GetMplsRouteCount())
	assert.Empty(t, ft.RoutesAdded)
}

func TestAddRouteAcceptsBlackholeType(t *testing.T) {
	ft := transporttest.New()
	a := fib.New(ft)
	defer a.Close()

	// Blackhole routes validate the same way unicast does; construct one
	// indirectly to confirm the dispatch path rather than fabricating an
	// invalid Type value, which the route package's Builder won't allow.
	nh, err := route.NewNextHopBuilder().SetIfIndex(2).Build()
	require.NoError(t, err)
	r, err := route.NewBuilder().
		SetType(route.TypeBlackhole).
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		AddNextHop(nh).
		Build()
	require.NoError(t, err)
	assert.NoError(t, a.AddRoute(context.Background(), r))
}

func TestSubscribeEventRejectsRouteEventsWhenUnsupported(t *testing.T) {
	ft := transporttest.New()
	ft.Caps.RouteEvents = false
	a := fib.New(ft)
	defer a.Close()

	err := a.SubscribeEvent(transport.RouteEvent)
	assert.ErrorIs(t, err, transport.ErrRouteEventsUnsupported)
}
