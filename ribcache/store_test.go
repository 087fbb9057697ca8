package ribcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonnet/openr/ipaddr"
	"github.com/commonnet/openr/ribcache"
	"github.com/commonnet/openr/route"
)

func mustRoute(t *testing.T, dst string, ifIndex int32) route.Route {
	t.Helper()
	nh, err := route.NewNextHopBuilder().SetIfIndex(ifIndex).Build()
	require.NoError(t, err)
	r, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP(dst)).
		AddNextHop(nh).
		Build()
	require.NoError(t, err)
	return r
}

func TestUnicastRoundTrip(t *testing.T) {
	s := ribcache.New()
	r := mustRoute(t, "10.0.0.0/24", 2)
	s.UnicastPut(99, r)

	got, ok := s.UnicastGet(99, r.Destination())
	require.True(t, ok)
	assert.True(t, got.Equal(r))

	s.UnicastDelete(99, r.Destination())
	_, ok = s.UnicastGet(99, r.Destination())
	assert.False(t, ok)
}

func TestTotalUnicastCountSumsAcrossProtocols(t *testing.T) {
	s := ribcache.New()
	s.UnicastPut(99, mustRoute(t, "10.0.0.0/24", 2))
	s.UnicastPut(100, mustRoute(t, "10.0.1.0/24", 2))
	assert.Equal(t, 2, s.TotalUnicastCount())
}

func TestTotalMPLSCountSumsAcrossProtocols(t *testing.T) {
	s := ribcache.New()
	r := mustRoute(t, "10.0.0.0/24", 2)
	s.MPLSPut(99, 100, r)
	s.MPLSPut(100, 200, r)
	assert.Equal(t, 2, s.TotalMPLSCount())
}

func TestLinkRouteSwapReplacesPartitionWholesale(t *testing.T) {
	s := ribcache.New()
	old := mustRoute(t, "10.0.0.0/24", 2)
	s.LinkRoutePut(99, old.Destination(), "eth0", old)

	next := mustRoute(t, "10.0.1.0/24", 3)
	s.LinkRouteSwap(99, map[string]route.Route{next.Destination().String(): next})

	_, ok := s.LinkRouteGet(99, old.Destination(), "eth0")
	assert.False(t, ok, "old entry must be gone after swap")

	got, ok := s.LinkRouteGet(99, next.Destination(), next.RouteIfName())
	require.True(t, ok)
	assert.True(t, got.Equal(next))
}

func TestUpsertLinkTracksLoopback(t *testing.T) {
	s := ribcache.New()
	s.UpsertLink(route.Link{Name: "lo", IfIndex: 1, IsUp: true, IsLoopback: true})
	assert.Equal(t, 1, s.LoopbackIfIndex())
}

func TestRemoveNeighborsOnLinkPurgesOnlyThatLink(t *testing.T) {
	s := ribcache.New()
	s.UpsertNeighbor(route.Neighbor{IfName: "eth0", Dest: ipaddr.FromString("10.0.0.1"), Reachable: true})
	s.UpsertNeighbor(route.Neighbor{IfName: "eth1", Dest: ipaddr.FromString("10.0.0.2"), Reachable: true})

	s.RemoveNeighborsOnLink("eth0")

	_, ok := s.Neighbor("eth0", ipaddr.FromString("10.0.0.1"))
	assert.False(t, ok)
	_, ok = s.Neighbor("eth1", ipaddr.FromString("10.0.0.2"))
	assert.True(t, ok)
}

func TestUpsertNeighborUnreachableDeletes(t *testing.T) {
	s := ribcache.New()
	dest := ipaddr.FromString("10.0.0.1")
	s.UpsertNeighbor(route.Neighbor{IfName: "eth0", Dest: dest, Reachable: true})
	s.UpsertNeighbor(route.Neighbor{IfName: "eth0", Dest: dest, Reachable: false})

	_, ok := s.Neighbor("eth0", dest)
	assert.False(t, ok)
}
