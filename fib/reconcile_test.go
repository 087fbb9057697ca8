package fib_test

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/commonnet/openr/fib"
	"github.com/commonnet/openr/ipaddr"
	"github.com/commonnet/openr/route"
	"github.com/commonnet/openr/transport/transporttest"
)

func mustLinkRoute(t *testing.T, dst string, ifIndex int32, ifName string) route.Route {
	t.Helper()
	nh, err := route.NewNextHopBuilder().SetIfIndex(ifIndex).Build()
	require.NoError(t, err)
	r, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP(dst)).
		SetScope(route.ScopeLink).
		SetRouteIfName(ifName).
		AddNextHop(nh).
		Build()
	require.NoError(t, err)
	return r
}

// SyncLinkRoutes deletes entries absent from syncDB, adds only entries not
// already cached, and leaves the cache an exact mirror of syncDB.
func TestSyncLinkRoutes(t *testing.T) {
	ft := transporttest.New()
	a := fib.New(ft)
	defer a.Close()
	ctx := context.Background()

	seed := map[string]route.Route{
		"10.0.0.0/24": mustLinkRoute(t, "10.0.0.0/24", 2, "eth0"),
		"10.0.1.0/24": mustLinkRoute(t, "10.0.1.0/24", 2, "eth0"),
	}
	require.NoError(t, a.SyncLinkRoutes(ctx, route.DefaultProtocolID, seed))
	require.Len(t, ft.RoutesAdded, 2)

	next := map[string]route.Route{
		"10.0.1.0/24": seed["10.0.1.0/24"],
		"10.0.2.0/24": mustLinkRoute(t, "10.0.2.0/24", 2, "eth0"),
	}
	require.NoError(t, a.SyncLinkRoutes(ctx, route.DefaultProtocolID, next))

	require.Len(t, ft.RoutesRemoved, 1)
	require.Len(t, ft.RoutesAdded, 3)

	var wantDst, gotDst []string
	for k := range next {
		wantDst = append(wantDst, k)
	}
	for k := range ft.Routes {
		gotDst = append(gotDst, k)
	}
	sort.Strings(wantDst)
	sort.Strings(gotDst)
	if diff := cmp.Diff(wantDst, gotDst); diff != "" {
		t.Errorf("fake transport route set mismatch after sync (-want +got):\n%s", diff)
	}
}
