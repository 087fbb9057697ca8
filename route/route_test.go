package route_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonnet/openr/ipaddr"
	"github.com/commonnet/openr/route"
)

func TestBuilderDefaults(t *testing.T) {
	r, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		AddNextHop(mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(2))).
		Build()
	require.NoError(t, err)
	assert.Equal(t, route.TypeUnicast, r.Type())
	assert.Equal(t, route.TableMain, r.RouteTable())
	assert.Equal(t, route.DefaultProtocolID, r.ProtocolID())
	assert.Equal(t, route.ScopeUniverse, r.Scope())
	assert.True(t, r.Valid())
}

func TestBuilderRejectsMissingDestination(t *testing.T) {
	_, err := route.NewBuilder().Build()
	assert.Error(t, err)
}

func TestBuilderRejectsMulticastUnicastDestination(t *testing.T) {
	_, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("239.1.1.1/32")).
		Build()
	assert.Error(t, err)
}

func TestBuilderRejectsLinkLocalUnicastDestination(t *testing.T) {
	_, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("169.254.1.1/32")).
		Build()
	assert.Error(t, err)
}

func TestBuilderMulticastRequiresOneIfIndexNextHop(t *testing.T) {
	base := route.NewBuilder().
		SetType(route.TypeMulticast).
		SetDestination(ipaddr.MustParseCIDROrIP("239.1.1.1/32")).
		SetRouteIfName("eth0")

	_, err := base.Build()
	assert.Error(t, err, "no nexthop at all")

	gwOnly := mustNextHop(t, route.NewNextHopBuilder().SetGateway(ipaddr.FromString("10.0.0.1")))
	_, err = route.NewBuilder().
		SetType(route.TypeMulticast).
		SetDestination(ipaddr.MustParseCIDROrIP("239.1.1.1/32")).
		SetRouteIfName("eth0").
		AddNextHop(gwOnly).
		Build()
	assert.Error(t, err, "nexthop lacking ifIndex")

	ifIdx := mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(3))
	r, err := route.NewBuilder().
		SetType(route.TypeMulticast).
		SetDestination(ipaddr.MustParseCIDROrIP("239.1.1.1/32")).
		SetRouteIfName("eth0").
		AddNextHop(ifIdx).
		Build()
	require.NoError(t, err)
	assert.Len(t, r.NextHops(), 1)
}

func TestBuilderMulticastRejectsNonMulticastDestination(t *testing.T) {
	ifIdx := mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(3))
	_, err := route.NewBuilder().
		SetType(route.TypeMulticast).
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		SetRouteIfName("eth0").
		AddNextHop(ifIdx).
		Build()
	assert.Error(t, err)
}

func TestBuilderMplsRequiresIfIndexNextHops(t *testing.T) {
	gwOnly := mustNextHop(t, route.NewNextHopBuilder().SetGateway(ipaddr.FromString("10.0.0.1")))
	_, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		SetMPLSLabel(100).
		AddNextHop(gwOnly).
		Build()
	assert.Error(t, err, "gateway-only nexthop on an MPLS route")

	ifIdx := mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(3))
	r, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		SetMPLSLabel(100).
		AddNextHop(ifIdx).
		Build()
	require.NoError(t, err)
	label, ok := r.MPLSLabel()
	assert.True(t, ok)
	assert.Equal(t, uint32(100), label)
}

func TestBuilderMplsRejectsRouteIfName(t *testing.T) {
	ifIdx := mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(3))
	_, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		SetMPLSLabel(100).
		SetRouteIfName("eth0").
		AddNextHop(ifIdx).
		Build()
	assert.Error(t, err)
}

func TestBuilderMplsRejectsNonUnicastType(t *testing.T) {
	ifIdx := mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(3))
	_, err := route.NewBuilder().
		SetType(route.TypeBlackhole).
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		SetMPLSLabel(100).
		AddNextHop(ifIdx).
		Build()
	assert.Error(t, err)
}

func TestNextHopBuilderRequiresIfIndexOrGateway(t *testing.T) {
	_, err := route.NewNextHopBuilder().Build()
	assert.Error(t, err)

	nh, err := route.NewNextHopBuilder().SetGateway(ipaddr.FromString("10.0.0.1")).Build()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), nh.Weight())
}

func TestRouteEqualIgnoresValid(t *testing.T) {
	nh := mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(2))
	a, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		AddNextHop(nh).
		SetValid(true).
		Build()
	require.NoError(t, err)

	b, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		AddNextHop(nh).
		SetValid(false).
		Build()
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
}

func TestRouteEqualDetectsNextHopDifference(t *testing.T) {
	base := route.NewBuilder().SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24"))
	a, err := base.AddNextHop(mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(2))).Build()
	require.NoError(t, err)

	b, err := route.NewBuilder().
		SetDestination(ipaddr.MustParseCIDROrIP("10.0.0.0/24")).
		AddNextHop(mustNextHop(t, route.NewNextHopBuilder().SetIfIndex(3))).
		Build()
	require.NoError(t, err)

	assert.False(t, a.Equal(b))
}

func TestIfAddressBuilderRequiresIfIndex(t *testing.T) {
	_, err := route.NewIfAddressBuilder().
		SetPrefix(ipaddr.MustParseCIDROrIP("10.0.0.1/24")).
		Build()
	assert.Error(t, err)
}

func TestIfAddressEqual(t *testing.T) {
	a, err := route.NewIfAddressBuilder().
		SetIfIndex(2).
		SetPrefix(ipaddr.MustParseCIDROrIP("10.0.0.1/24")).
		Build()
	require.NoError(t, err)

	b, err := route.NewIfAddressBuilder().
		SetIfIndex(2).
		SetPrefix(ipaddr.MustParseCIDROrIP("10.0.0.1/24")).
		SetValid(false).
		Build()
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
}

func mustNextHop(t *testing.T, b *route.NextHopBuilder) route.NextHop {
	t.Helper()
	nh, err := b.Build()
	require.NoError(t, err)
	return nh
}
