// Package route holds the immutable value types the rest of fibagent
// operates on — Route, NextHop, IfAddress, Link and Neighbor — together
// with the fluent builders that validate them. Values are cheap, copyable
// and not safe for concurrent mutation; callers are expected to build once
// and then treat the result as read-only.
package route

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/commonnet/openr/ipaddr"
)

// Type is the rtnetlink route type this agent understands.
type Type uint8

const (
	TypeUnicast   Type = unix.RTN_UNICAST
	TypeMulticast Type = unix.RTN_MULTICAST
	TypeBlackhole Type = unix.RTN_BLACKHOLE
)

func (t Type) String() string {
	switch t {
	case TypeUnicast:
		return "unicast"
	case TypeMulticast:
		return "multicast"
	case TypeBlackhole:
		return "blackhole"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Scope is the rtnetlink route/address scope.
type Scope uint8

const (
	ScopeUniverse Scope = unix.RT_SCOPE_UNIVERSE
	ScopeSite     Scope = unix.RT_SCOPE_SITE
	ScopeLink     Scope = unix.RT_SCOPE_LINK
	ScopeHost     Scope = unix.RT_SCOPE_HOST
	ScopeNowhere  Scope = unix.RT_SCOPE_NOWHERE
)

// Table is the rtnetlink routing table index. Only MAIN is in scope.
type Table uint8

const TableMain Table = unix.RT_TABLE_MAIN

// Flag is a bit in the route flags word. The only one this agent inspects
// is Cloned: kernel-cloned routes (e.g. per-connection cached routes) are
// never part of our cache, see ribcache invariant 1.
type Flag uint32

const FlagCloned Flag = unix.RTM_F_CLONED

// DefaultProtocolID is the protocol id this agent stamps on routes it
// installs, and the default it assumes when none is given.
const DefaultProtocolID uint8 = 99

// NextHop is one forwarding leg of a route. At least one of IfIndex or
// Gateway must be set; Weight defaults to 1 for ECMP.
type NextHop struct {
	ifIndex    int32
	hasIfIndex bool
	gateway    ipaddr.Addr
	weight     uint8
}

// NextHopBuilder constructs a NextHop, mirroring NetlinkNextHopBuilder.
type NextHopBuilder struct {
	nh NextHop
}

func NewNextHopBuilder() *NextHopBuilder {
	return &NextHopBuilder{nh: NextHop{weight: 1}}
}

func (b *NextHopBuilder) SetIfIndex(ifIndex int32) *NextHopBuilder {
	b.nh.ifIndex = ifIndex
	b.nh.hasIfIndex = true
	return b
}

func (b *NextHopBuilder) SetGateway(gw ipaddr.Addr) *NextHopBuilder {
	b.nh.gateway = gw
	return b
}

func (b *NextHopBuilder) SetWeight(w uint8) *NextHopBuilder {
	b.nh.weight = w
	return b
}

func (b *NextHopBuilder) Build() (NextHop, error) {
	if !b.nh.hasIfIndex && b.nh.gateway.IsNil() {
		return NextHop{}, fmt.Errorf("route: nexthop needs an ifIndex or a gateway")
	}
	return b.nh, nil
}

func (n NextHop) IfIndex() (int32, bool) { return n.ifIndex, n.hasIfIndex }
func (n NextHop) Gateway() ipaddr.Addr   { return n.gateway }
func (n NextHop) Weight() uint8          { return n.weight }

// Equal does a field-wise comparison, used by Route.Equal for the
// idempotence check in the mutation engine (spec.md invariant 6).
func (n NextHop) Equal(o NextHop) bool {
	return n.ifIndex == o.ifIndex &&
		n.hasIfIndex == o.hasIfIndex &&
		n.gateway.Equal(o.gateway) &&
		n.weight == o.weight
}

// Link mirrors a single interface's up/down state and loopback-ness, as
// tracked by the link partition of the cache.
type Link struct {
	Name       string
	IfIndex    int
	IsUp       bool
	IsLoopback bool
}

// Neighbor mirrors a single ARP/NDP cache entry.
type Neighbor struct {
	IfIndex    int
	IfName     string
	Dest       ipaddr.Addr
	MAC        net.HardwareAddr
	Reachable  bool
}

// IfAddress is an address assigned to an interface.
type IfAddress struct {
	ifIndex int
	prefix  ipaddr.CIDR
	hasCIDR bool
	scope   Scope
	family  uint8
	valid   bool
}

type IfAddressBuilder struct {
	a IfAddress
}

func NewIfAddressBuilder() *IfAddressBuilder {
	return &IfAddressBuilder{a: IfAddress{scope: ScopeUniverse, valid: true}}
}

func (b *IfAddressBuilder) SetIfIndex(ifIndex int) *IfAddressBuilder {
	b.a.ifIndex = ifIndex
	return b
}

func (b *IfAddressBuilder) SetPrefix(p ipaddr.CIDR) *IfAddressBuilder {
	b.a.prefix = p
	b.a.hasCIDR = true
	b.a.family = p.Version()
	return b
}

func (b *IfAddressBuilder) SetScope(s Scope) *IfAddressBuilder {
	b.a.scope = s
	return b
}

func (b *IfAddressBuilder) SetFamily(f uint8) *IfAddressBuilder {
	b.a.family = f
	return b
}

func (b *IfAddressBuilder) SetValid(v bool) *IfAddressBuilder {
	b.a.valid = v
	return b
}

func (b *IfAddressBuilder) Build() (IfAddress, error) {
	if b.a.ifIndex == 0 {
		return IfAddress{}, fmt.Errorf("route: IfAddress needs an ifIndex")
	}
	return b.a, nil
}

func (a IfAddress) IfIndex() int             { return a.ifIndex }
func (a IfAddress) Prefix() (ipaddr.CIDR, bool) { return a.prefix, a.hasCIDR }
func (a IfAddress) Scope() Scope             { return a.scope }
func (a IfAddress) Family() uint8            { return a.family }
func (a IfAddress) Valid() bool              { return a.valid }

func (a IfAddress) Equal(o IfAddress) bool {
	return a.ifIndex == o.ifIndex &&
		a.hasCIDR == o.hasCIDR &&
		a.prefix.Equal(o.prefix) &&
		a.scope == o.scope &&
		a.family == o.family
}
