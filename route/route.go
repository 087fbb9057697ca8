package route

import (
	"fmt"
	"reflect"

	"github.com/commonnet/openr/ipaddr"
)

// Route is a single rtnetlink route, either one this agent has decided to
// install or one loaded back from the kernel while rebuilding a cache.
//
// The zero Route is not meaningful; always obtain one through Builder.
type Route struct {
	dst        ipaddr.CIDR
	typ        Type
	table      Table
	protocolID uint8
	scope      Scope
	flags      uint32
	priority   uint32
	tos        uint8
	mplsLabel  uint32
	hasLabel   bool
	ifName     string
	nextHops   []NextHop
	valid      bool
}

// Builder constructs a Route, validating the invariants appropriate to its
// Type on Build(), mirroring NetlinkTypes.h's RouteBuilder.
type Builder struct {
	r Route
}

// NewBuilder returns a Builder pre-populated with the documented defaults:
// table MAIN, scope UNIVERSE, type UNICAST, protocol id 99.
func NewBuilder() *Builder {
	return &Builder{r: Route{
		typ:        TypeUnicast,
		table:      TableMain,
		protocolID: DefaultProtocolID,
		scope:      ScopeUniverse,
		valid:      true,
	}}
}

func (b *Builder) SetDestination(c ipaddr.CIDR) *Builder {
	b.r.dst = c
	return b
}

func (b *Builder) SetType(t Type) *Builder {
	b.r.typ = t
	return b
}

func (b *Builder) SetRouteTable(t Table) *Builder {
	b.r.table = t
	return b
}

func (b *Builder) SetProtocolID(id uint8) *Builder {
	b.r.protocolID = id
	return b
}

func (b *Builder) SetScope(s Scope) *Builder {
	b.r.scope = s
	return b
}

func (b *Builder) SetFlags(f uint32) *Builder {
	b.r.flags = f
	return b
}

func (b *Builder) SetPriority(p uint32) *Builder {
	b.r.priority = p
	return b
}

func (b *Builder) SetTOS(tos uint8) *Builder {
	b.r.tos = tos
	return b
}

func (b *Builder) SetMPLSLabel(label uint32) *Builder {
	b.r.mplsLabel = label
	b.r.hasLabel = true
	return b
}

func (b *Builder) SetRouteIfName(name string) *Builder {
	b.r.ifName = name
	return b
}

func (b *Builder) AddNextHop(nh NextHop) *Builder {
	b.r.nextHops = append(b.r.nextHops, nh)
	return b
}

func (b *Builder) SetNextHops(nhs []NextHop) *Builder {
	b.r.nextHops = append([]NextHop(nil), nhs...)
	return b
}

// SetValid overrides the validity flag a loaded-from-kernel route carries;
// builders that construct a route to install always leave this at true.
func (b *Builder) SetValid(v bool) *Builder {
	b.r.valid = v
	return b
}

// Build validates the invariants spec.md §3 requires per Type:
//  1. destination must be set
//  2. unicast/blackhole: destination must not be multicast or link-local
//  3. multicast: destination must be multicast, routeIfName must be set,
//     and there must be exactly one nexthop, carrying an ifIndex
//  4. MPLS (label set): type must be unicast, no routeIfName, and every
//     nexthop must carry an ifIndex (the label pop/swap/push target)
func (b *Builder) Build() (Route, error) {
	r := b.r
	if r.dst.IsZero() {
		return Route{}, fmt.Errorf("route: destination is required")
	}
	if r.hasLabel {
		if err := checkMplsRoute(r); err != nil {
			return Route{}, err
		}
		return r, nil
	}
	switch r.typ {
	case TypeUnicast, TypeBlackhole:
		if err := checkUnicastDestination(r.dst); err != nil {
			return Route{}, err
		}
	case TypeMulticast:
		if err := checkMulticastRoute(r); err != nil {
			return Route{}, err
		}
	default:
		return Route{}, fmt.Errorf("route: unsupported type %s", r.typ)
	}
	return r, nil
}

// checkUnicastDestination mirrors NetlinkSocket.cpp's checkUnicastRoute.
func checkUnicastDestination(dst ipaddr.CIDR) error {
	if dst.Addr().IsMulticast() {
		return fmt.Errorf("route: unicast destination %s must not be multicast", dst)
	}
	if dst.Addr().IsLinkLocal() {
		return fmt.Errorf("route: unicast destination %s must not be link-local", dst)
	}
	return nil
}

// checkMulticastRoute mirrors NetlinkSocket.cpp's checkMulticastRoute.
func checkMulticastRoute(r Route) error {
	if !r.dst.Addr().IsMulticast() {
		return fmt.Errorf("route: multicast route destination %s is not multicast", r.dst)
	}
	if r.ifName == "" {
		return fmt.Errorf("route: multicast route requires an outgoing interface name")
	}
	if len(r.nextHops) != 1 {
		return fmt.Errorf("route: multicast route requires exactly one nexthop, got %d", len(r.nextHops))
	}
	if _, ok := r.nextHops[0].IfIndex(); !ok {
		return fmt.Errorf("route: multicast route's nexthop must carry an ifIndex")
	}
	return nil
}

// checkMplsRoute enforces invariant 4: an MPLS label route must be typed
// unicast, must not carry its own outgoing interface name, and every
// nexthop must specify an ifIndex rather than a gateway-only next hop,
// since each nexthop is a label pop/swap/push target tied to a specific
// outgoing interface.
func checkMplsRoute(r Route) error {
	if r.typ != TypeUnicast {
		return fmt.Errorf("route: MPLS route must have type unicast, got %s", r.typ)
	}
	if err := checkUnicastDestination(r.dst); err != nil {
		return err
	}
	if r.ifName != "" {
		return fmt.Errorf("route: MPLS route must not set routeIfName")
	}
	for _, nh := range r.nextHops {
		if _, ok := nh.IfIndex(); !ok {
			return fmt.Errorf("route: MPLS route nexthop must carry an ifIndex")
		}
	}
	return nil
}

// Validate re-checks the invariants Build already enforced. The mutation
// engine calls it again defensively before every kernel operation, the way
// NetlinkSocket.cpp's doAddUpdateUnicastRoute/doAddMulticastRoute call
// checkUnicastRoute/checkMulticastRoute even though routes normally only
// reach them already built.
func (r Route) Validate() error {
	if r.hasLabel {
		return checkMplsRoute(r)
	}
	switch r.typ {
	case TypeUnicast, TypeBlackhole:
		return checkUnicastDestination(r.dst)
	case TypeMulticast:
		return checkMulticastRoute(r)
	default:
		return fmt.Errorf("route: unsupported type %s", r.typ)
	}
}

func (r Route) Destination() ipaddr.CIDR { return r.dst }
func (r Route) Type() Type               { return r.typ }
func (r Route) RouteTable() Table        { return r.table }
func (r Route) ProtocolID() uint8        { return r.protocolID }
func (r Route) Scope() Scope             { return r.scope }
func (r Route) Flags() uint32            { return r.flags }
func (r Route) Priority() uint32         { return r.priority }
func (r Route) TOS() uint8               { return r.tos }
func (r Route) MPLSLabel() (uint32, bool) { return r.mplsLabel, r.hasLabel }
func (r Route) RouteIfName() string      { return r.ifName }
func (r Route) NextHops() []NextHop      { return r.nextHops }
func (r Route) Valid() bool              { return r.valid }

// WithValid returns a copy of r with its valid flag set to v. Decode paths
// that already know validity from a separate action code (add vs delete)
// use this to stamp it onto the Route itself, rather than carrying the two
// as independent, driftable signals.
func (r Route) WithValid(v bool) Route {
	r.valid = v
	return r
}

// IsCloned reports whether the kernel marked this route as cloned
// (RTM_F_CLONED) — such routes are never cached, per ribcache invariant 1.
func (r Route) IsCloned() bool {
	return r.flags&uint32(FlagCloned) != 0
}

// Equal does a structural comparison of everything the mutation engine
// cares about for idempotence, mirroring the original's `iter->second ==
// route` cache-hit no-op check. The valid flag is deliberately excluded:
// it is bookkeeping about how the Route was obtained, not part of its
// identity.
func (r Route) Equal(o Route) bool {
	if !r.dst.Equal(o.dst) ||
		r.typ != o.typ ||
		r.table != o.table ||
		r.protocolID != o.protocolID ||
		r.scope != o.scope ||
		r.flags != o.flags ||
		r.priority != o.priority ||
		r.tos != o.tos ||
		r.hasLabel != o.hasLabel ||
		r.mplsLabel != o.mplsLabel ||
		r.ifName != o.ifName {
		return false
	}
	if len(r.nextHops) != len(o.nextHops) {
		return false
	}
	for i := range r.nextHops {
		if !r.nextHops[i].Equal(o.nextHops[i]) {
			return false
		}
	}
	return true
}

// DeepEqual is a reflect.DeepEqual fallback kept for tests that want to
// assert on every field including Valid; production code should use Equal.
func (r Route) DeepEqual(o Route) bool {
	return reflect.DeepEqual(r, o)
}
