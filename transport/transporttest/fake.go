// Package transporttest provides a hand-rolled fake transport.NetlinkTransport
// for use in fib's tests, grounded on
// malbeclabs-doublezero/client/doublezerod/internal/netlink's MockNetlink:
// plain struct fields recording what was added/removed plus a call log, no
// mocking framework.
package transporttest

import (
	"context"
	"fmt"

	"github.com/commonnet/openr/route"
	"github.com/commonnet/openr/transport"
)

// Fake is an in-memory transport.NetlinkTransport. It is not safe for
// concurrent use from multiple goroutines without external locking, same
// as MockNetlink.
type Fake struct {
	Caps transport.Capabilities

	Routes    map[string]route.Route // keyed by Destination().String()
	Addresses map[int][]route.IfAddress
	Links     map[string]route.Link

	RoutesAdded   []route.Route
	RoutesRemoved []route.Route
	AddrsAdded    []route.IfAddress
	AddrsRemoved  []route.IfAddress
	CallLog       []string

	// subscribers records the channels registered via SubscribeEvent so
	// tests can push notifications directly with Notify*.
	subscribers map[transport.EventType][]chan<- interface{}

	// FailNextDelete, if set, is returned (and cleared) by the next
	// DeleteRoute call — used to exercise the masking paths.
	FailNextDelete error
	// ResyncCount counts calls to Resync, used to assert the OnOpTick
	// wraparound hook actually triggers a resync.
	ResyncCount int
	// Closed records whether Close has been called.
	Closed bool
}

func New() *Fake {
	return &Fake{
		Caps:        transport.Capabilities{MPLS: true, RouteEvents: true},
		Routes:      map[string]route.Route{},
		Addresses:   map[int][]route.IfAddress{},
		Links:       map[string]route.Link{},
		subscribers: map[transport.EventType][]chan<- interface{}{},
	}
}

func (f *Fake) Capabilities() transport.Capabilities { return f.Caps }

func (f *Fake) AddRoute(_ context.Context, r route.Route, replace bool) error {
	verb := "AddRoute"
	if replace {
		verb = "AddRoute(replace)"
	}
	f.CallLog = append(f.CallLog, verb)
	f.RoutesAdded = append(f.RoutesAdded, r)
	f.Routes[routeKey(r)] = r
	return nil
}

func (f *Fake) DeleteRoute(_ context.Context, r route.Route) error {
	f.CallLog = append(f.CallLog, "DeleteRoute")
	if f.FailNextDelete != nil {
		err := f.FailNextDelete
		f.FailNextDelete = nil
		return err
	}
	if _, ok := f.Routes[routeKey(r)]; !ok {
		return fmt.Errorf("transporttest: delete route: %w", transport.ErrObjNotFound)
	}
	f.RoutesRemoved = append(f.RoutesRemoved, r)
	delete(f.Routes, routeKey(r))
	return nil
}

func (f *Fake) ListRoutes(_ context.Context, table route.Table) ([]route.Route, error) {
	var out []route.Route
	for _, r := range f.Routes {
		if r.RouteTable() == table {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Fake) AddMPLSRoute(ctx context.Context, r route.Route) error {
	if !f.Caps.MPLS {
		return fmt.Errorf("transporttest: MPLS not supported")
	}
	return f.AddRoute(ctx, r, false)
}

func (f *Fake) DeleteMPLSRoute(ctx context.Context, r route.Route) error {
	if !f.Caps.MPLS {
		return fmt.Errorf("transporttest: MPLS not supported")
	}
	return f.DeleteRoute(ctx, r)
}

func (f *Fake) AddAddress(_ context.Context, ifIndex int, addr route.IfAddress) error {
	f.CallLog = append(f.CallLog, "AddAddress")
	f.AddrsAdded = append(f.AddrsAdded, addr)
	f.Addresses[ifIndex] = append(f.Addresses[ifIndex], addr)
	return nil
}

func (f *Fake) DeleteAddress(_ context.Context, ifIndex int, addr route.IfAddress) error {
	f.CallLog = append(f.CallLog, "DeleteAddress")
	existing := f.Addresses[ifIndex]
	for i, a := range existing {
		if a.Equal(addr) {
			f.AddrsRemoved = append(f.AddrsRemoved, addr)
			f.Addresses[ifIndex] = append(existing[:i], existing[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("transporttest: delete address: %w", transport.ErrNoAddr)
}

func (f *Fake) ListAddresses(_ context.Context, ifIndex int) ([]route.IfAddress, error) {
	return append([]route.IfAddress(nil), f.Addresses[ifIndex]...), nil
}

func (f *Fake) ListLinks(_ context.Context) ([]route.Link, error) {
	out := make([]route.Link, 0, len(f.Links))
	for _, l := range f.Links {
		out = append(out, l)
	}
	return out, nil
}

func (f *Fake) LinkByName(_ context.Context, name string) (route.Link, error) {
	l, ok := f.Links[name]
	if !ok {
		return route.Link{}, fmt.Errorf("transporttest: no such link %s", name)
	}
	return l, nil
}

func (f *Fake) SubscribeEvent(_ context.Context, typ transport.EventType, ch chan<- interface{}) error {
	if typ == transport.RouteEvent && !f.Caps.RouteEvents {
		return transport.ErrRouteEventsUnsupported
	}
	f.subscribers[typ] = append(f.subscribers[typ], ch)
	return nil
}

func (f *Fake) Resync(context.Context) error {
	f.ResyncCount++
	return nil
}

// Close records that it was called, used by tests asserting Agent.Close
// tears down the transport.
func (f *Fake) Close(context.Context) error {
	f.CallLog = append(f.CallLog, "Close")
	f.Closed = true
	return nil
}

// NotifyRoute pushes a route notification to every subscriber registered
// for transport.RouteEvent, for tests exercising the notification handler.
// The route's valid flag is stamped from n.Action regardless of what the
// caller set it to, matching how the live rtnl transport derives it.
func (f *Fake) NotifyRoute(n transport.RouteNotification) {
	n.Route = n.Route.WithValid(n.Action == transport.ActionAdd)
	for _, ch := range f.subscribers[transport.RouteEvent] {
		ch <- n
	}
}

func (f *Fake) NotifyLink(n transport.LinkNotification) {
	for _, ch := range f.subscribers[transport.LinkEvent] {
		ch <- n
	}
}

func (f *Fake) NotifyAddr(n transport.AddrNotification) {
	for _, ch := range f.subscribers[transport.AddrEvent] {
		ch <- n
	}
}

func (f *Fake) NotifyNeighbor(n transport.NeighborNotification) {
	for _, ch := range f.subscribers[transport.NeighborEvent] {
		ch <- n
	}
}

// AddLink seeds Links, used by tests that need LinkByName to resolve.
func (f *Fake) AddLink(l route.Link) {
	f.Links[l.Name] = l
}

func routeKey(r route.Route) string {
	return r.Destination().String()
}

var _ transport.NetlinkTransport = (*Fake)(nil)
