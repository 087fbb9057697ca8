// Package transport defines the boundary between the reconciliation logic
// in fib and the kernel. Interface mirrors felix/netlinkshim.Interface's
// shape (a thin, mockable wrapper over the vishvananda/netlink calls the
// agent actually uses) but is expressed in terms of this repo's route
// types rather than raw netlink structs, and adds the notification
// subscription surface NetlinkSocket.cpp gets from a second socket.
package transport

import (
	"context"
	"errors"

	"github.com/commonnet/openr/route"
)

// Sentinel errors the mutation engine matches against with errors.Is to
// decide which kernel failures are masked into success. Concrete
// transports (rtnl, fakes) must return one of these, wrapped with
// fmt.Errorf("...: %w", ...) if they want to add context.
var (
	// ErrObjNotFound is returned by Route deletes when the kernel has no
	// matching route left to remove (NLE_OBJ_NOTFOUND in the original).
	ErrObjNotFound = errors.New("transport: object not found")
	// ErrExists is returned by AddAddress when the kernel reports the
	// duplicate-add case (NLE_EXIST).
	ErrExists = errors.New("transport: object already exists")
	// ErrNoAddr is returned by DeleteAddress when the kernel has no such
	// address left (NLE_NOADDR).
	ErrNoAddr = errors.New("transport: no such address")
	// ErrRouteEventsUnsupported is returned by SubscribeEvent(RouteEvent)
	// when the transport cannot deliver route notifications: a soft error
	// rather than a panic, since a library shouldn't abort its caller's
	// process over a correctable misconfiguration.
	ErrRouteEventsUnsupported = errors.New("transport: route event subscription not supported")
)

// EventType identifies a class of kernel notification a caller can
// subscribe to.
type EventType int

const (
	RouteEvent EventType = iota
	LinkEvent
	AddrEvent
	NeighborEvent
)

// Action distinguishes an add/update from a delete in a notification.
type Action int

const (
	ActionAdd Action = iota
	ActionDelete
)

// Capabilities describes what a transport implementation can do. fib
// checks this once at construction time and caches the result rather than
// probing per call, mirroring the original's useNetlinkMessage_ flag.
type Capabilities struct {
	// MPLS reports whether AddMPLSRoute/DeleteMPLSRoute are implemented.
	MPLS bool
	// RouteEvents reports whether SubscribeEvent(RouteEvent) will work.
	RouteEvents bool
}

// RouteNotification carries a single route add/delete notification.
type RouteNotification struct {
	Action Action
	Route  route.Route
}

// LinkNotification carries a single link state change.
type LinkNotification struct {
	Action Action
	Link   route.Link
}

// AddrNotification carries a single interface address change.
type AddrNotification struct {
	Action Action
	IfName string
	Addr   route.IfAddress
}

// NeighborNotification carries a single neighbor cache change.
type NeighborNotification struct {
	Action   Action
	Neighbor route.Neighbor
}

// NetlinkTransport is the abstract boundary component C of the design:
// everything fib needs from the kernel, expressed so it can be faked in
// tests without a network namespace.
type NetlinkTransport interface {
	Capabilities() Capabilities

	AddRoute(ctx context.Context, r route.Route, replace bool) error
	DeleteRoute(ctx context.Context, r route.Route) error
	ListRoutes(ctx context.Context, table route.Table) ([]route.Route, error)

	AddMPLSRoute(ctx context.Context, r route.Route) error
	DeleteMPLSRoute(ctx context.Context, r route.Route) error

	AddAddress(ctx context.Context, ifIndex int, addr route.IfAddress) error
	DeleteAddress(ctx context.Context, ifIndex int, addr route.IfAddress) error
	ListAddresses(ctx context.Context, ifIndex int) ([]route.IfAddress, error)

	ListLinks(ctx context.Context) ([]route.Link, error)
	LinkByName(ctx context.Context, name string) (route.Link, error)

	// SubscribeEvent registers ch to receive notifications of the given
	// type until ctx is cancelled. The notification value sent on ch is
	// one of the *Notification types above depending on typ. Returns
	// ErrRouteEventsUnsupported for RouteEvent if the transport can't
	// deliver route notifications.
	SubscribeEvent(ctx context.Context, typ EventType, ch chan<- interface{}) error

	// Resync drops any cached request handle so the next request opens a
	// fresh one, used by the OnOpTick wraparound hook. Subscriptions
	// started by SubscribeEvent are left as they are.
	Resync(ctx context.Context) error

	// Close releases any handle or socket this transport holds open. After
	// Close returns, further calls are not expected to succeed. Mirrors
	// the destructor-time handle teardown in NetlinkSocket.cpp.
	Close(ctx context.Context) error
}
