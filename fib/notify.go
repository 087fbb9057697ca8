package fib

import (
	"context"
	"fmt"

	"github.com/commonnet/openr/evloop"
	"github.com/commonnet/openr/route"
	"github.com/commonnet/openr/transport"
)

// Run subscribes to every notification type the transport supports and
// drains them onto the event loop until ctx is cancelled, the Go
// rendering of the original's cache-manager FD registered with the event
// loop. Route-event subscription failures are logged and skipped rather
// than aborting Run, since a transport lacking route events can still
// deliver link/address/neighbor notifications.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	notifications := make(chan interface{}, 256)

	types := []transport.EventType{transport.LinkEvent, transport.AddrEvent, transport.NeighborEvent}
	if a.caps.RouteEvents {
		types = append([]transport.EventType{transport.RouteEvent}, types...)
	}
	for _, typ := range types {
		if err := a.transport.SubscribeEvent(runCtx, typ, notifications); err != nil {
			if typ == transport.RouteEvent {
				a.logCxt.WithError(err).Warn("route event subscription unavailable, continuing without it")
				continue
			}
			cancel()
			return fmt.Errorf("fib: subscribing to event type %d: %w", typ, err)
		}
	}

	a.runCancel = cancel
	go func() {
		for {
			select {
			case n := <-notifications:
				a.loop.Post(func() { a.dispatchNotification(n) })
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

// dispatchNotification fans a single notification out to its cache-update
// handler. A panic inside a handler is caught and logged rather than
// propagated: the notification is dropped, but the subscription goroutine
// that posted this closure keeps running and the loop keeps serving other
// pending operations.
func (a *Agent) dispatchNotification(n interface{}) {
	defer func() {
		if r := recover(); r != nil {
			a.logCxt.WithField("panic", r).Error("recovered from panic handling notification, dropping it")
		}
	}()
	switch v := n.(type) {
	case transport.RouteNotification:
		a.handleRouteEvent(v.Route, v.Action, true, false)
	case transport.LinkNotification:
		a.handleLinkEvent(v.Link)
	case transport.AddrNotification:
		a.handleAddrEvent(v.IfName, v.Addr, v.Action)
	case transport.NeighborNotification:
		a.handleNeighborEvent(v.Neighbor)
	}
}

// RefreshUnicast rescans the kernel's routing table and passes every listed
// route through the cache update; cached unicast entries the kernel no
// longer lists are not removed. This is the only path that updates the
// unicast partition from observed kernel state — live notifications
// update the multicast and link-scope partitions unconditionally but
// never touch unicast, since this agent treats its unicast cache as
// authoritative from its own intent, not from the kernel.
func (a *Agent) RefreshUnicast(ctx context.Context) error {
	c := evloop.PostOp(a.loop, func() (struct{}, error) {
		return struct{}{}, a.refreshUnicast()
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) refreshUnicast() error {
	routes, err := a.transport.ListRoutes(context.Background(), a.routeTable)
	if err != nil {
		return fmt.Errorf("fib: refreshing unicast cache: %w", err)
	}
	for _, r := range routes {
		a.handleRouteEvent(r, transport.ActionAdd, false, true)
	}
	return nil
}

// handleRouteEvent mirrors NetlinkSocket::handleRouteEvent: update the
// cache first (doUpdateRouteCache), then fan out to the registered
// handler only if runHandler is set and the caller has subscribed to
// route events. updateUnicastRoute distinguishes the live notification
// path (false: unicast cache untouched) from the explicit refresh path
// (true: unicast cache updated, but no fan-out to the handler).
func (a *Agent) handleRouteEvent(r route.Route, action transport.Action, runHandler, updateUnicastRoute bool) {
	a.doUpdateRouteCache(r, action, updateUnicastRoute)
	if runHandler && a.handler != nil && a.eventMask[transport.RouteEvent] {
		a.handler.HandleRouteEvent(r.RouteIfName(), action, r)
	}
}

// doUpdateRouteCache mirrors the original method of the same name,
// including its routeTable/RTM_F_CLONED filter and its three-way
// classification by destination. r.Valid() is the single source of truth
// for whether this is an add/update or a withdrawal; RefreshUnicast always
// passes routes decoded with valid=true, and the live notification path
// stamps it from the Action the kernel reported.
func (a *Agent) doUpdateRouteCache(r route.Route, action transport.Action, updateUnicastRoute bool) {
	if r.RouteTable() != a.routeTable || r.IsCloned() {
		return
	}
	valid := r.Valid()

	switch {
	case r.Destination().Addr().IsMulticast():
		if len(r.NextHops()) != 1 {
			return
		}
		if _, ok := r.NextHops()[0].IfIndex(); !ok {
			return
		}
		a.cache.MulticastDelete(r.ProtocolID(), r.Destination(), r.RouteIfName())
		if valid {
			a.cache.MulticastPut(r.ProtocolID(), r.Destination(), r.RouteIfName(), r)
		}
	case r.Scope() == route.ScopeLink:
		if len(r.NextHops()) != 1 {
			return
		}
		if _, ok := r.NextHops()[0].IfIndex(); !ok {
			return
		}
		a.cache.LinkRouteDelete(r.ProtocolID(), r.Destination(), r.RouteIfName())
		if valid {
			a.cache.LinkRoutePut(r.ProtocolID(), r.Destination(), r.RouteIfName(), r)
		}
	default:
		if !updateUnicastRoute {
			return
		}
		a.cache.UnicastDelete(r.ProtocolID(), r.Destination())
		if valid {
			a.cache.UnicastPut(r.ProtocolID(), r)
		}
	}
}

// handleLinkEvent mirrors the original: records link state, tracks the
// loopback ifIndex, and purges the neighbor cache for a link that just
// went down, since stale ARP/NDP entries for a down link are useless and
// the kernel doesn't reliably notify their removal.
func (a *Agent) handleLinkEvent(l route.Link) {
	a.cache.UpsertLink(l)
	if !l.IsUp {
		a.cache.RemoveNeighborsOnLink(l.Name)
	}
	if a.handler != nil && a.eventMask[transport.LinkEvent] {
		a.handler.HandleLinkEvent(l)
	}
}

// handleAddrEvent mirrors the original: on a valid (add) notification the
// prefix is recorded against the interface; on a delete it's removed.
func (a *Agent) handleAddrEvent(ifName string, addr route.IfAddress, action transport.Action) {
	prefix, ok := addr.Prefix()
	if !ok {
		return
	}
	if action == transport.ActionAdd {
		a.cache.UpsertNetwork(ifName, prefix)
	} else {
		a.cache.RemoveNetwork(ifName, prefix)
	}
	if a.handler != nil && a.eventMask[transport.AddrEvent] {
		a.handler.HandleAddrEvent(ifName, action, addr)
	}
}

// handleNeighborEvent mirrors the original: the cache entry is always
// erased first, then re-inserted only if the neighbor is reachable —
// UpsertNeighbor already implements that erase-then-conditionally-insert
// shape.
func (a *Agent) handleNeighborEvent(n route.Neighbor) {
	a.cache.UpsertNeighbor(n)
	if a.handler != nil && a.eventMask[transport.NeighborEvent] {
		a.handler.HandleNeighborEvent(n)
	}
}
