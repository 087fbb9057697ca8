package fib

import (
	"context"
	"errors"
	"fmt"

	"github.com/commonnet/openr/evloop"
	"github.com/commonnet/openr/route"
	"github.com/commonnet/openr/transport"
)

// AddRoute installs r, dispatching on its Type exactly the way
// NetlinkSocket::addRoute does: RTN_UNICAST and RTN_BLACKHOLE go through
// the unicast path, RTN_MULTICAST through the multicast path, anything
// else is rejected.
func (a *Agent) AddRoute(ctx context.Context, r route.Route) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		return struct{}{}, a.addRoute(r)
	})
	_, err := c.Wait(ctx)
	return err
}

// addRoute must only be called from the loop goroutine.
func (a *Agent) addRoute(r route.Route) error {
	switch r.Type() {
	case route.TypeUnicast, route.TypeBlackhole:
		return a.doAddUpdateUnicastRoute(r)
	case route.TypeMulticast:
		return a.doAddMulticastRoute(r)
	default:
		return fmt.Errorf("%w: %s", UnsupportedRouteType, r.Type())
	}
}

// DelRoute removes r, dispatching the same way AddRoute does.
func (a *Agent) DelRoute(ctx context.Context, r route.Route) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		return struct{}{}, a.delRoute(r)
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) delRoute(r route.Route) error {
	switch r.Type() {
	case route.TypeUnicast, route.TypeBlackhole:
		return a.doDeleteUnicastRoute(r)
	case route.TypeMulticast:
		return a.doDeleteMulticastRoute(r)
	default:
		return fmt.Errorf("%w: %s", UnsupportedRouteType, r.Type())
	}
}

// doAddUpdateUnicastRoute mirrors NetlinkSocket.cpp's method of the same
// name: a no-op if the cache already holds a structurally identical
// route, an unconditional pre-delete before the replace-add for IPv6
// destinations with an existing cache entry (the kernel does not reliably
// replace IPv6 routes in place), and otherwise a single replace-add.
func (a *Agent) doAddUpdateUnicastRoute(r route.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	logCxt := a.logCxt.WithField("dst", r.Destination())

	existing, hasExisting := a.cache.UnicastGet(r.ProtocolID(), r.Destination())
	if hasExisting && existing.Equal(r) {
		logCxt.Debug("unicast route unchanged, no-op")
		return nil
	}

	if hasExisting && r.Destination().Version() == 6 {
		err := a.transport.DeleteRoute(context.Background(), existing)
		if err != nil && !errors.Is(err, transport.ErrObjNotFound) {
			return fmt.Errorf("%w: pre-delete before ipv6 replace: %v", KernelDeleteFailed, err)
		}
		if err != nil {
			maskedErrorsTotal.WithLabelValues("del_route").Inc()
		}
		a.cache.UnicastDelete(r.ProtocolID(), existing.Destination())
	}

	if err := a.transport.AddRoute(context.Background(), r, true); err != nil {
		return fmt.Errorf("%w: %v", KernelAddFailed, err)
	}
	a.cache.UnicastPut(r.ProtocolID(), r)
	return nil
}

// doDeleteUnicastRoute mirrors the original: deleting a route this agent
// has no cache record of is treated as already-done, matching the
// observation that the kernel may have withdrawn it spontaneously.
func (a *Agent) doDeleteUnicastRoute(r route.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	logCxt := a.logCxt.WithField("dst", r.Destination())

	if _, ok := a.cache.UnicastGet(r.ProtocolID(), r.Destination()); !ok {
		logCxt.Error("deleting unicast route with no cache entry, treating as already gone")
		return nil
	}

	err := a.transport.DeleteRoute(context.Background(), r)
	if err != nil && !errors.Is(err, transport.ErrObjNotFound) {
		return fmt.Errorf("%w: %v", KernelDeleteFailed, err)
	}
	if err != nil {
		maskedErrorsTotal.WithLabelValues("del_route").Inc()
	}
	a.cache.UnicastDelete(r.ProtocolID(), r.Destination())
	return nil
}

// doAddMulticastRoute mirrors the original: re-adding a route already
// present under the same (destination, outgoing interface) key is a
// logged no-op regardless of whether the existing entry is this agent's
// own or one the kernel created independently.
func (a *Agent) doAddMulticastRoute(r route.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	logCxt := a.logCxt.WithFields(logFields(r))

	if _, ok := a.cache.MulticastGet(r.ProtocolID(), r.Destination(), r.RouteIfName()); ok {
		logCxt.Warn("multicast route already present, skipping add")
		return nil
	}

	if err := a.transport.AddRoute(context.Background(), r, false); err != nil {
		return fmt.Errorf("%w: %v", KernelAddFailed, err)
	}
	a.cache.MulticastPut(r.ProtocolID(), r.Destination(), r.RouteIfName(), r)
	return nil
}

func (a *Agent) doDeleteMulticastRoute(r route.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	logCxt := a.logCxt.WithFields(logFields(r))

	if _, ok := a.cache.MulticastGet(r.ProtocolID(), r.Destination(), r.RouteIfName()); !ok {
		logCxt.Warn("multicast route not cached, treating delete as already done")
		return nil
	}

	if err := a.transport.DeleteRoute(context.Background(), r); err != nil {
		return fmt.Errorf("%w: %v", KernelDeleteFailed, err)
	}
	a.cache.MulticastDelete(r.ProtocolID(), r.Destination(), r.RouteIfName())
	return nil
}

// AddMplsRoute installs an MPLS label route. If the transport doesn't
// support label routes this silently no-ops with a log line, mirroring
// doAddUpdateMplsRoute's useNetlinkMessage_ gate — this is deliberately
// not an error, since the capability is a property of the deployment the
// caller can't fix by retrying.
func (a *Agent) AddMplsRoute(ctx context.Context, r route.Route) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		return struct{}{}, a.doAddUpdateMplsRoute(r)
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) doAddUpdateMplsRoute(r route.Route) error {
	if !a.caps.MPLS {
		a.logCxt.Warn("MPLS route requested but transport has no label-route support, ignoring")
		return nil
	}
	label, ok := r.MPLSLabel()
	if !ok {
		a.logCxt.Error("MPLS route add requested with no label set, ignoring")
		return nil
	}
	existing, hasExisting := a.cache.MPLSGet(r.ProtocolID(), label)
	if hasExisting && existing.Equal(r) {
		return nil
	}
	a.cache.MPLSDelete(r.ProtocolID(), label)
	if err := a.transport.AddMPLSRoute(context.Background(), r); err != nil {
		return fmt.Errorf("%w: %v", KernelAddFailed, err)
	}
	a.cache.MPLSPut(r.ProtocolID(), label, r)
	return nil
}

// DelMplsRoute removes an MPLS label route, subject to the same
// capability gate as AddMplsRoute.
func (a *Agent) DelMplsRoute(ctx context.Context, r route.Route) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		return struct{}{}, a.doDeleteMplsRoute(r)
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) doDeleteMplsRoute(r route.Route) error {
	if !a.caps.MPLS {
		a.logCxt.Warn("MPLS route delete requested but transport has no label-route support, ignoring")
		return nil
	}
	label, ok := r.MPLSLabel()
	if !ok {
		return nil
	}
	if _, ok := a.cache.MPLSGet(r.ProtocolID(), label); !ok {
		a.logCxt.WithField("label", label).Error("deleting MPLS route with no cache entry, treating as already gone")
		return nil
	}
	err := a.transport.DeleteMPLSRoute(context.Background(), r)
	if err != nil && !errors.Is(err, transport.ErrObjNotFound) {
		return fmt.Errorf("%w: %v", KernelDeleteFailed, err)
	}
	if err != nil {
		maskedErrorsTotal.WithLabelValues("del_mpls_route").Inc()
	}
	a.cache.MPLSDelete(r.ProtocolID(), label)
	return nil
}

// AddIfAddress installs addr on the interface identified by ifIndex. A
// kernel "already exists" response is masked into success, per the
// original's "duplicated address... treat as success for backward
// compatibility" comment.
func (a *Agent) AddIfAddress(ctx context.Context, ifIndex int, addr route.IfAddress) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		return struct{}{}, a.doAddIfAddress(ifIndex, addr)
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) doAddIfAddress(ifIndex int, addr route.IfAddress) error {
	err := a.transport.AddAddress(context.Background(), ifIndex, addr)
	if err != nil && !errors.Is(err, transport.ErrExists) {
		return fmt.Errorf("%w: %v", KernelAddFailed, err)
	}
	if err != nil {
		maskedErrorsTotal.WithLabelValues("add_address").Inc()
	}
	return nil
}

// DelIfAddress removes addr from the interface identified by ifIndex. A
// kernel "no such address" response is masked into success.
func (a *Agent) DelIfAddress(ctx context.Context, ifIndex int, addr route.IfAddress) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		return struct{}{}, a.doDeleteAddr(ifIndex, addr)
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) doDeleteAddr(ifIndex int, addr route.IfAddress) error {
	err := a.transport.DeleteAddress(context.Background(), ifIndex, addr)
	if err != nil && !errors.Is(err, transport.ErrNoAddr) {
		return fmt.Errorf("%w: %v", KernelDeleteFailed, err)
	}
	if err != nil {
		maskedErrorsTotal.WithLabelValues("del_address").Inc()
	}
	return nil
}

func logFields(r route.Route) map[string]interface{} {
	return map[string]interface{}{
		"dst":    r.Destination(),
		"ifName": r.RouteIfName(),
	}
}
