package fib

import (
	"context"
	"fmt"
	"time"

	"github.com/commonnet/openr/evloop"
	"github.com/commonnet/openr/route"
)

// SyncUnicastRoutes reconciles the cached unicast routes for protocolID
// against syncDB, mirroring doSyncUnicastRoutes: every cached destination
// absent from syncDB is deleted first, then every route in syncDB is
// passed through doAddUpdateUnicastRoute (which itself no-ops unchanged
// entries and does the IPv6 pre-delete dance per route as needed).
func (a *Agent) SyncUnicastRoutes(ctx context.Context, protocolID uint8, syncDB map[string]route.Route) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		start := time.Now()
		err := a.syncUnicastRoutes(protocolID, syncDB)
		syncDuration.WithLabelValues("unicast").Observe(time.Since(start).Seconds())
		return struct{}{}, err
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) syncUnicastRoutes(protocolID uint8, syncDB map[string]route.Route) error {
	for _, dst := range a.cache.UnicastKeys(protocolID) {
		if _, wanted := syncDB[dst.String()]; wanted {
			continue
		}
		existing, ok := a.cache.UnicastGet(protocolID, dst)
		if !ok {
			continue
		}
		if err := a.doDeleteUnicastRoute(existing); err != nil {
			return fmt.Errorf("fib: sync unicast delete %s: %w", dst, err)
		}
	}
	for _, r := range syncDB {
		if err := a.doAddUpdateUnicastRoute(r); err != nil {
			return fmt.Errorf("fib: sync unicast add %s: %w", r.Destination(), err)
		}
	}
	return nil
}

// SyncMplsRoutes reconciles the cached MPLS label routes for protocolID
// against syncDB, mirroring doSyncMplsRoutes in exactly the same two-pass
// shape as SyncUnicastRoutes: every cached label absent from syncDB is
// deleted first, then every label in syncDB is passed through
// doAddUpdateMplsRoute (which no-ops unchanged entries itself). A no-op if
// the transport has no label-route support, matching AddMplsRoute's
// capability gate.
func (a *Agent) SyncMplsRoutes(ctx context.Context, protocolID uint8, syncDB map[uint32]route.Route) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		start := time.Now()
		err := a.syncMplsRoutes(protocolID, syncDB)
		syncDuration.WithLabelValues("mpls").Observe(time.Since(start).Seconds())
		return struct{}{}, err
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) syncMplsRoutes(protocolID uint8, syncDB map[uint32]route.Route) error {
	if !a.caps.MPLS {
		a.logCxt.Warn("MPLS route sync requested but transport has no label-route support, ignoring")
		return nil
	}
	for _, label := range a.cache.MPLSKeys(protocolID) {
		if _, wanted := syncDB[label]; wanted {
			continue
		}
		existing, ok := a.cache.MPLSGet(protocolID, label)
		if !ok {
			continue
		}
		if err := a.doDeleteMplsRoute(existing); err != nil {
			return fmt.Errorf("fib: sync mpls delete label %d: %w", label, err)
		}
	}
	for _, r := range syncDB {
		if err := a.doAddUpdateMplsRoute(r); err != nil {
			label, _ := r.MPLSLabel()
			return fmt.Errorf("fib: sync mpls add label %d: %w", label, err)
		}
	}
	return nil
}

// SyncLinkRoutes reconciles the cached link-scope routes for protocolID
// against syncDB, mirroring doSyncLinkRoutes: deletes absent entries
// first (any delete error aborts the sync, unlike the masked unicast
// path), then adds only entries whose key is not already cached
// (skip-if-present, no replace), then swaps the in-memory cache to be
// exactly syncDB, trusting the adds succeeded.
func (a *Agent) SyncLinkRoutes(ctx context.Context, protocolID uint8, syncDB map[string]route.Route) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		start := time.Now()
		err := a.syncLinkRoutes(protocolID, syncDB)
		syncDuration.WithLabelValues("link").Observe(time.Since(start).Seconds())
		return struct{}{}, err
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) syncLinkRoutes(protocolID uint8, syncDB map[string]route.Route) error {
	for _, k := range a.cache.LinkRouteKeys(protocolID) {
		if _, wanted := syncDB[k.Dst.String()]; wanted {
			continue
		}
		existing, ok := a.cache.LinkRouteGet(protocolID, k.Dst, k.IfName)
		if !ok {
			continue
		}
		if err := a.transport.DeleteRoute(context.Background(), existing); err != nil {
			return fmt.Errorf("%w: link route %s: %v", KernelDeleteFailed, k.Dst, err)
		}
	}

	for _, r := range syncDB {
		if _, ok := a.cache.LinkRouteGet(protocolID, r.Destination(), r.RouteIfName()); ok {
			continue
		}
		if err := a.transport.AddRoute(context.Background(), r, false); err != nil {
			return fmt.Errorf("%w: link route %s: %v", KernelAddFailed, r.Destination(), err)
		}
	}

	a.cache.LinkRouteSwap(protocolID, syncDB)
	return nil
}

// SyncIfAddress reconciles the addresses of family/scope on ifIndex
// against addrs, mirroring doSyncIfAddress: every address is added
// before any deprecated one is deleted, to avoid a transient window
// where the interface has no address of that family at all.
func (a *Agent) SyncIfAddress(ctx context.Context, ifIndex int, addrs []route.IfAddress, family uint8, scope route.Scope) error {
	c := evloop.PostMutation(a.loop, func() (struct{}, error) {
		return struct{}{}, a.syncIfAddress(ifIndex, addrs, family, scope)
	})
	_, err := c.Wait(ctx)
	return err
}

func (a *Agent) syncIfAddress(ifIndex int, addrs []route.IfAddress, family uint8, scope route.Scope) error {
	newPrefixes := make(map[string]route.IfAddress, len(addrs))
	for _, addr := range addrs {
		if addr.IfIndex() != ifIndex {
			return fmt.Errorf("fib: inconsistent ifIndex in sync set: want %d got %d", ifIndex, addr.IfIndex())
		}
		prefix, ok := addr.Prefix()
		if !ok {
			return fmt.Errorf("fib: address prefix must be set")
		}
		newPrefixes[prefix.String()] = addr
	}

	oldAddrs, err := a.transport.ListAddresses(context.Background(), ifIndex)
	if err != nil {
		return fmt.Errorf("fib: listing existing addresses on ifIndex %d: %w", ifIndex, err)
	}
	oldPrefixes := make(map[string]route.IfAddress, len(oldAddrs))
	for _, addr := range oldAddrs {
		if addr.Scope() != scope || addr.Family() != family {
			continue
		}
		if prefix, ok := addr.Prefix(); ok {
			oldPrefixes[prefix.String()] = addr
		}
	}

	for key, addr := range newPrefixes {
		if _, already := oldPrefixes[key]; already {
			continue
		}
		if err := a.doAddIfAddress(ifIndex, addr); err != nil {
			return fmt.Errorf("fib: sync address add %s: %w", key, err)
		}
	}

	for key, addr := range oldPrefixes {
		if _, stillWanted := newPrefixes[key]; stillWanted {
			continue
		}
		if err := a.doDeleteAddr(ifIndex, addr); err != nil {
			return fmt.Errorf("fib: sync address delete %s: %w", key, err)
		}
	}

	return nil
}
