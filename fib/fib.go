// Package fib is the Go analogue of openr::fbnl::NetlinkSocket: it glues
// the event loop (evloop), the route cache (ribcache) and the kernel
// boundary (transport) together behind the public mutation/reconciliation/
// notification API described by components F, G and H.
package fib

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/commonnet/openr/evloop"
	"github.com/commonnet/openr/ribcache"
	"github.com/commonnet/openr/route"
	"github.com/commonnet/openr/transport"
)

// Sentinel errors, following routetable.go's GetFailed/ConnectFailed/
// ListFailed pattern: matched with errors.Is, wrapped with %w at each
// call site that adds context.
var (
	// KernelAddFailed is returned when the kernel rejects a route/address
	// add that this agent's masking rules don't cover.
	KernelAddFailed = errors.New("fib: kernel add operation failed")
	// KernelDeleteFailed is returned when the kernel rejects a delete that
	// this agent's masking rules don't cover.
	KernelDeleteFailed = errors.New("fib: kernel delete operation failed")
	// UnsupportedRouteType is returned by AddRoute for any route.Type this
	// agent doesn't know how to install (mirrors NetlinkSocket::addRoute's
	// "Unsupported route type {}" throw).
	UnsupportedRouteType = errors.New("fib: unsupported route type")
	// MPLSUnsupported names the case of a transport with no label-route
	// support. AddMplsRoute, DelMplsRoute and SyncMplsRoutes do not return
	// it: on such a transport they log and return nil.
	MPLSUnsupported = errors.New("fib: MPLS routes unsupported by this transport")
)

var (
	syncDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "fibagent_sync_seconds",
		Help: "Time taken to run a sync/reconcile pass, by kind.",
	}, []string{"kind"})

	maskedErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fibagent_masked_kernel_errors_total",
		Help: "Count of kernel errors treated as success by the masking rules.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(syncDuration, maskedErrorsTotal)
}

// Handler receives fan-out notifications from the subscription channel,
// mirroring NetlinkSocket's EventHandler interface (component H).
type Handler interface {
	HandleRouteEvent(ifName string, action transport.Action, r route.Route)
	HandleLinkEvent(l route.Link)
	HandleAddrEvent(ifName string, action transport.Action, addr route.IfAddress)
	HandleNeighborEvent(n route.Neighbor)
}

// Agent is the top-level object applications construct, the analogue of
// NetlinkSocket itself.
type Agent struct {
	logCxt *log.Entry

	loop      *evloop.Loop
	cache     *ribcache.Store
	transport transport.NetlinkTransport
	caps      transport.Capabilities

	protocolID uint8
	routeTable route.Table

	handler     Handler
	eventMask   map[transport.EventType]bool
	opTickCount uint32

	// runCancel stops the subscription-draining goroutine Run started, set
	// the first time Run is called and invoked by Close.
	runCancel context.CancelFunc
}

// Option configures an Agent at construction time, following
// routetable.RouteTableOpt / handlemgr.NetlinkHandleManagerOpt.
type Option func(*Agent)

// WithProtocolID sets the Agent's protocol id, route.DefaultProtocolID (99)
// by default. No Agent method reads it: routes are installed and cached
// under the protocol id each route.Route carries.
func WithProtocolID(id uint8) Option {
	return func(a *Agent) { a.protocolID = id }
}

// WithRouteTable overrides which kernel routing table this agent manages.
// Defaults to route.TableMain.
func WithRouteTable(t route.Table) Option {
	return func(a *Agent) { a.routeTable = t }
}

// WithHandler registers the fan-out target for kernel notifications.
func WithHandler(h Handler) Option {
	return func(a *Agent) { a.handler = h }
}

// WithQueueDepth overrides the event loop's closure queue depth.
func WithQueueDepth(n int) Option {
	return func(a *Agent) { a.loop = evloop.New(n) }
}

// New constructs an Agent around the given transport. It does not start
// subscribing to kernel notifications; call Run for that.
func New(t transport.NetlinkTransport, opts ...Option) *Agent {
	a := &Agent{
		logCxt:     log.WithField("component", "fib"),
		cache:      ribcache.New(),
		transport:  t,
		protocolID: route.DefaultProtocolID,
		routeTable: route.TableMain,
		eventMask:  map[transport.EventType]bool{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.loop == nil {
		a.loop = evloop.New(256)
	}
	a.caps = t.Capabilities()
	a.loop.OnOpTick(a.onOpTick)
	return a
}

// onOpTick is wired into evloop.Loop.OnOpTick, replacing the original's
// `if (++eventCount_ == 0) nl_cache_mngr_poll(...)`: an explicit, named,
// testable hook instead of a silent side effect buried in every mutation.
func (a *Agent) onOpTick() {
	a.opTickCount++
	if a.opTickCount == 0 {
		a.logCxt.Debug("operation counter wrapped, forcing transport resync")
		if err := a.transport.Resync(context.Background()); err != nil {
			a.logCxt.WithError(err).Warn("transport resync after counter wraparound failed")
		}
	}
}

// SetEventHandler replaces the fan-out target, mirroring
// NetlinkSocket::setEventHandler.
func (a *Agent) SetEventHandler(h Handler) {
	a.loop.Post(func() { a.handler = h })
}

// SubscribeEvent enables fan-out for the given event type. Returns
// transport.ErrRouteEventsUnsupported if typ is RouteEvent and the
// transport can't deliver route notifications: a soft error, not a
// panic, since this is a library embedded in someone else's process.
func (a *Agent) SubscribeEvent(typ transport.EventType) error {
	if typ == transport.RouteEvent && !a.caps.RouteEvents {
		return transport.ErrRouteEventsUnsupported
	}
	c := evloop.PostOp(a.loop, func() (struct{}, error) {
		a.eventMask[typ] = true
		return struct{}{}, nil
	})
	_, err := c.Wait(context.Background())
	return err
}

// UnsubscribeEvent disables fan-out for the given event type, mirroring
// NetlinkSocket::unsubscribeEvent. The underlying kernel subscription
// started by Run is left in place; only delivery to the registered
// Handler stops.
func (a *Agent) UnsubscribeEvent(typ transport.EventType) error {
	c := evloop.PostOp(a.loop, func() (struct{}, error) {
		delete(a.eventMask, typ)
		return struct{}{}, nil
	})
	_, err := c.Wait(context.Background())
	return err
}

// GetRouteCount returns the number of cached unicast routes summed across
// every protocol id (NetlinkSocket::getRouteCount).
func (a *Agent) GetRouteCount() int {
	return a.cache.TotalUnicastCount()
}

// GetMplsRouteCount returns the number of cached MPLS routes summed
// across every protocol id (NetlinkSocket::getMplsRouteCount).
func (a *Agent) GetMplsRouteCount() int {
	return a.cache.TotalMPLSCount()
}

// GetIfIndex resolves an interface name to index via the link cache.
func (a *Agent) GetIfIndex(ctx context.Context, name string) (int, error) {
	c := evloop.PostOp(a.loop, func() (int, error) {
		idx, ok := a.cache.IfIndex(name)
		if !ok {
			return 0, fmt.Errorf("fib: unknown interface %s", name)
		}
		return idx, nil
	})
	return c.Wait(ctx)
}

// GetIfName resolves an interface index to name via the link cache.
func (a *Agent) GetIfName(ctx context.Context, ifIndex int) (string, error) {
	c := evloop.PostOp(a.loop, func() (string, error) {
		name, ok := a.cache.IfName(ifIndex)
		if !ok {
			return "", fmt.Errorf("fib: unknown ifIndex %d", ifIndex)
		}
		return name, nil
	})
	return c.Wait(ctx)
}

// GetLoopbackIfIndex returns the cached loopback interface's index.
func (a *Agent) GetLoopbackIfIndex(ctx context.Context) (int, error) {
	c := evloop.PostOp(a.loop, func() (int, error) {
		return a.cache.LoopbackIfIndex(), nil
	})
	return c.Wait(ctx)
}

// GetCachedUnicastRoutes returns a snapshot of the unicast partition for
// protocolID, mirroring NetlinkSocket::getCachedUnicastRoutes.
func (a *Agent) GetCachedUnicastRoutes(ctx context.Context, protocolID uint8) (map[string]route.Route, error) {
	c := evloop.PostOp(a.loop, func() (map[string]route.Route, error) {
		return a.cache.UnicastSnapshot(protocolID), nil
	})
	return c.Wait(ctx)
}

// GetCachedMulticastRoutes returns a snapshot of the multicast partition
// for protocolID, mirroring NetlinkSocket::getCachedMulticastRoutes.
func (a *Agent) GetCachedMulticastRoutes(ctx context.Context, protocolID uint8) (map[ribcache.RouteKey]route.Route, error) {
	c := evloop.PostOp(a.loop, func() (map[ribcache.RouteKey]route.Route, error) {
		return a.cache.MulticastSnapshot(protocolID), nil
	})
	return c.Wait(ctx)
}

// GetCachedLinkRoutes returns a snapshot of the link-scope partition for
// protocolID, mirroring NetlinkSocket::getCachedLinkRoutes.
func (a *Agent) GetCachedLinkRoutes(ctx context.Context, protocolID uint8) (map[ribcache.RouteKey]route.Route, error) {
	c := evloop.PostOp(a.loop, func() (map[ribcache.RouteKey]route.Route, error) {
		return a.cache.LinkSnapshot(protocolID), nil
	})
	return c.Wait(ctx)
}

// GetCachedMplsRoutes returns a snapshot of the MPLS partition for
// protocolID, mirroring NetlinkSocket::getCachedMplsRoutes.
func (a *Agent) GetCachedMplsRoutes(ctx context.Context, protocolID uint8) (map[uint32]route.Route, error) {
	c := evloop.PostOp(a.loop, func() (map[uint32]route.Route, error) {
		return a.cache.MPLSSnapshot(protocolID), nil
	})
	return c.Wait(ctx)
}

// GetIfAddrs queries the transport directly for every address on ifIndex,
// filtered by family and scope, mirroring NetlinkSocket::getIfAddrs /
// doGetIfAddrs. Unlike the getCached* accessors above, this is not a
// ribcache snapshot: the original queries the kernel's live address cache
// rather than its own bookkeeping, so this does too. family == 0 and
// scope == route.ScopeNowhere act as "match any", mirroring AF_UNSPEC and
// RT_SCOPE_NOWHERE in the original's filter.
func (a *Agent) GetIfAddrs(ctx context.Context, ifIndex int, family uint8, scope route.Scope) ([]route.IfAddress, error) {
	c := evloop.PostOp(a.loop, func() ([]route.IfAddress, error) {
		addrs, err := a.transport.ListAddresses(context.Background(), ifIndex)
		if err != nil {
			return nil, fmt.Errorf("fib: listing addresses on ifIndex %d: %w", ifIndex, err)
		}
		out := make([]route.IfAddress, 0, len(addrs))
		for _, addr := range addrs {
			if family != 0 && addr.Family() != family {
				continue
			}
			if scope != route.ScopeNowhere && addr.Scope() != scope {
				continue
			}
			out = append(out, addr)
		}
		return out, nil
	})
	return c.Wait(ctx)
}

// GetAllLinks returns every cached link, mirroring
// NetlinkSocket::getAllLinks.
func (a *Agent) GetAllLinks(ctx context.Context) ([]route.Link, error) {
	c := evloop.PostOp(a.loop, func() ([]route.Link, error) {
		return a.cache.AllLinks(), nil
	})
	return c.Wait(ctx)
}

// GetAllReachableNeighbors returns every cached reachable neighbor,
// mirroring NetlinkSocket::getAllReachableNeighbors.
func (a *Agent) GetAllReachableNeighbors(ctx context.Context) ([]route.Neighbor, error) {
	c := evloop.PostOp(a.loop, func() ([]route.Neighbor, error) {
		return a.cache.AllNeighbors(), nil
	})
	return c.Wait(ctx)
}

// Close tears the agent down in roughly the order spec'd for
// NetlinkSocket's destructor: stop delivering subscription notifications,
// release the transport's handle, drop the cache, then stop the loop so no
// further posted closure can touch either. Pending operations posted
// before Close is called are still drained before the loop stops.
func (a *Agent) Close() {
	if a.runCancel != nil {
		a.runCancel()
	}
	if err := a.transport.Close(context.Background()); err != nil {
		a.logCxt.WithError(err).Warn("closing transport failed")
	}
	a.loop.Post(func() {
		a.cache = ribcache.New()
	})
	a.loop.Stop()
}
