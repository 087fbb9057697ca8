// Package ribcache is the per-protocol-id, per-family route cache
// (component E). It mirrors NetlinkSocket.cpp's four route maps
// (unicastRoutesCache_, mcastRoutesCache_, linkRoutesCache_,
// mplsRoutesCache_) plus its link/neighbor bookkeeping maps, each keyed
// exactly the way the original keys them: unicast and MPLS by protocol id
// then by destination/label, multicast and link-scope routes by protocol
// id then by (destination, outgoing interface) since the kernel allows
// more than one such route to the same prefix down different interfaces.
package ribcache

import (
	"sync"

	"github.com/commonnet/openr/ipaddr"
	"github.com/commonnet/openr/route"
)

// mcastKey is the (destination, ifName) composite key the original uses
// for multicast and link-scope routes; both partitions use it.
type mcastKey struct {
	dst    string
	ifName string
}

// RouteKey identifies a multicast or link-scope route by its (destination,
// outgoing interface) composite key, the exported form of mcastKey used by
// callers that need to enumerate rather than just look up a single entry.
type RouteKey struct {
	Dst    ipaddr.CIDR
	IfName string
}

// Store holds the full route/link/neighbor cache. fib reaches it from its
// event loop; every Store method also takes mu, which is what makes
// TotalUnicastCount/TotalMPLSCount safe to call from outside the loop for
// metrics scraping.
type Store struct {
	mu sync.RWMutex

	unicast map[uint8]map[string]route.Route      // protocolID -> dst.String() -> route
	mcast   map[uint8]map[mcastKey]route.Route     // protocolID -> (dst,ifName) -> route
	link    map[uint8]map[mcastKey]route.Route     // protocolID -> (dst,ifName) -> route
	mpls    map[uint8]map[uint32]route.Route       // protocolID -> label -> route

	links           map[string]route.Link // ifName -> link
	loopbackIfIndex int
	neighbors       map[neighKey]route.Neighbor
	networks        map[string]map[string]ipaddr.CIDR // ifName -> prefix string -> CIDR
}

type neighKey struct {
	ifName string
	dest   string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		unicast: map[uint8]map[string]route.Route{},
		mcast:   map[uint8]map[mcastKey]route.Route{},
		link:    map[uint8]map[mcastKey]route.Route{},
		mpls:    map[uint8]map[uint32]route.Route{},
		links:     map[string]route.Link{},
		neighbors: map[neighKey]route.Neighbor{},
		networks:  map[string]map[string]ipaddr.CIDR{},
	}
}

// --- unicast partition ---

func (s *Store) UnicastGet(protocolID uint8, dst ipaddr.CIDR) (route.Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.unicast[protocolID][dst.String()]
	return r, ok
}

func (s *Store) UnicastPut(protocolID uint8, r route.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unicast[protocolID] == nil {
		s.unicast[protocolID] = map[string]route.Route{}
	}
	s.unicast[protocolID][r.Destination().String()] = r
}

func (s *Store) UnicastDelete(protocolID uint8, dst ipaddr.CIDR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unicast[protocolID], dst.String())
}

// UnicastKeys returns every destination currently cached for protocolID,
// used by the reconciler to compute a delete set against a new sync DB.
func (s *Store) UnicastKeys(protocolID uint8) []ipaddr.CIDR {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ipaddr.CIDR, 0, len(s.unicast[protocolID]))
	for _, r := range s.unicast[protocolID] {
		out = append(out, r.Destination())
	}
	return out
}

// TotalUnicastCount sums cache entries across every protocol id, mirroring
// NetlinkSocket::getRouteCount().
func (s *Store) TotalUnicastCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, m := range s.unicast {
		total += len(m)
	}
	return total
}

// UnicastSnapshot returns a copy of the entire unicast partition for
// protocolID, keyed by destination string, mirroring
// NetlinkSocket::getCachedUnicastRoutes.
func (s *Store) UnicastSnapshot(protocolID uint8) map[string]route.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]route.Route, len(s.unicast[protocolID]))
	for k, r := range s.unicast[protocolID] {
		out[k] = r
	}
	return out
}

// --- multicast partition ---

func (s *Store) MulticastGet(protocolID uint8, dst ipaddr.CIDR, ifName string) (route.Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.mcast[protocolID][mcastKey{dst.String(), ifName}]
	return r, ok
}

func (s *Store) MulticastPut(protocolID uint8, dst ipaddr.CIDR, ifName string, r route.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mcast[protocolID] == nil {
		s.mcast[protocolID] = map[mcastKey]route.Route{}
	}
	s.mcast[protocolID][mcastKey{dst.String(), ifName}] = r
}

func (s *Store) MulticastDelete(protocolID uint8, dst ipaddr.CIDR, ifName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mcast[protocolID], mcastKey{dst.String(), ifName})
}

// MulticastSnapshot returns a copy of the entire multicast partition for
// protocolID, mirroring NetlinkSocket::getCachedMulticastRoutes.
func (s *Store) MulticastSnapshot(protocolID uint8) map[RouteKey]route.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[RouteKey]route.Route, len(s.mcast[protocolID]))
	for k, r := range s.mcast[protocolID] {
		out[RouteKey{r.Destination(), k.ifName}] = r
	}
	return out
}

// --- link-scope partition ---

func (s *Store) LinkRouteGet(protocolID uint8, dst ipaddr.CIDR, ifName string) (route.Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.link[protocolID][mcastKey{dst.String(), ifName}]
	return r, ok
}

func (s *Store) LinkRoutePut(protocolID uint8, dst ipaddr.CIDR, ifName string, r route.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link[protocolID] == nil {
		s.link[protocolID] = map[mcastKey]route.Route{}
	}
	s.link[protocolID][mcastKey{dst.String(), ifName}] = r
}

func (s *Store) LinkRouteDelete(protocolID uint8, dst ipaddr.CIDR, ifName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.link[protocolID], mcastKey{dst.String(), ifName})
}

// LinkRouteSwap atomically replaces the entire link-route partition for
// protocolID, mirroring linkRoutes.swap(syncDb) at the end of
// doSyncLinkRoutes: the in-memory cache becomes exactly what was synced,
// trusting the adds already succeeded.
func (s *Store) LinkRouteSwap(protocolID uint8, newDB map[string]route.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swapped := make(map[mcastKey]route.Route, len(newDB))
	for k, r := range newDB {
		swapped[mcastKey{k, r.RouteIfName()}] = r
	}
	s.link[protocolID] = swapped
}

func (s *Store) LinkRouteKeys(protocolID uint8) []RouteKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RouteKey, 0, len(s.link[protocolID]))
	for _, r := range s.link[protocolID] {
		out = append(out, RouteKey{r.Destination(), r.RouteIfName()})
	}
	return out
}

// LinkSnapshot returns a copy of the entire link-scope partition for
// protocolID, mirroring NetlinkSocket::getCachedLinkRoutes.
func (s *Store) LinkSnapshot(protocolID uint8) map[RouteKey]route.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[RouteKey]route.Route, len(s.link[protocolID]))
	for k, r := range s.link[protocolID] {
		out[RouteKey{r.Destination(), k.ifName}] = r
	}
	return out
}

// --- MPLS partition ---

func (s *Store) MPLSGet(protocolID uint8, label uint32) (route.Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.mpls[protocolID][label]
	return r, ok
}

func (s *Store) MPLSPut(protocolID uint8, label uint32, r route.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mpls[protocolID] == nil {
		s.mpls[protocolID] = map[uint32]route.Route{}
	}
	s.mpls[protocolID][label] = r
}

func (s *Store) MPLSDelete(protocolID uint8, label uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mpls[protocolID], label)
}

func (s *Store) MPLSKeys(protocolID uint8) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint32, 0, len(s.mpls[protocolID]))
	for label := range s.mpls[protocolID] {
		out = append(out, label)
	}
	return out
}

// TotalMPLSCount sums across every protocol id, mirroring
// NetlinkSocket::getMplsRouteCount().
func (s *Store) TotalMPLSCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, m := range s.mpls {
		total += len(m)
	}
	return total
}

// MPLSSnapshot returns a copy of the entire MPLS partition for protocolID,
// keyed by label, mirroring NetlinkSocket::getCachedMplsRoutes.
func (s *Store) MPLSSnapshot(protocolID uint8) map[uint32]route.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32]route.Route, len(s.mpls[protocolID]))
	for label, r := range s.mpls[protocolID] {
		out[label] = r
	}
	return out
}

// --- link/address/neighbor bookkeeping ---

// UpsertLink records a link's state, tracking the loopback ifIndex the
// way the original's handleLinkEvent does.
func (s *Store) UpsertLink(l route.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[l.Name] = l
	if l.IsLoopback {
		s.loopbackIfIndex = l.IfIndex
	}
}

func (s *Store) Link(name string) (route.Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[name]
	return l, ok
}

func (s *Store) IfIndex(name string) (int, bool) {
	l, ok := s.Link(name)
	if !ok {
		return 0, false
	}
	return l.IfIndex, true
}

func (s *Store) IfName(ifIndex int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, l := range s.links {
		if l.IfIndex == ifIndex {
			return name, true
		}
	}
	return "", false
}

func (s *Store) LoopbackIfIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loopbackIfIndex
}

// AllLinks returns every cached link, mirroring NetlinkSocket::getAllLinks.
// Unlike the original, which re-polls the kernel's link/address caches
// before returning, this is a direct snapshot of state this agent has
// already observed via link notifications — there is no poll-based cache
// manager in this port to refresh first.
func (s *Store) AllLinks() []route.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]route.Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out
}

// UpsertNetwork records that prefix is assigned to ifName, mirroring
// handleAddrEvent's insertion into links_[ifName].networks on a valid
// address notification.
func (s *Store) UpsertNetwork(ifName string, prefix ipaddr.CIDR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.networks[ifName] == nil {
		s.networks[ifName] = map[string]ipaddr.CIDR{}
	}
	s.networks[ifName][prefix.String()] = prefix
}

// RemoveNetwork mirrors handleAddrEvent's erase on an address delete.
func (s *Store) RemoveNetwork(ifName string, prefix ipaddr.CIDR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.networks[ifName], prefix.String())
}

// Networks returns every prefix currently recorded against ifName.
func (s *Store) Networks(ifName string) []ipaddr.CIDR {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ipaddr.CIDR, 0, len(s.networks[ifName]))
	for _, p := range s.networks[ifName] {
		out = append(out, p)
	}
	return out
}

// RemoveNeighborsOnLink purges every neighbor cache entry for ifName, the
// way handleLinkEvent does the moment a link goes down.
func (s *Store) RemoveNeighborsOnLink(ifName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.neighbors {
		if k.ifName == ifName {
			delete(s.neighbors, k)
		}
	}
}

func (s *Store) UpsertNeighbor(n route.Neighbor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := neighKey{n.IfName, n.Dest.String()}
	// The original unconditionally erases before conditionally
	// re-inserting; a not-reachable neighbor update is therefore a pure
	// delete.
	delete(s.neighbors, key)
	if n.Reachable {
		s.neighbors[key] = n
	}
}

func (s *Store) DeleteNeighbor(ifName string, dest ipaddr.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.neighbors, neighKey{ifName, dest.String()})
}

// Neighbor looks up a single cached neighbor entry.
func (s *Store) Neighbor(ifName string, dest ipaddr.Addr) (route.Neighbor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.neighbors[neighKey{ifName, dest.String()}]
	return n, ok
}

// AllNeighbors returns every cached reachable neighbor, mirroring
// NetlinkSocket::getAllReachableNeighbors. As with AllLinks, this is a
// direct snapshot rather than a poll-refresh-then-return, since UpsertNeighbor
// already only ever retains reachable entries.
func (s *Store) AllNeighbors() []route.Neighbor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]route.Neighbor, 0, len(s.neighbors))
	for _, n := range s.neighbors {
		out = append(out, n)
	}
	return out
}
