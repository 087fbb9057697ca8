// Package ipaddr provides the typed IPv4/IPv6 address and CIDR prefix
// values used throughout fibagent. Equality is defined over the canonical
// byte representation so it is stable across platforms and independent of
// string formatting quirks (leading zeros, IPv4-mapped IPv6, non-canonical
// zero-compression, etc). The package defines no ordering of addresses or
// prefixes.
package ipaddr

import (
	"fmt"
	"net"
)

// Addr is an immutable, comparable IPv4 or IPv6 address.
type Addr struct {
	ip net.IP // always the 4- or 16-byte canonical form
}

// FromNetIP converts a net.IP into an Addr. Returns the zero Addr if ip is nil.
func FromNetIP(ip net.IP) Addr {
	if ip == nil {
		return Addr{}
	}
	if v4 := ip.To4(); v4 != nil {
		return Addr{ip: v4}
	}
	return Addr{ip: ip.To16()}
}

// FromString parses an address, panicking on malformed input. Intended for
// tests and for call sites that have already validated the string.
func FromString(s string) Addr {
	ip := net.ParseIP(s)
	if ip == nil {
		panic(fmt.Sprintf("ipaddr: invalid address %q", s))
	}
	return FromNetIP(ip)
}

// IsNil reports whether this Addr carries no value.
func (a Addr) IsNil() bool {
	return a.ip == nil
}

// AsNetIP returns the underlying net.IP. Callers must not mutate it.
func (a Addr) AsNetIP() net.IP {
	return a.ip
}

// Version returns 4 or 6.
func (a Addr) Version() uint8 {
	if len(a.ip) == net.IPv4len {
		return 4
	}
	return 6
}

// IsMulticast reports whether the address is in a multicast range.
func (a Addr) IsMulticast() bool {
	return a.ip != nil && a.ip.IsMulticast()
}

// IsLinkLocal reports whether the address is link-local unicast or
// link-local multicast.
func (a Addr) IsLinkLocal() bool {
	return a.ip != nil && (a.ip.IsLinkLocalUnicast() || a.ip.IsLinkLocalMulticast())
}

// NthBit returns the value (0 or 1) of the n'th bit of the address,
// counting from 1 at the most significant bit.
func (a Addr) NthBit(n uint) int {
	byteIdx := (n - 1) / 8
	bitIdx := 7 - ((n - 1) % 8)
	if int(byteIdx) >= len(a.ip) {
		return 0
	}
	return int((a.ip[byteIdx] >> bitIdx) & 1)
}

// String renders the canonical textual form.
func (a Addr) String() string {
	if a.ip == nil {
		return "<nil>"
	}
	return a.ip.String()
}

// Equal reports whether two addresses are byte-identical.
func (a Addr) Equal(b Addr) bool {
	return a.ip.Equal(b.ip)
}

// CIDR is an immutable (address, prefix length) pair. The address is
// always masked to the prefix so that two CIDRs covering the same network
// compare equal regardless of the host bits the caller supplied.
type CIDR struct {
	addr   Addr
	prefix uint8
}

// MustParseCIDROrIP parses either a "a.b.c.d/n" CIDR or a bare address
// (treated as a host route, /32 or /128). Panics on malformed input.
func MustParseCIDROrIP(s string) CIDR {
	if ip, ipnet, err := net.ParseCIDR(s); err == nil {
		ones, _ := ipnet.Mask.Size()
		return CIDR{addr: FromNetIP(maskAddr(ip, ipnet)), prefix: uint8(ones)}
	}
	ip := net.ParseIP(s)
	if ip == nil {
		panic(fmt.Sprintf("ipaddr: invalid CIDR or IP %q", s))
	}
	a := FromNetIP(ip)
	if a.Version() == 4 {
		return CIDR{addr: a, prefix: 32}
	}
	return CIDR{addr: a, prefix: 128}
}

func maskAddr(ip net.IP, ipnet *net.IPNet) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return ipnet.IP.To4()
	}
	return ipnet.IP.To16()
}

// CIDRFromIPNet converts a net.IPNet (as returned by the netlink package)
// into a CIDR, masking the address to the prefix.
func CIDRFromIPNet(n *net.IPNet) CIDR {
	if n == nil {
		return CIDR{}
	}
	ones, _ := n.Mask.Size()
	return CIDR{addr: FromNetIP(n.IP.Mask(n.Mask)), prefix: uint8(ones)}
}

// Addr returns the network address (host bits zeroed).
func (c CIDR) Addr() Addr {
	return c.addr
}

// Prefix returns the prefix length.
func (c CIDR) Prefix() uint8 {
	return c.prefix
}

// Version returns 4 or 6.
func (c CIDR) Version() uint8 {
	return c.addr.Version()
}

// String renders "addr/prefix".
func (c CIDR) String() string {
	return fmt.Sprintf("%s/%d", c.addr, c.prefix)
}

// ToIPNet converts back to the stdlib representation, e.g. to hand to
// vishvananda/netlink.
func (c CIDR) ToIPNet() net.IPNet {
	bits := 32
	if c.addr.Version() == 6 {
		bits = 128
	}
	return net.IPNet{
		IP:   c.addr.AsNetIP(),
		Mask: net.CIDRMask(int(c.prefix), bits),
	}
}

// Contains reports whether addr falls within this CIDR's network.
func (c CIDR) Contains(addr Addr) bool {
	n := c.ToIPNet()
	return n.Contains(addr.AsNetIP())
}

// Equal reports whether two CIDRs cover the same network.
func (c CIDR) Equal(o CIDR) bool {
	return c.prefix == o.prefix && c.addr.Equal(o.addr)
}

// IsZero reports whether this is the zero-value CIDR (no address set).
func (c CIDR) IsZero() bool {
	return c.addr.IsNil() && c.prefix == 0
}
