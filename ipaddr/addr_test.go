package ipaddr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/commonnet/openr/ipaddr"
)

func TestAddr(t *testing.T) {
	cases := []struct {
		name      string
		inputIP   string
		canonical string
		version   uint8
		bytes     []byte
	}{
		{"ipv4", "10.0.0.1", "10.0.0.1", 4, []byte{0xa, 0, 0, 1}},
		{"ipv6", "dead::beef", "dead::beef", 6, []byte{
			0xde, 0xad, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xbe, 0xef,
		}},
		{"ipv6 non-canonical", "dead:0:0::beef", "dead::beef", 6, []byte{
			0xde, 0xad, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xbe, 0xef,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := ipaddr.FromString(tc.inputIP)
			assert.Equal(t, tc.bytes, []byte(a.AsNetIP()))
			assert.Equal(t, tc.canonical, a.String())
			assert.Equal(t, tc.version, a.Version())
			assert.Equal(t, tc.canonical, ipaddr.MustParseCIDROrIP(tc.inputIP).Addr().String())
		})
	}
}

func TestCIDR(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		canonical string
		version   uint8
		prefix    uint8
	}{
		{"ipv4", "10.0.0.0/16", "10.0.0.0/16", 4, 16},
		{"ipv4 masked", "10.0.0.1/16", "10.0.0.0/16", 4, 16},
		{"ipv6", "dead::/16", "dead::/16", 6, 16},
		{"ipv6 non-canonical", "dead:0:0::beef/16", "dead::/16", 6, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := ipaddr.MustParseCIDROrIP(tc.input)
			assert.Equal(t, tc.prefix, c.Prefix())
			assert.Equal(t, tc.canonical, c.String())
			assert.Equal(t, tc.version, c.Version())
		})
	}
}

func TestNthBit(t *testing.T) {
	cases := []struct {
		addr     string
		n        uint
		expected int
	}{
		{"10.10.10.1", 32, 1},
		{"10.10.10.1", 31, 0},
		{"192.168.0.2", 32, 0},
		{"192.168.0.2", 31, 1},
		{"192.168.0.2", 1, 1},
		{"fc00:fe11::1", 128, 1},
		{"fc00:fe11::1", 127, 0},
	}
	for _, tc := range cases {
		addr := ipaddr.FromString(tc.addr)
		assert.Equal(t, tc.expected, addr.NthBit(tc.n), "addr=%s n=%d", tc.addr, tc.n)
	}
}

func TestContains(t *testing.T) {
	cases := []struct {
		cidr     string
		addr     string
		expected bool
	}{
		{"10.10.10.1/32", "10.10.10.1", true},
		{"10.10.10.1/32", "10.10.10.2", false},
		{"10.10.10.0/24", "10.10.10.3", true},
		{"10.10.10.0/24", "10.10.11.3", false},
		{"fc00:fe11::1/128", "fc00:fe11::1", true},
		{"fc00:fe11::1/128", "fc00:fe11::2", false},
		{"fc00:fe11::/112", "fc00:fe11::3", true},
		{"fc00:fe11::/112", "fc00:fe12::3", false},
	}
	for _, tc := range cases {
		cidr := ipaddr.MustParseCIDROrIP(tc.cidr)
		addr := ipaddr.FromString(tc.addr)
		assert.Equal(t, tc.expected, cidr.Contains(addr), "cidr=%s addr=%s", tc.cidr, tc.addr)
	}
}

func TestCIDREqual(t *testing.T) {
	a := ipaddr.MustParseCIDROrIP("10.0.0.0/24")
	b := ipaddr.MustParseCIDROrIP("10.0.0.5/24")
	assert.True(t, a.Equal(b))

	c := ipaddr.MustParseCIDROrIP("10.0.1.0/24")
	assert.False(t, a.Equal(c))
}
