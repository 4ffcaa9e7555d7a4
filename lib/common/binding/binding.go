// Package binding holds the network endpoint type shared by the peer, API and
// sampler layers: an IP address paired with a port.
package binding

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/samber/oops"
)

// ErrInvalidBinding is returned when a textual binding cannot be parsed.
var ErrInvalidBinding = errors.New("invalid binding")

// Binding identifies a peer endpoint. The zero value is invalid.
type Binding struct {
	Addr netip.Addr
	Port uint16
}

// New builds a Binding from an address and port. IPv4-mapped IPv6 addresses
// are unmapped so that equal endpoints compare equal.
func New(addr netip.Addr, port uint16) Binding {
	return Binding{Addr: addr.Unmap(), Port: port}
}

// FromAddrPort converts a netip.AddrPort.
func FromAddrPort(ap netip.AddrPort) Binding {
	return New(ap.Addr(), ap.Port())
}

// Parse reads "host:port", "[v6]:port" or a bare "host" with defaultPort.
// Only literal IP addresses are accepted.
func Parse(s string, defaultPort uint16) (Binding, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port component
		host = s
		portStr = ""
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Binding{}, oops.Wrapf(ErrInvalidBinding, "parse address %q: %v", s, err)
	}
	port := defaultPort
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Binding{}, oops.Wrapf(ErrInvalidBinding, "parse port %q: %v", s, err)
		}
		port = uint16(p)
	}
	return New(addr, port), nil
}

// MustParse is Parse with no default port that panics on error. It is meant
// for literals in tests and tables.
func MustParse(s string) Binding {
	b, err := Parse(s, 0)
	if err != nil {
		panic(err)
	}
	return b
}

// IsValid reports whether the address is set.
func (b Binding) IsValid() bool {
	return b.Addr.IsValid()
}

// Is4 reports whether the address is IPv4.
func (b Binding) Is4() bool {
	return b.Addr.Is4()
}

// AddrPort returns the binding as a netip.AddrPort.
func (b Binding) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(b.Addr, b.Port)
}

// UDPAddr returns the binding as a *net.UDPAddr.
func (b Binding) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(b.AddrPort())
}

// String renders "ip:port", bracketing IPv6 addresses.
func (b Binding) String() string {
	if !b.IsValid() {
		return "<invalid binding>"
	}
	return b.AddrPort().String()
}

// Describe is the log form used by tunnel descriptions, "ip:port" without
// brackets.
func (b Binding) Describe() string {
	if !b.IsValid() {
		return "<invalid binding>"
	}
	return fmt.Sprintf("%s:%d", b.Addr, b.Port)
}
