package xdmcp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// DefaultPort is the standard XDMCP UDP port (§6.1).
const DefaultPort uint16 = 177

var (
	ErrBadAddrLen = errors.New("xdmcp: address field must be 4 or 16 bytes")
	ErrBadPortLen = errors.New("xdmcp: port field must be exactly 2 bytes")
)

// AddrEqual reports whether a and b name the same endpoint, treating an
// IPv4 address and its IPv4-mapped IPv6 form as equal (§4.2, invariant P6
// — a peer that Requested over IPv4 and later Manages over a dual-stack
// IPv6 socket must still be recognized as the same display).
func AddrEqual(a, b netip.Addr) bool {
	return a.Unmap() == b.Unmap()
}

// IsLoopback reports whether addr is within 127.0.0.0/8 or is ::1 (§4.2).
func IsLoopback(addr netip.Addr) bool {
	return addr.Unmap().IsLoopback()
}

// LocalAddrSet answers IsLocal against a snapshot of this host's bound
// addresses (§6.4 enumerate_local_addrs, §4.2 is_local).
type LocalAddrSet struct {
	addrs map[netip.Addr]struct{}
}

// NewLocalAddrSet enumerates addresses bound on every local interface that
// is up, loopback included, via the standard library (net.Interfaces), grounded on
// the same interface-enumeration shape the XDMCP multicast-join step needs
// (§4.3) and the teacher's netio package uses for socket binding.
func NewLocalAddrSet() (*LocalAddrSet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate local addrs: %w", err)
	}

	set := &LocalAddrSet{addrs: make(map[netip.Addr]struct{})}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if addr, ok := netip.AddrFromSlice(ipNet.IP); ok {
				set.addrs[addr.Unmap()] = struct{}{}
			}
		}
	}
	return set, nil
}

// IsLocal reports whether addr matches any address bound on any local
// interface (§4.2).
func (s *LocalAddrSet) IsLocal(addr netip.Addr) bool {
	_, ok := s.addrs[addr.Unmap()]
	return ok
}

// NonLoopbackAddrs returns every tracked address that is not a loopback
// address, used by the loopback-client workaround in §4.8.
func (s *LocalAddrSet) NonLoopbackAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(s.addrs))
	for a := range s.addrs {
		if !a.IsLoopback() {
			out = append(out, a)
		}
	}
	return out
}

// Format renders addr/port as separate numeric strings for logging and
// wire embedding (§4.2 format).
func Format(ap netip.AddrPort) (host, port string) {
	return ap.Addr().String(), fmt.Sprintf("%d", ap.Port())
}

// FromRequest builds a netip.AddrPort from the wire ARRAY8 address and
// optional ARRAY8 port fields carried in XDMCP payloads (§4.2 from_request).
// addrBytes must be 4 (IPv4) or 16 (IPv6) bytes; portBytes must be exactly 2
// bytes or empty, in which case DefaultPort is used. When familyHint is an
// IPv6 address and addrBytes is 4 bytes, the result is the IPv4-mapped IPv6
// form (AI_V4MAPPED-equivalent per spec).
func FromRequest(addrBytes, portBytes []byte, familyHint netip.Addr) (netip.AddrPort, error) {
	var addr netip.Addr
	switch len(addrBytes) {
	case 4:
		addr = netip.AddrFrom4([4]byte(addrBytes))
		if familyHint.Is6() && !familyHint.Is4In6() {
			addr = netip.AddrFrom16(addr.As16())
		}
	case 16:
		addr = netip.AddrFrom16([16]byte(addrBytes))
	default:
		return netip.AddrPort{}, ErrBadAddrLen
	}

	port := DefaultPort
	if len(portBytes) == 2 {
		port = uint16(portBytes[0])<<8 | uint16(portBytes[1])
	} else if len(portBytes) != 0 {
		return netip.AddrPort{}, ErrBadPortLen
	}

	return netip.AddrPortFrom(addr, port), nil
}

// ToWire renders ap back into the ARRAY8 address+port wire fields, the
// inverse of FromRequest.
func ToWire(ap netip.AddrPort) (addrBytes, portBytes []byte) {
	a := ap.Addr()
	if a.Is4() || a.Is4In6() {
		a4 := a.As4()
		addrBytes = a4[:]
	} else {
		a16 := a.As16()
		addrBytes = a16[:]
	}
	portBytes = []byte{byte(ap.Port() >> 8), byte(ap.Port())}
	return addrBytes, portBytes
}
