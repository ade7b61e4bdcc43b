package xdmcp_test

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/dantte-lp/xdmcpd/internal/xdmcp"
)

func TestAddrEqualMapsIPv4ToIPv6(t *testing.T) {
	t.Parallel()

	v4 := netip.MustParseAddr("192.0.2.1")
	mapped := netip.MustParseAddr("::ffff:192.0.2.1")

	if !xdmcp.AddrEqual(v4, mapped) {
		t.Errorf("AddrEqual(%v, %v) = false, want true", v4, mapped)
	}

	other := netip.MustParseAddr("192.0.2.2")
	if xdmcp.AddrEqual(v4, other) {
		t.Errorf("AddrEqual(%v, %v) = true, want false", v4, other)
	}
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"::ffff:127.0.0.1", true},
		{"192.0.2.1", false},
		{"2001:db8::1", false},
	}
	for _, tt := range tests {
		got := xdmcp.IsLoopback(netip.MustParseAddr(tt.addr))
		if got != tt.want {
			t.Errorf("IsLoopback(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestFromRequestIPv4(t *testing.T) {
	t.Parallel()

	ap, err := xdmcp.FromRequest([]byte{192, 0, 2, 7}, []byte{0x00, 0x50}, netip.MustParseAddr("0.0.0.0"))
	if err != nil {
		t.Fatalf("FromRequest() error = %v", err)
	}
	want := netip.MustParseAddrPort("192.0.2.7:80")
	if ap != want {
		t.Fatalf("FromRequest() = %v, want %v", ap, want)
	}
}

func TestFromRequestDefaultPort(t *testing.T) {
	t.Parallel()

	ap, err := xdmcp.FromRequest([]byte{192, 0, 2, 7}, nil, netip.MustParseAddr("0.0.0.0"))
	if err != nil {
		t.Fatalf("FromRequest() error = %v", err)
	}
	if ap.Port() != xdmcp.DefaultPort {
		t.Fatalf("FromRequest() port = %d, want %d", ap.Port(), xdmcp.DefaultPort)
	}
}

func TestFromRequestIPv4MappedWhenFamilyHintIsV6(t *testing.T) {
	t.Parallel()

	v6Hint := netip.MustParseAddr("2001:db8::1")
	ap, err := xdmcp.FromRequest([]byte{192, 0, 2, 7}, []byte{0x00, 0x50}, v6Hint)
	if err != nil {
		t.Fatalf("FromRequest() error = %v", err)
	}
	if !ap.Addr().Is4In6() {
		t.Fatalf("FromRequest() addr = %v, want IPv4-mapped IPv6", ap.Addr())
	}
}

func TestFromRequestInvalidLengths(t *testing.T) {
	t.Parallel()

	_, err := xdmcp.FromRequest([]byte{1, 2, 3}, nil, netip.Addr{})
	if !errors.Is(err, xdmcp.ErrBadAddrLen) {
		t.Errorf("bad addr len: error = %v, want ErrBadAddrLen", err)
	}

	_, err = xdmcp.FromRequest([]byte{1, 2, 3, 4}, []byte{1}, netip.Addr{})
	if !errors.Is(err, xdmcp.ErrBadPortLen) {
		t.Errorf("bad port len: error = %v, want ErrBadPortLen", err)
	}
}

func TestToWireFromRequestRoundTrip(t *testing.T) {
	t.Parallel()

	want := netip.MustParseAddrPort("198.51.100.9:6000")
	addrBytes, portBytes := xdmcp.ToWire(want)
	if len(addrBytes) != 4 {
		t.Fatalf("ToWire() addr len = %d, want 4", len(addrBytes))
	}
	if !bytes.Equal(portBytes, []byte{0x17, 0x70}) {
		t.Fatalf("ToWire() port bytes = %v, want [0x17 0x70]", portBytes)
	}

	got, err := xdmcp.FromRequest(addrBytes, portBytes, netip.MustParseAddr("0.0.0.0"))
	if err != nil {
		t.Fatalf("FromRequest() error = %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %v, want %v", got, want)
	}
}

func TestToWireIPv6(t *testing.T) {
	t.Parallel()

	ap := netip.MustParseAddrPort("[2001:db8::1]:177")
	addrBytes, _ := xdmcp.ToWire(ap)
	if len(addrBytes) != 16 {
		t.Fatalf("ToWire() addr len = %d, want 16", len(addrBytes))
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	host, port := xdmcp.Format(netip.MustParseAddrPort("192.0.2.1:177"))
	if host != "192.0.2.1" || port != "177" {
		t.Fatalf("Format() = (%q, %q), want (%q, %q)", host, port, "192.0.2.1", "177")
	}
}
