//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultMulticastGroup is the link-local all-XDMCP-managers multicast
// address joined when SocketConfig.Multicast is set and MulticastAddr is
// left unconfigured (§4.3, §6.2 multicast_address).
const DefaultMulticastGroup = "ff02::1"

// maxDatagramSize is the largest XDMCP datagram this socket reads in one
// call to Recv — well above any real Request/ForwardQuery payload, which
// stays small even with several ARRAY8 connection addresses and
// authorization names (§3, §4.2).
const maxDatagramSize = 1500

// ErrPoolType indicates packetPool returned an unexpected type, which can
// only happen if packetPool.New is changed to stop returning *[]byte.
var ErrPoolType = errors.New("netio: packet pool returned unexpected type")

// packetPool supplies the datagram buffers Recv reads into. A buffer goes
// back to the pool only when the read fails; a buffer whose datagram is
// returned to the caller is not put back.
//
// Pattern: gVisor netstack sync.Pool. The pool stores *[]byte (pointer to
// slice) to avoid an interface allocation on Get/Put.
var packetPool = sync.Pool{
	New: func() any {
		buf := make([]byte, maxDatagramSize)
		return &buf
	},
}

// SocketConfig configures the dual-stack XDMCP socket (§4.3).
type SocketConfig struct {
	// Addr is the local address to bind. An unspecified address (e.g.
	// "::") binds a dual-stack socket that accepts both IPv4 and IPv6
	// datagrams, unlike the BFD listener's separate udp4/udp6 sockets —
	// XDMCP has no GTSM requirement forcing that split.
	Addr netip.Addr
	Port uint16

	// Multicast, when true, joins MulticastAddr (or DefaultMulticastGroup)
	// on every non-loopback, non-down interface so BroadcastQuery reaches
	// managers that only listen on the multicast group (§4.3, §6.2
	// use_multicast).
	Multicast     bool
	MulticastAddr string
}

// ErrSocketUnexpectedConnType indicates net.ListenConfig.ListenPacket returned a
// connection that is not a *net.UDPConn.
var ErrSocketUnexpectedConnType = errors.New("netio: unexpected connection type from ListenPacket")

// Socket is a single dual-purpose send/recv UDP endpoint for XDMCP (§4.3).
// Unlike the BFD transport's split sender/listener sockets, one Socket
// both receives inbound datagrams and sends replies, since XDMCP is a
// simple request/reply protocol with no GTSM packet-metadata requirement.
type Socket struct {
	conn   *net.UDPConn
	local  netip.AddrPort
	mu     sync.Mutex
	closed bool
}

// NewSocket opens and configures the XDMCP UDP socket per cfg.
func NewSocket(ctx context.Context, cfg SocketConfig) (*Socket, error) {
	laddr := netip.AddrPortFrom(cfg.Addr, cfg.Port)

	network := "udp"
	if cfg.Addr.Is4() {
		network = "udp4"
	} else if cfg.Addr.Is6() && !cfg.Addr.Is4In6() {
		network = "udp6"
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setXdmcpSockOpts(c)
		},
	}

	pc, err := lc.ListenPacket(ctx, network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen xdmcp udp %s: %w", laddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, errors.Join(fmt.Errorf("listen xdmcp udp %s: %w", laddr, ErrSocketUnexpectedConnType), closeErr)
	}

	s := &Socket{conn: conn, local: laddr}

	if cfg.Multicast {
		group := cfg.MulticastAddr
		if group == "" {
			group = DefaultMulticastGroup
		}
		if err := s.joinMulticast(group); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("join multicast group %s: %w", group, err)
		}
	}

	return s, nil
}

// setXdmcpSockOpts sets the options shared by every XDMCP socket: address
// reuse, and (for a dual-stack bind) IPV6_V6ONLY=0 so one socket serves
// both address families, the opposite of the BFD transport's deliberate
// udp4/udp6 split.
func setXdmcpSockOpts(c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if err := unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}
		// Best-effort: only meaningful on an IPv6 socket, harmless to
		// attempt on IPv4 (the kernel will reject it and we ignore that).
		_ = unix.SetsockoptInt(intFD, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

// joinMulticast joins group on every non-loopback, non-down interface
// (§4.3, §6.2 use_multicast/multicast_address).
func (s *Socket) joinMulticast(group string) error {
	addr, err := netip.ParseAddr(group)
	if err != nil {
		return fmt.Errorf("parse multicast group %q: %w", group, err)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}

	rc, err := s.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw syscall conn: %w", err)
	}

	var joinErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		for _, ifi := range ifaces {
			if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
				continue
			}
			if ifi.Flags&net.FlagMulticast == 0 {
				continue
			}
			mreq := &unix.IPv6Mreq{Multiaddr: addr.As16(), Interface: uint32(ifi.Index)} //nolint:gosec // G115: interface indices are small positive integers.
			if err := unix.SetsockoptIPv6Mreq(intFD, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
				joinErr = errors.Join(joinErr, fmt.Errorf("join on %s: %w", ifi.Name, err))
			}
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("raw conn control: %w", ctrlErr)
	}
	return joinErr
}

// Recv blocks until a datagram arrives or ctx is cancelled, returning a
// sub-slice of a buffer taken from packetPool. The caller keeps that buffer;
// there is no call that returns it to the pool.
func (s *Socket) Recv(ctx context.Context) (netip.AddrPort, []byte, error) {
	if err := ctx.Err(); err != nil {
		return netip.AddrPort{}, nil, fmt.Errorf("socket recv: %w", err)
	}

	bufp, ok := packetPool.Get().(*[]byte)
	if !ok {
		return netip.AddrPort{}, nil, fmt.Errorf("socket recv: %w", ErrPoolType)
	}

	n, src, err := s.conn.ReadFromUDPAddrPort(*bufp)
	if err != nil {
		packetPool.Put(bufp)
		return netip.AddrPort{}, nil, fmt.Errorf("socket read: %w", err)
	}

	return src.Unmap(), (*bufp)[:n], nil
}

// Send implements xdmcp.PacketSender.
func (s *Socket) Send(dst netip.AddrPort, data []byte) error {
	_, err := s.conn.WriteToUDPAddrPort(data, dst)
	if err != nil {
		return fmt.Errorf("socket write to %s: %w", dst, err)
	}
	return nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// Close releases the underlying socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close xdmcp socket: %w", err)
	}
	return nil
}
