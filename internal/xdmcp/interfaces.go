package xdmcp

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/netip"
)

// Hostent is the result of resolving a peer address to a hostname and the
// set of addresses that name resolves back to (§6.4 resolve).
type Hostent struct {
	Hostname string
	Addrs    []netip.Addr
	NotFound bool
}

// HostACL gates admission per peer address (§6.4 host_acl), the
// TCP-wrappers-style check named as an external collaborator and out of
// scope for this core (§1).
type HostACL interface {
	Allowed(peer netip.Addr) bool
}

// Resolver performs reverse hostname resolution for a newly allocated
// display (§6.4 resolve). Spec.md §5 allows this to be offloaded to a
// worker; the dispatcher here calls it synchronously from the event loop,
// which is the documented default.
type Resolver interface {
	Resolve(ctx context.Context, peer netip.Addr) (Hostent, error)
}

// CookieGenerator produces the 16-byte MIT-MAGIC-COOKIE-1 authorization
// secret for a newly accepted display and is responsible for making it
// available to whatever X server ultimately honors it (§6.4
// auth_secure_display — cookie storage itself is out of scope, §1).
type CookieGenerator interface {
	Generate(display DisplayKey) ([16]byte, error)
}

// SessionSupervisor launches/tears down the local X server and greeter for
// a managed display (§6.4 display_manage / display_unmanage / display_dispose).
// Out of scope for this core (§1); the default implementation only logs.
type SessionSupervisor interface {
	Manage(d *Display) error
	Unmanage(d *Display)
	Dispose(d *Display)
}

// DisplayKey identifies a display by its originating host and display
// number, the pair invariant I3 keeps unique among live displays.
type DisplayKey struct {
	RemoteAddr    netip.Addr
	DisplayNumber uint16
}

// -------------------------------------------------------------------------
// Default, in-process implementations
// -------------------------------------------------------------------------

// PermissiveACL allows every peer. It is the standalone default; operators
// wanting a tcp-wrappers-equivalent policy supply their own HostACL.
type PermissiveACL struct{}

func (PermissiveACL) Allowed(netip.Addr) bool { return true }

// NetResolver resolves peers via the standard library's net.Resolver.
type NetResolver struct {
	resolver *net.Resolver
}

func NewNetResolver() *NetResolver {
	return &NetResolver{resolver: net.DefaultResolver}
}

func (r *NetResolver) Resolve(ctx context.Context, peer netip.Addr) (Hostent, error) {
	names, err := r.resolver.LookupAddr(ctx, peer.String())
	if err != nil || len(names) == 0 {
		return Hostent{NotFound: true}, nil
	}

	hostname := names[0]
	addrs, err := r.resolver.LookupNetIP(ctx, "ip", hostname)
	if err != nil {
		return Hostent{Hostname: hostname, Addrs: []netip.Addr{peer}}, nil
	}

	return Hostent{Hostname: hostname, Addrs: addrs}, nil
}

// RandomCookieGenerator produces cryptographically random MIT-MAGIC-COOKIE-1
// secrets. It does not persist them to an X authority file; that storage
// step is out of scope (§1) and left to the caller of Generate.
type RandomCookieGenerator struct{}

func (RandomCookieGenerator) Generate(DisplayKey) ([16]byte, error) {
	var cookie [16]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return cookie, fmt.Errorf("generate magic cookie: %w", err)
	}
	return cookie, nil
}

// LoggingSupervisor is a no-op SessionSupervisor that always succeeds; it
// exists so xdmcpd runs standalone without a real greeter/X-server launcher
// wired in. log is injected by the caller rather than held globally.
type LoggingSupervisor struct {
	OnManage   func(d *Display)
	OnUnmanage func(d *Display)
	OnDispose  func(d *Display)
}

func (s LoggingSupervisor) Manage(d *Display) error {
	if s.OnManage != nil {
		s.OnManage(d)
	}
	return nil
}

func (s LoggingSupervisor) Unmanage(d *Display) {
	if s.OnUnmanage != nil {
		s.OnUnmanage(d)
	}
}

func (s LoggingSupervisor) Dispose(d *Display) {
	if s.OnDispose != nil {
		s.OnDispose(d)
	}
}
