package xdmcp

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
)

// PacketSender delivers one encoded XDMCP datagram to dst. Send failures
// (ICMP unreachable, etc.) are logged by the caller and never propagate
// out of a handler (§7 "Socket send error").
type PacketSender interface {
	Send(dst netip.AddrPort, data []byte) error
}

// MetricsSink receives best-effort observability counters from the
// dispatcher. Implemented by internal/metrics.Collector; nil-safe via
// NopMetricsSink so the core has no hard dependency on Prometheus.
type MetricsSink interface {
	IncPacketsReceived(opcode string)
	IncPacketsDropped(opcode, reason string)
	IncDeclines(reason string)
	SetPending(n int)
	SetManaged(n int)
	SetForwardQueries(n int)
	SetManagedForwards(n int)
}

// NopMetricsSink discards every observation.
type NopMetricsSink struct{}

func (NopMetricsSink) IncPacketsReceived(string)        {}
func (NopMetricsSink) IncPacketsDropped(string, string) {}
func (NopMetricsSink) IncDeclines(string)                {}
func (NopMetricsSink) SetPending(int)                   {}
func (NopMetricsSink) SetManaged(int)                   {}
func (NopMetricsSink) SetForwardQueries(int)            {}
func (NopMetricsSink) SetManagedForwards(int)           {}

// ManagerConfig carries every collaborator and tunable the Manager needs.
// It is constructed once at startup and never mutated afterward (§9
// "object-with-properties" → immutable configuration value).
type ManagerConfig struct {
	Identity      *ServerIdentity
	Locals        *LocalAddrSet
	ACL           HostACL
	Resolver      Resolver
	Cookies       CookieGenerator
	Supervisor    SessionSupervisor
	Chooser       IndirectChooser
	Sender        PacketSender
	Metrics       MetricsSink
	Logger        *slog.Logger
	HonorIndirect bool
	MaxWait       time.Duration
	Admission     AdmissionConfig
	ProxyMode     bool
	Now           func() time.Time
}

// Manager is the XDMCP protocol core: the single entry point (HandleDatagram)
// that decodes, admits, and dispatches every inbound packet, and the owner
// of the Session Table, Forward Query Table, and Managed-Forward set (§3
// Ownership). It is not safe for concurrent use — §5 requires it and its
// session supervisor to run on one single-threaded event loop.
type Manager struct {
	identity   *ServerIdentity
	locals     *LocalAddrSet
	acl        HostACL
	resolver   Resolver
	chooser    IndirectChooser
	sender     PacketSender
	metrics    MetricsSink
	log        *slog.Logger
	admission  *AdmissionPolicy
	honorInd   bool

	sessions        *SessionTable
	forwardQueries  *ForwardQueryTable
	managedForwards *ManagedForwardSet

	now func() time.Time
}

// NewManager constructs a Manager from cfg. Every field of cfg with a
// required collaborator must be populated by the caller (cmd/xdmcpd wires
// in the default in-process implementations).
func NewManager(cfg ManagerConfig) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "xdmcp"))

	admission := NewAdmissionPolicy(cfg.ACL, cfg.Locals, cfg.Admission, cfg.Identity.SysID, now)

	sessions := NewSessionTable(SessionTableConfig{
		Identity:   cfg.Identity,
		Cookies:    cfg.Cookies,
		Supervisor: cfg.Supervisor,
		MaxWait:    cfg.MaxWait,
		ProxyMode:  cfg.ProxyMode,
		Now:        now,
	})

	return &Manager{
		identity:        cfg.Identity,
		locals:          cfg.Locals,
		acl:             cfg.ACL,
		resolver:        cfg.Resolver,
		chooser:         cfg.Chooser,
		sender:          cfg.Sender,
		metrics:         metrics,
		log:             logger,
		admission:       admission,
		honorInd:        cfg.HonorIndirect,
		sessions:        sessions,
		forwardQueries:  NewForwardQueryTable(now),
		managedForwards: NewManagedForwardSet(now),
		now:             now,
	}
}

// Sessions exposes the Session Table for callers that need direct
// inspection (tests, diagnostics).
func (m *Manager) Sessions() *SessionTable { return m.sessions }

// ForwardQueries exposes the Forward Query Table.
func (m *Manager) ForwardQueries() *ForwardQueryTable { return m.forwardQueries }

// ManagedForwards exposes the Managed-Forward set.
func (m *Manager) ManagedForwards() *ManagedForwardSet { return m.managedForwards }

// PollRetransmits drives the Managed-Forward retransmit timer (§5's second
// suspension point). The caller's event loop invokes this on a ticker no
// finer than ManagedForwardInterval; it resends any due MANAGED_FORWARD and
// drops entries whose retry budget is exhausted.
func (m *Manager) PollRetransmits() {
	due := m.managedForwards.Poll(m.now())
	for _, mf := range due {
		// Poll already advanced nextFire/Attempts; only the datagram needs
		// resending, not a fresh Schedule (that would double the entry).
		m.sendManagedForwardDatagram(mf.PeerManager, mf.OriginDisplay)
	}
	m.metrics.SetManagedForwards(m.managedForwards.Len())
}

// HandleDatagram is the sole entry point for state mutation (§2, §5): it
// decodes the header, version-checks, and routes to the per-opcode
// handler. No error propagates out; every failure is logged and the
// packet dropped (§7).
func (m *Manager) HandleDatagram(ctx context.Context, peer netip.AddrPort, data []byte) {
	b := NewReader(data)
	h, err := DecodeHeader(b)
	if err != nil {
		m.log.Debug("decode header failed", slog.Any("error", err), slog.String("peer", peer.String()))
		m.metrics.IncPacketsDropped("unknown", "decode_error")
		return
	}

	if h.Version != ProtocolVersion && h.Version != ExtProtocolVersion {
		m.log.Debug("version mismatch", slog.Int("version", int(h.Version)), slog.String("peer", peer.String()))
		m.metrics.IncPacketsDropped(h.Opcode.String(), "version_mismatch")
		return
	}

	m.metrics.IncPacketsReceived(h.Opcode.String())

	switch h.Opcode {
	case OpBroadcastQuery:
		m.handleBroadcastQuery(b, h, peer)
	case OpQuery:
		m.handleQuery(b, h, peer)
	case OpIndirectQuery:
		m.handleIndirectQuery(b, h, peer)
	case OpForwardQuery:
		m.handleForwardQuery(b, h, peer)
	case OpRequest:
		m.handleRequest(ctx, b, h, peer)
	case OpManage:
		m.handleManage(b, h, peer)
	case OpKeepAlive:
		m.handleKeepAlive(b, h, peer)
	case OpManagedForward:
		m.handleManagedForwardOpcode(b, h, peer)
	case OpGotManagedForward:
		m.handleGotManagedForward(b, h, peer)
	default:
		m.log.Debug("dropping unhandled opcode", slog.String("opcode", h.Opcode.String()), slog.String("peer", peer.String()))
		m.metrics.IncPacketsDropped(h.Opcode.String(), "unhandled_opcode")
	}
}

// send encodes an opcode + payload writer into one datagram and hands it to
// the PacketSender. Encoding errors cannot occur here (the payload encoders
// never fail); send errors are logged and swallowed (§7).
func (m *Manager) send(dst netip.AddrPort, opcode Opcode, encode func(*Buffer)) {
	body := NewWriter()
	encode(body)

	version := ProtocolVersion
	if opcode == OpManagedForward || opcode == OpGotManagedForward {
		version = ExtProtocolVersion
	}

	frame := NewWriter()
	//nolint:gosec // payload length is bounded by MaxPacketSize, fits uint16.
	WriteHeader(frame, Header{Version: version, Opcode: opcode, Length: uint16(len(body.Bytes()))})
	frame.data = append(frame.data, body.Bytes()...)

	if err := m.sender.Send(dst, frame.Bytes()); err != nil {
		m.log.Warn("send failed", slog.String("opcode", opcode.String()), slog.String("dst", dst.String()), slog.Any("error", err))
	}
}
