package xdmcp

import (
	"fmt"
	"net/netip"
	"time"
)

// State is a Display's position in the pending → managed lifecycle (§3).
type State int

const (
	StatePending State = iota
	StateManaged
)

func (s State) String() string {
	if s == StateManaged {
		return "managed"
	}
	return "pending"
}

// Kind distinguishes a plain XDMCP display from an XDMCP-proxy one (§3).
type Kind int

const (
	KindXdmcp Kind = iota
	KindXdmcpProxy
)

// Display is a single XDMCP session, pending or managed (§3).
type Display struct {
	SessionID     uint32
	RemoteAddr    netip.AddrPort
	Hostname      string
	ResolvedAddrs []netip.Addr
	DisplayNumber uint16
	State         State
	AcceptTime    time.Time
	Kind          Kind
	Cookie        [16]byte

	// UseChooser/IndirectID are set on Manage if this display arose from an
	// indirect query that had not yet recorded a chosen host (§4.10.10).
	UseChooser bool
	IndirectID uint32
}

// Key returns the (remote_addr, display_number) identity invariant I3 keeps
// unique among live displays.
func (d *Display) Key() DisplayKey {
	return DisplayKey{RemoteAddr: d.RemoteAddr.Addr(), DisplayNumber: d.DisplayNumber}
}

// SessionTable owns the authoritative display list plus O(1) counters
// maintained by its narrow mutation API (§4.5, §9 "global mutable counters
// with drift" — every mutation here updates the counters directly, and
// Recount is a defensive full rescan that resets them from the list). The
// table is not internally synchronized: §5 requires it to run on the single event-loop goroutine alongside the session supervisor,
// so no lock is taken.
type SessionTable struct {
	displays map[uint32]*Display
	byKey    map[DisplayKey]*Display

	numPending int
	numManaged int

	identity   *ServerIdentity
	cookies    CookieGenerator
	supervisor SessionSupervisor
	maxWait    time.Duration
	proxyMode  bool

	now func() time.Time
}

// SessionTableConfig carries the SessionTable's external collaborators and
// tunables (§6.4, §6.2 max_wait).
type SessionTableConfig struct {
	Identity   *ServerIdentity
	Cookies    CookieGenerator
	Supervisor SessionSupervisor
	MaxWait    time.Duration
	ProxyMode  bool
	Now        func() time.Time // injectable clock for purge-timeout tests
}

// NewSessionTable constructs an empty SessionTable.
func NewSessionTable(cfg SessionTableConfig) *SessionTable {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionTable{
		displays:   make(map[uint32]*Display),
		byKey:      make(map[DisplayKey]*Display),
		identity:   cfg.Identity,
		cookies:    cfg.Cookies,
		supervisor: cfg.Supervisor,
		maxWait:    cfg.MaxWait,
		proxyMode:  cfg.ProxyMode,
		now:        now,
	}
}

// NumPending reports the live count of Pending displays (I2).
func (t *SessionTable) NumPending() int { return t.numPending }

// NumManaged reports the live count of Managed displays (I2).
func (t *SessionTable) NumManaged() int { return t.numManaged }

// PerHostManagedCount counts Managed displays originating from host (§4.4
// rule 4, invariant I6).
func (t *SessionTable) PerHostManagedCount(host netip.Addr) int {
	n := 0
	for _, d := range t.displays {
		if d.State == StateManaged && AddrEqual(d.RemoteAddr.Addr(), host) {
			n++
		}
	}
	return n
}

// Allocate creates a new Pending Display for (client, displayNumber),
// generating a non-zero session_id and a fresh MIT-MAGIC-COOKIE-1 cookie
// (§4.5 allocate).
func (t *SessionTable) Allocate(client netip.AddrPort, hostent Hostent, displayNumber uint16) (*Display, error) {
	sessionID, err := t.identity.NextSerial()
	if err != nil {
		return nil, fmt.Errorf("allocate session serial: %w", err)
	}

	kind := KindXdmcp
	if t.proxyMode {
		kind = KindXdmcpProxy
	}

	d := &Display{
		SessionID:     sessionID,
		RemoteAddr:    client,
		Hostname:      hostent.Hostname,
		ResolvedAddrs: hostent.Addrs,
		DisplayNumber: displayNumber,
		State:         StatePending,
		AcceptTime:    t.now(),
		Kind:          kind,
	}

	cookie, err := t.cookies.Generate(d.Key())
	if err != nil {
		return nil, fmt.Errorf("generate auth cookie: %w", err)
	}
	d.Cookie = cookie

	t.displays[sessionID] = d
	t.byKey[d.Key()] = d
	t.numPending++

	return d, nil
}

// Promote transitions a Pending display to Managed (§4.5 promote). The
// caller is responsible for sending Failed + disposing on a supervisor
// failure, per §4.10.10; Promote itself only performs the state
// transition and counter maintenance once the supervisor has succeeded.
func (t *SessionTable) Promote(sessionID uint32) (*Display, error) {
	d, ok := t.displays[sessionID]
	if !ok {
		return nil, fmt.Errorf("promote %d: %w", sessionID, ErrSessionNotFound)
	}
	if d.State != StatePending {
		return nil, fmt.Errorf("promote %d: %w", sessionID, ErrSessionNotPending)
	}

	if err := t.supervisor.Manage(d); err != nil {
		return d, fmt.Errorf("promote %d: %w", sessionID, ErrSupervisorManage)
	}

	d.State = StateManaged
	t.numPending--
	t.numManaged++

	return d, nil
}

// LookupBySession finds a display by session_id.
func (t *SessionTable) LookupBySession(sessionID uint32) (*Display, bool) {
	d, ok := t.displays[sessionID]
	return d, ok
}

// LookupByHost finds a display by (remote addr, display number), used by
// the KeepAlive fallback lookup (§4.9, §9 open question).
func (t *SessionTable) LookupByHost(addr netip.Addr, displayNumber uint16) (*Display, bool) {
	for _, d := range t.displays {
		if AddrEqual(d.RemoteAddr.Addr(), addr) && d.DisplayNumber == displayNumber {
			return d, true
		}
	}
	return nil, false
}

// disposeOne removes d from the table and adjusts counters, invoking the
// supervisor's matching teardown hook.
func (t *SessionTable) disposeOne(d *Display) {
	delete(t.displays, d.SessionID)
	delete(t.byKey, d.Key())

	switch d.State {
	case StateManaged:
		t.supervisor.Unmanage(d)
		t.numManaged--
	case StatePending:
		t.supervisor.Dispose(d)
		t.numPending--
	}
}

// DisposeDuplicates unmanages/disposes every existing display sharing
// (remote address, displayNumber) with an inbound Request, then recounts (§4.5
// dispose_duplicates, invariant I3).
func (t *SessionTable) DisposeDuplicates(addr netip.Addr, displayNumber uint16) {
	for _, d := range t.displays {
		if d.DisplayNumber == displayNumber && AddrEqual(d.RemoteAddr.Addr(), addr) {
			t.disposeOne(d)
		}
	}
	t.Recount()
}

// PurgeStalePending disposes every Pending display older than max_wait
// (§4.5 purge_stale_pending, §5 cancellation (a)). Called on each Request.
func (t *SessionTable) PurgeStalePending() []*Display {
	var purged []*Display
	deadline := t.now().Add(-t.maxWait)
	for _, d := range t.displays {
		if d.State == StatePending && d.AcceptTime.Before(deadline) {
			purged = append(purged, d)
		}
	}
	for _, d := range purged {
		t.disposeOne(d)
	}
	if len(purged) > 0 {
		t.Recount()
	}
	return purged
}

// Recount performs a full rescan that resets numManaged/numPending from the
// authoritative display list (§4.5 recount, §9 "recount becomes a debug
// assertion"). It is called defensively after any disposal and before each
// Request admission decision, on top of the counters every mutation
// already maintains.
func (t *SessionTable) Recount() {
	pending, managed := 0, 0
	for _, d := range t.displays {
		switch d.State {
		case StatePending:
			pending++
		case StateManaged:
			managed++
		}
	}
	t.numPending = pending
	t.numManaged = managed
}

// Dispose removes a display and runs its state-specific supervisor hook
// (Unmanage for a Managed display, Dispose for a Pending one), then
// recounts — used when a higher layer (e.g. a failed Manage) has
// already decided the display must go. Exported so the external session
// supervisor's own dispose path (§6.4 display_dispose) can drive it too.
func (t *SessionTable) Dispose(d *Display) {
	t.disposeOne(d)
	t.Recount()
}

// All returns a snapshot slice of every live display, for diagnostics.
func (t *SessionTable) All() []*Display {
	out := make([]*Display, 0, len(t.displays))
	for _, d := range t.displays {
		out = append(out, d)
	}
	return out
}
