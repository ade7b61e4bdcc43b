package xdmcp

import "errors"

// Sentinel errors shared across the protocol core. Wrapped with fmt.Errorf
// ("...: %w") at call sites and distinguished via errors.Is.
var (
	ErrSessionNotFound     = errors.New("xdmcp: session not found")
	ErrDuplicateSession    = errors.New("xdmcp: duplicate (host, display_number)")
	ErrSessionNotPending   = errors.New("xdmcp: session is not pending")
	ErrMaxSessions         = errors.New("xdmcp: maximum number of open sessions reached")
	ErrMaxSessionsPerHost  = errors.New("xdmcp: maximum number of open sessions from host reached")
	ErrMaxPending          = errors.New("xdmcp: maximum pending servers")
	ErrACLDenied           = errors.New("xdmcp: host ACL denied")
	ErrUnsupportedAuthz    = errors.New("xdmcp: only MIT-MAGIC-COOKIE-1 supported")
	ErrSupervisorManage    = errors.New("xdmcp: session supervisor failed to manage display")
	ErrForwardQueryMissing = errors.New("xdmcp: no forward query for display")
)

// Decline/Refuse/Failed status strings (§4.4, §4.10 — wire-fixed ASCII,
// never localized, since the peer's locale is unknown).
const (
	StatusMaxSessions          = "Maximum number of open sessions reached"
	StatusMaxSessionsPerHost   = "Maximum number of open sessions from your host reached"
	StatusMaxPending           = "Maximum pending servers"
	StatusUnsupportedAuthz     = "Only MIT-MAGIC-COOKIE-1 supported"
	StatusDisplayNotAuthorized = "Display not authorized to connect"
	StatusSupervisorFailed     = "Session manager could not start display"
	StatusBusySuffix           = " (Server is busy)"
)

// MITMagicCookie1 is the sole authorization scheme this core admits (§1
// Non-goals, §4.4 rule 2). The XDMCP wire value is the literal ASCII string.
const MITMagicCookie1 = "MIT-MAGIC-COOKIE-1"
