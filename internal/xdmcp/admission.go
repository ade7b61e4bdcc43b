package xdmcp

import (
	"bufio"
	"net/netip"
	"os/exec"
	"strings"
	"time"
)

// WillingCacheTTL is how long the cached Willing status string is reused
// before being recomputed (§4.4, §5 (e)).
const WillingCacheTTL = 3 * time.Second

// UnwillingRateLimit is the minimum spacing between Unwilling replies,
// applied globally regardless of inbound rate (§4.10, §5 (d), invariant P5).
const UnwillingRateLimit = 1 * time.Second

// MaxWillingStatusLen truncates the advisory script's first line (§4.4).
const MaxWillingStatusLen = 255

// AdmissionConfig carries the quota and advisory-script tunables from
// §6.2 that the admission policy enforces.
type AdmissionConfig struct {
	MaxDisplays        int
	MaxDisplaysPerHost int
	MaxPendingDisplays int
	WillingScript      string
}

// AdmissionPolicy implements §4.4: ordered rule evaluation for Request
// admission, the cached Willing status string, and the global Unwilling
// rate limiter.
type AdmissionPolicy struct {
	acl    HostACL
	locals *LocalAddrSet
	cfg    AdmissionConfig
	sysID  string

	willingCached   string
	willingCachedAt time.Time
	lastUnwillingAt time.Time

	now func() time.Time
}

// NewAdmissionPolicy constructs an AdmissionPolicy.
func NewAdmissionPolicy(acl HostACL, locals *LocalAddrSet, cfg AdmissionConfig, sysID string, now func() time.Time) *AdmissionPolicy {
	if now == nil {
		now = time.Now
	}
	return &AdmissionPolicy{acl: acl, locals: locals, cfg: cfg, sysID: sysID, now: now}
}

// ACLAllows reports whether the Host ACL admits peer (§4.4 rule 1).
func (p *AdmissionPolicy) ACLAllows(peer netip.Addr) bool {
	return p.acl.Allowed(peer)
}

// WillingStatus returns the (possibly cached) advisory status string for a
// Willing reply to client. If client is non-local and at-or-over the
// per-host quota, the status is suffixed per §4.4.
func (p *AdmissionPolicy) WillingStatus(client netip.Addr, perHostManaged int) string {
	if p.now().Sub(p.willingCachedAt) > WillingCacheTTL {
		p.willingCached = p.computeWillingStatus()
		p.willingCachedAt = p.now()
	}

	status := p.willingCached
	if !p.locals.IsLocal(client) && perHostManaged >= p.cfg.MaxDisplaysPerHost {
		status += StatusBusySuffix
	}
	return status
}

// computeWillingStatus runs the optional willing_script and takes its
// first output line (truncated to 255 bytes), falling back to the system
// id when no script is configured or it fails to run (§4.4).
func (p *AdmissionPolicy) computeWillingStatus() string {
	if p.cfg.WillingScript == "" {
		return p.sysID
	}

	//nolint:gosec // G204: willing_script is an operator-supplied trusted config path (§6.2), not user input.
	cmd := exec.Command(p.cfg.WillingScript)
	out, err := cmd.Output()
	if err != nil {
		return p.sysID
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return p.sysID
	}
	line := scanner.Text()
	if len(line) > MaxWillingStatusLen {
		line = line[:MaxWillingStatusLen]
	}
	if line == "" {
		return p.sysID
	}
	return line
}

// RequestDecision is the admit/deny outcome of evaluating a Request (§4.4).
type RequestDecision struct {
	Admit  bool
	Reason string // populated only when !Admit
}

// EvaluateRequest applies §4.4 rules 2-5 in order (rule 1, the host ACL, is
// checked separately by the dispatcher since its failure mode differs per
// opcode). authorizationNames is the client-advertised authorization list
// from the Request payload.
func (p *AdmissionPolicy) EvaluateRequest(authorizationNames [][]byte, client netip.Addr, numSessions, numPending, perHostManaged int) RequestDecision {
	if !hasMitMagicCookie(authorizationNames) {
		return RequestDecision{Reason: StatusUnsupportedAuthz}
	}
	if numSessions >= p.cfg.MaxDisplays {
		return RequestDecision{Reason: StatusMaxSessions}
	}
	if !p.locals.IsLocal(client) && perHostManaged >= p.cfg.MaxDisplaysPerHost {
		return RequestDecision{Reason: StatusMaxSessionsPerHost}
	}
	if numPending >= p.cfg.MaxPendingDisplays {
		return RequestDecision{Reason: StatusMaxPending}
	}
	return RequestDecision{Admit: true}
}

func hasMitMagicCookie(names [][]byte) bool {
	for _, n := range names {
		if string(n) == MITMagicCookie1 {
			return true
		}
	}
	return false
}

// AllowUnwilling reports whether an Unwilling reply may be sent now,
// enforcing the global 1/sec limit (§4.10, invariant P5). It records the
// send time as a side effect when it returns true.
func (p *AdmissionPolicy) AllowUnwilling() bool {
	now := p.now()
	if now.Sub(p.lastUnwillingAt) < UnwillingRateLimit {
		return false
	}
	p.lastUnwillingAt = now
	return true
}
