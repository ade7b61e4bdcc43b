package xdmcp_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/xdmcpd/internal/xdmcp"
)

type allowAllACL struct{}

func (allowAllACL) Allowed(netip.Addr) bool { return true }

type denyAllACL struct{}

func (denyAllACL) Allowed(netip.Addr) bool { return false }

func TestAdmissionPolicyACLAllows(t *testing.T) {
	t.Parallel()

	locals := &xdmcp.LocalAddrSet{}
	p := xdmcp.NewAdmissionPolicy(allowAllACL{}, locals, xdmcp.AdmissionConfig{}, "xdmcpd 1", nil)
	if !p.ACLAllows(netip.MustParseAddr("192.0.2.1")) {
		t.Error("ACLAllows() = false with allowAllACL")
	}

	p2 := xdmcp.NewAdmissionPolicy(denyAllACL{}, locals, xdmcp.AdmissionConfig{}, "xdmcpd 1", nil)
	if p2.ACLAllows(netip.MustParseAddr("192.0.2.1")) {
		t.Error("ACLAllows() = true with denyAllACL")
	}
}

func TestAdmissionPolicyWillingStatusFallsBackToSysID(t *testing.T) {
	t.Parallel()

	locals := &xdmcp.LocalAddrSet{}
	p := xdmcp.NewAdmissionPolicy(allowAllACL{}, locals, xdmcp.AdmissionConfig{MaxDisplaysPerHost: 10}, "xdmcpd 1", time.Now)

	status := p.WillingStatus(netip.MustParseAddr("192.0.2.1"), 0)
	if status != "xdmcpd 1" {
		t.Errorf("WillingStatus() = %q, want %q", status, "xdmcpd 1")
	}
}

func TestAdmissionPolicyWillingStatusBusySuffix(t *testing.T) {
	t.Parallel()

	locals := &xdmcp.LocalAddrSet{}
	cfg := xdmcp.AdmissionConfig{MaxDisplaysPerHost: 2}
	p := xdmcp.NewAdmissionPolicy(allowAllACL{}, locals, cfg, "xdmcpd 1", time.Now)

	client := netip.MustParseAddr("192.0.2.1")
	status := p.WillingStatus(client, 2)
	want := "xdmcpd 1" + xdmcp.StatusBusySuffix
	if status != want {
		t.Errorf("WillingStatus() = %q, want %q", status, want)
	}
}

func TestAdmissionPolicyEvaluateRequestOrderedRules(t *testing.T) {
	t.Parallel()

	locals := &xdmcp.LocalAddrSet{}
	cookie := [][]byte{[]byte(xdmcp.MITMagicCookie1)}

	tests := []struct {
		name               string
		cfg                xdmcp.AdmissionConfig
		authorizationNames [][]byte
		numSessions        int
		numPending         int
		perHostManaged     int
		wantAdmit          bool
		wantReason         string
	}{
		{
			name:               "unsupported authorization scheme",
			cfg:                xdmcp.AdmissionConfig{MaxDisplays: 10, MaxDisplaysPerHost: 10, MaxPendingDisplays: 10},
			authorizationNames: [][]byte{[]byte("XDM-AUTHORIZATION-1")},
			wantReason:         xdmcp.StatusUnsupportedAuthz,
		},
		{
			name:               "max sessions reached",
			cfg:                xdmcp.AdmissionConfig{MaxDisplays: 1, MaxDisplaysPerHost: 10, MaxPendingDisplays: 10},
			authorizationNames: cookie,
			numSessions:        1,
			wantReason:         xdmcp.StatusMaxSessions,
		},
		{
			name:               "max sessions per host reached for remote client",
			cfg:                xdmcp.AdmissionConfig{MaxDisplays: 10, MaxDisplaysPerHost: 1, MaxPendingDisplays: 10},
			authorizationNames: cookie,
			perHostManaged:     1,
			wantReason:         xdmcp.StatusMaxSessionsPerHost,
		},
		{
			name:               "max pending reached",
			cfg:                xdmcp.AdmissionConfig{MaxDisplays: 10, MaxDisplaysPerHost: 10, MaxPendingDisplays: 1},
			authorizationNames: cookie,
			numPending:         1,
			wantReason:         xdmcp.StatusMaxPending,
		},
		{
			name:               "admitted",
			cfg:                xdmcp.AdmissionConfig{MaxDisplays: 10, MaxDisplaysPerHost: 10, MaxPendingDisplays: 10},
			authorizationNames: cookie,
			wantAdmit:          true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := xdmcp.NewAdmissionPolicy(allowAllACL{}, locals, tt.cfg, "xdmcpd 1", time.Now)
			got := p.EvaluateRequest(tt.authorizationNames, netip.MustParseAddr("192.0.2.1"), tt.numSessions, tt.numPending, tt.perHostManaged)
			if got.Admit != tt.wantAdmit {
				t.Errorf("Admit = %v, want %v", got.Admit, tt.wantAdmit)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestAdmissionPolicyAllowUnwillingRateLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locals := &xdmcp.LocalAddrSet{}
	p := xdmcp.NewAdmissionPolicy(allowAllACL{}, locals, xdmcp.AdmissionConfig{}, "xdmcpd 1", func() time.Time { return now })

	if !p.AllowUnwilling() {
		t.Fatal("first AllowUnwilling() = false, want true")
	}
	if p.AllowUnwilling() {
		t.Fatal("second immediate AllowUnwilling() = true, want false (rate limited)")
	}

	now = now.Add(xdmcp.UnwillingRateLimit)
	if !p.AllowUnwilling() {
		t.Fatal("AllowUnwilling() after rate-limit interval = false, want true")
	}
}
