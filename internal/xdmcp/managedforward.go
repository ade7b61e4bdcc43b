package xdmcp

import (
	"net/netip"
	"time"
)

// ManagedForwardInterval is the retransmit spacing (§3, §5 (c)).
const ManagedForwardInterval = 1500 * time.Millisecond

// ManagedForwardMaxAttempts bounds retransmits before giving up (§3).
const ManagedForwardMaxAttempts = 2

// ManagedForward tracks one in-flight MANAGED_FORWARD notification awaiting
// a GOT_MANAGED_FORWARD acknowledgement (§3, §4.7).
type ManagedForward struct {
	PeerManager   netip.AddrPort
	OriginDisplay netip.AddrPort
	Attempts      int
	nextFire      time.Time
}

// ManagedForwardSet is the live collection of pending ManagedForward
// notifications. Rather than each entry owning a scheduled callback with a
// back-reference to the manager (the cyclic-reference anti-pattern flagged
// in §9), the event loop polls the set once per tick via Poll and drives
// all sends itself — every task is a plain owned record with no back edge,
// and the whole set is simply dropped when the table is, satisfying §9's
// "rely on the event-loop guarantee that all tasks are dropped before the
// manager" without needing a weak reference.
type ManagedForwardSet struct {
	entries []*ManagedForward
	now     func() time.Time
}

// NewManagedForwardSet constructs an empty set.
func NewManagedForwardSet(now func() time.Time) *ManagedForwardSet {
	if now == nil {
		now = time.Now
	}
	return &ManagedForwardSet{now: now}
}

// Schedule registers a new ManagedForward after the caller has sent the
// initial MANAGED_FORWARD datagram (§4.7 step 1-2).
func (s *ManagedForwardSet) Schedule(peer, origin netip.AddrPort) *ManagedForward {
	mf := &ManagedForward{
		PeerManager:   peer,
		OriginDisplay: origin,
		Attempts:      0,
		nextFire:      s.now().Add(ManagedForwardInterval),
	}
	s.entries = append(s.entries, mf)
	return mf
}

// Cancel removes the ManagedForward matching (peer, origin), e.g. on
// receipt of GOT_MANAGED_FORWARD (§4.7). Reports whether an entry was
// found and removed.
func (s *ManagedForwardSet) Cancel(peer, origin netip.AddrPort) bool {
	for i, mf := range s.entries {
		if addrPortEqual(mf.PeerManager, peer) && addrPortEqual(mf.OriginDisplay, origin) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Poll advances every due entry: resends (incrementing Attempts) if under
// the retry budget, else drops it. Returns the entries that need a
// retransmit sent this tick; callers invoke this from the event loop's
// retransmit-timer suspension point (§5).
func (s *ManagedForwardSet) Poll(now time.Time) []*ManagedForward {
	var toResend []*ManagedForward
	kept := s.entries[:0]

	for _, mf := range s.entries {
		if now.Before(mf.nextFire) {
			kept = append(kept, mf)
			continue
		}
		if mf.Attempts >= ManagedForwardMaxAttempts {
			continue // retry budget exhausted; drop
		}
		mf.Attempts++
		mf.nextFire = now.Add(ManagedForwardInterval)
		toResend = append(toResend, mf)
		kept = append(kept, mf)
	}

	s.entries = kept
	return toResend
}

// Len reports the current pending count, bounded by invariant P3.
func (s *ManagedForwardSet) Len() int { return len(s.entries) }

func addrPortEqual(a, b netip.AddrPort) bool {
	return AddrEqual(a.Addr(), b.Addr()) && a.Port() == b.Port()
}
