package xdmcp

import (
	"net/netip"
	"time"
)

// MaxForwardQueries bounds the forward-query table (§3).
const MaxForwardQueries = 10

// ForwardQueryTimeout is the lazy per-entry eviction age (§3, §5 (b)).
const ForwardQueryTimeout = 30 * time.Second

// ForwardQuery remembers that a display appeared because this manager
// forwarded its indirect query to another manager, so the eventual
// Accept/Decline/Refuse/Manage for that display can be relayed back via
// MANAGED_FORWARD (§3, §4.6).
type ForwardQuery struct {
	DisplayAddr   netip.AddrPort
	OriginManager netip.AddrPort
	AcceptTime    time.Time
}

// ForwardQueryTable is a bounded, oldest-evicted set keyed by display
// address (§4.6). It is not internally synchronized; see SessionTable for
// why (§5 single event loop).
type ForwardQueryTable struct {
	entries []*ForwardQuery
	now     func() time.Time
}

// NewForwardQueryTable constructs an empty table.
func NewForwardQueryTable(now func() time.Time) *ForwardQueryTable {
	if now == nil {
		now = time.Now
	}
	return &ForwardQueryTable{now: now}
}

// Alloc evicts the oldest entry until size < MaxForwardQueries, then
// prepends a new entry (§4.6 alloc).
func (t *ForwardQueryTable) Alloc(mgrAddr, displayAddr netip.AddrPort) *ForwardQuery {
	for len(t.entries) >= MaxForwardQueries {
		t.evictOldest()
	}

	fq := &ForwardQuery{
		DisplayAddr:   displayAddr,
		OriginManager: mgrAddr,
		AcceptTime:    t.now(),
	}
	t.entries = append([]*ForwardQuery{fq}, t.entries...)
	return fq
}

// Lookup scans for an entry matching displayAddr, opportunistically
// evicting any entry encountered past ForwardQueryTimeout (§4.6 lookup).
func (t *ForwardQueryTable) Lookup(displayAddr netip.AddrPort) (*ForwardQuery, bool) {
	deadline := t.now().Add(-ForwardQueryTimeout)

	kept := t.entries[:0]
	var found *ForwardQuery
	for _, fq := range t.entries {
		if fq.AcceptTime.Before(deadline) {
			continue // lazily evicted
		}
		kept = append(kept, fq)
		if AddrEqual(fq.DisplayAddr.Addr(), displayAddr.Addr()) && fq.DisplayAddr.Port() == displayAddr.Port() {
			found = fq
		}
	}
	t.entries = kept

	return found, found != nil
}

// Dispose removes a specific entry (§4.6 dispose).
func (t *ForwardQueryTable) Dispose(fq *ForwardQuery) {
	for i, e := range t.entries {
		if e == fq {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Len reports the current entry count, bounded by invariant P3.
func (t *ForwardQueryTable) Len() int { return len(t.entries) }

func (t *ForwardQueryTable) evictOldest() {
	if len(t.entries) == 0 {
		return
	}
	oldestIdx := 0
	for i, e := range t.entries {
		if e.AcceptTime.Before(t.entries[oldestIdx].AcceptTime) {
			oldestIdx = i
		}
	}
	t.entries = append(t.entries[:oldestIdx], t.entries[oldestIdx+1:]...)
}
