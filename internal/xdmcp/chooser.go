package xdmcp

import "net/netip"

// IndirectRecord remembers, for one client address, whether the user has
// already picked a remote manager via the external chooser UI (§4.8).
type IndirectRecord struct {
	ID         uint32
	ClientAddr netip.Addr
	ChosenHost netip.Addr
	HasChosen  bool
}

// IndirectChooser is the boundary to the external chooser UI (§4.8, §6.4
// indirect_*). The chooser UI itself is out of scope (§1); this core only
// needs to remember and look up a user's choice.
type IndirectChooser interface {
	Lookup(clientAddr netip.Addr) (*IndirectRecord, bool)
	LookupByChosen(clientAddr, chosenAddr netip.Addr) (*IndirectRecord, bool)
	Alloc(clientAddr netip.Addr) *IndirectRecord
	Dispose(rec *IndirectRecord)
}

// InMemoryChooser is the default IndirectChooser, keyed by client address.
// A real deployment wires a chooser that also drives a UI; this keeps the
// core runnable standalone, always responding Willing to an IndirectQuery
// until an operator picks a different IndirectChooser implementation.
type InMemoryChooser struct {
	records map[netip.Addr]*IndirectRecord
	nextID  uint32
}

// NewInMemoryChooser constructs an empty chooser.
func NewInMemoryChooser() *InMemoryChooser {
	return &InMemoryChooser{records: make(map[netip.Addr]*IndirectRecord)}
}

func (c *InMemoryChooser) Lookup(clientAddr netip.Addr) (*IndirectRecord, bool) {
	rec, ok := c.records[clientAddr]
	return rec, ok
}

func (c *InMemoryChooser) LookupByChosen(clientAddr, chosenAddr netip.Addr) (*IndirectRecord, bool) {
	rec, ok := c.records[clientAddr]
	if !ok || !rec.HasChosen || !AddrEqual(rec.ChosenHost, chosenAddr) {
		return nil, false
	}
	return rec, true
}

func (c *InMemoryChooser) Alloc(clientAddr netip.Addr) *IndirectRecord {
	c.nextID++
	rec := &IndirectRecord{ID: c.nextID, ClientAddr: clientAddr}
	c.records[clientAddr] = rec
	return rec
}

func (c *InMemoryChooser) Dispose(rec *IndirectRecord) {
	if existing, ok := c.records[rec.ClientAddr]; ok && existing.ID == rec.ID {
		delete(c.records, rec.ClientAddr)
	}
}

// IndirectAction is the decision §4.8 makes for an inbound IndirectQuery.
type IndirectAction int

const (
	// IndirectActionWilling replies Willing directly to the client.
	IndirectActionWilling IndirectAction = iota
	// IndirectActionForward sends ForwardQuery to one or more remote managers.
	IndirectActionForward
)

// IndirectDecision is the result of EvaluateIndirect: either reply Willing,
// or forward the query to the listed manager addresses.
type IndirectDecision struct {
	Action    IndirectAction
	ForwardTo []netip.Addr
}

// EvaluateIndirect implements the IndirectQuery flow described in §4.8:
//   - no record → allocate one, reply Willing.
//   - record with no chosen host → reply Willing.
//   - chosen host is local → dispose the record, reply Willing.
//   - chosen host is remote and the client is loopback → forward to every
//     local non-loopback address (the documented, not "fixed",
//     return-path workaround from §9 — an implementer should consider
//     route-lookup-based source selection instead, but this core
//     preserves the original behavior rather than silently changing it).
//   - otherwise → forward to the chosen host.
func EvaluateIndirect(chooser IndirectChooser, locals *LocalAddrSet, client netip.Addr) IndirectDecision {
	rec, ok := chooser.Lookup(client)
	if !ok {
		chooser.Alloc(client)
		return IndirectDecision{Action: IndirectActionWilling}
	}

	if !rec.HasChosen {
		return IndirectDecision{Action: IndirectActionWilling}
	}

	if locals.IsLocal(rec.ChosenHost) {
		chooser.Dispose(rec)
		return IndirectDecision{Action: IndirectActionWilling}
	}

	if IsLoopback(client) {
		// Open question (§9): this is a workaround, not a design — we do
		// not know which local address will actually be routable back to
		// the chosen host, so every non-loopback local address is tried.
		return IndirectDecision{Action: IndirectActionForward, ForwardTo: locals.NonLoopbackAddrs()}
	}

	return IndirectDecision{Action: IndirectActionForward, ForwardTo: []netip.Addr{rec.ChosenHost}}
}
