package xdmcp

import (
	"context"
	"log/slog"
	"net/netip"
)

// dropDecode logs and counts a decode/checksum failure (§7: decode errors
// and checksum mismatches are dropped and logged at debug, never panicked).
func (m *Manager) dropDecode(h Header, err error) {
	m.log.Debug("decode/checksum failed", slog.String("opcode", h.Opcode.String()), slog.Any("error", err))
	m.metrics.IncPacketsDropped(h.Opcode.String(), "decode_error")
}

// -------------------------------------------------------------------------
// BROADCAST_QUERY / QUERY / INDIRECT_QUERY (§4.9 table, §4.8)
// -------------------------------------------------------------------------

func (m *Manager) handleBroadcastQuery(b *Buffer, h Header, peer netip.AddrPort) {
	if _, err := DecodeQueryPayload(b, h); err != nil {
		m.dropDecode(h, err)
		return
	}
	if !m.acl.Allowed(peer.Addr()) {
		return // §4.4 rule 1: silent for BroadcastQuery
	}
	m.sendWilling(peer)
}

func (m *Manager) handleQuery(b *Buffer, h Header, peer netip.AddrPort) {
	if _, err := DecodeQueryPayload(b, h); err != nil {
		m.dropDecode(h, err)
		return
	}
	if m.acl.Allowed(peer.Addr()) {
		m.sendWilling(peer)
		return
	}
	if m.admission.AllowUnwilling() {
		m.sendUnwilling(peer)
	}
}

func (m *Manager) handleIndirectQuery(b *Buffer, h Header, peer netip.AddrPort) {
	p, err := DecodeQueryPayload(b, h)
	if err != nil {
		m.dropDecode(h, err)
		return
	}
	if !m.honorInd {
		return
	}
	if !m.acl.Allowed(peer.Addr()) {
		return // §4.4 rule 1: silent for IndirectQuery
	}

	decision := EvaluateIndirect(m.chooser, m.locals, peer.Addr())
	switch decision.Action {
	case IndirectActionWilling:
		m.sendWilling(peer)
	case IndirectActionForward:
		for _, mgrAddr := range decision.ForwardTo {
			m.sendForwardQuery(netip.AddrPortFrom(mgrAddr, DefaultPort), peer, p.AuthenticationNames)
		}
	}
}

func (m *Manager) sendWilling(peer netip.AddrPort) {
	perHost := m.sessions.PerHostManagedCount(peer.Addr())
	status := m.admission.WillingStatus(peer.Addr(), perHost)
	m.send(peer, OpWilling, func(b *Buffer) {
		EncodeWillingPayload(b, WillingPayload{AuthenticationName: nil, Status: []byte(status)})
	})
}

func (m *Manager) sendUnwilling(peer netip.AddrPort) {
	m.send(peer, OpUnwilling, func(b *Buffer) {
		EncodeUnwillingPayload(b, UnwillingPayload{Status: []byte(StatusDisplayNotAuthorized)})
	})
}

func (m *Manager) sendForwardQuery(mgr, display netip.AddrPort, authNames [][]byte) {
	addrBytes, portBytes := ToWire(display)
	m.send(mgr, OpForwardQuery, func(b *Buffer) {
		EncodeForwardQueryPayload(b, ForwardQueryPayload{
			DisplayAddr: addrBytes,
			DisplayPort: portBytes,
			AuthNames:   authNames,
		})
	})
}

// -------------------------------------------------------------------------
// FORWARD_QUERY (§4.10.4)
// -------------------------------------------------------------------------

func (m *Manager) handleForwardQuery(b *Buffer, h Header, peer netip.AddrPort) {
	p, err := DecodeForwardQueryPayload(b, h)
	if err != nil {
		m.dropDecode(h, err)
		return
	}
	if !m.acl.Allowed(peer.Addr()) {
		return
	}

	dispSA, err := FromRequest(p.DisplayAddr, p.DisplayPort, peer.Addr())
	if err != nil {
		m.dropDecode(h, err)
		return
	}

	// The display is about to be superseded by a fresh ForwardQuery; any
	// queued MANAGED_FORWARD for it from a prior round is stale.
	m.managedForwards.Cancel(peer, dispSA)

	if !m.acl.Allowed(dispSA.Addr()) {
		return
	}

	if prior, ok := m.forwardQueries.Lookup(dispSA); ok {
		m.forwardQueries.Dispose(prior)
	}
	m.forwardQueries.Alloc(peer, dispSA)
	m.metrics.SetForwardQueries(m.forwardQueries.Len())

	m.sendWilling(dispSA)
}

// -------------------------------------------------------------------------
// REQUEST (§4.10.7)
// -------------------------------------------------------------------------

func (m *Manager) handleRequest(ctx context.Context, b *Buffer, h Header, peer netip.AddrPort) {
	p, err := DecodeRequestPayload(b, h)
	if err != nil {
		m.dropDecode(h, err)
		return
	}

	m.sessions.PurgeStalePending()
	// §4.5 rationale: reconcile the cached counters defensively before an
	// admission decision, since the session supervisor may have disposed
	// displays out of band between datagrams.
	m.sessions.Recount()
	m.metrics.SetPending(m.sessions.NumPending())
	m.metrics.SetManaged(m.sessions.NumManaged())

	client := peer.Addr()
	perHost := m.sessions.PerHostManagedCount(client)
	decision := m.admission.EvaluateRequest(p.AuthorizationNames, client, m.sessions.NumManaged(), m.sessions.NumPending(), perHost)

	if !decision.Admit {
		m.metrics.IncDeclines(decision.Reason)
		m.sendDecline(peer, decision.Reason)
		if fq, ok := m.forwardQueries.Lookup(peer); ok {
			m.sendManagedForward(fq.OriginManager, peer)
		}
		return
	}

	hostent, err := m.resolver.Resolve(ctx, client)
	if err != nil {
		m.log.Warn("resolve failed", slog.Any("error", err), slog.String("peer", peer.String()))
		hostent = Hostent{NotFound: true}
	}

	m.sessions.DisposeDuplicates(client, p.DisplayNumber)

	d, err := m.sessions.Allocate(peer, hostent, p.DisplayNumber)
	if err != nil {
		m.log.Error("allocate display failed", slog.Any("error", err), slog.String("peer", peer.String()))
		return
	}
	m.metrics.SetPending(m.sessions.NumPending())

	m.send(peer, OpAccept, func(b *Buffer) {
		EncodeAcceptPayload(b, AcceptPayload{
			SessionID:         d.SessionID,
			AuthName:          nil,
			AuthData:          nil,
			AuthorizationName: []byte(MITMagicCookie1),
			AuthorizationData: d.Cookie[:],
		})
	})
}

func (m *Manager) sendDecline(peer netip.AddrPort, reason string) {
	m.send(peer, OpDecline, func(b *Buffer) {
		EncodeDeclinePayload(b, DeclinePayload{Status: []byte(reason), AuthName: nil, AuthData: nil})
	})
}

// -------------------------------------------------------------------------
// MANAGE (§4.10.10)
// -------------------------------------------------------------------------

func (m *Manager) handleManage(b *Buffer, h Header, peer netip.AddrPort) {
	p, err := DecodeManagePayload(b, h)
	if err != nil {
		m.dropDecode(h, err)
		return
	}
	if !m.acl.Allowed(peer.Addr()) {
		return
	}

	d, ok := m.sessions.LookupBySession(p.SessionID)
	if !ok {
		m.send(peer, OpRefuse, func(b *Buffer) {
			EncodeRefusePayload(b, RefusePayload{SessionID: p.SessionID})
		})
		if fq, ok := m.forwardQueries.Lookup(peer); ok {
			m.sendManagedForward(fq.OriginManager, peer)
		}
		return
	}

	if d.State == StateManaged {
		m.log.Info("display already managed", slog.Uint64("session_id", uint64(p.SessionID)), slog.String("peer", peer.String()))
		return
	}

	if rec, ok := m.chooser.Lookup(peer.Addr()); ok {
		if !rec.HasChosen {
			d.UseChooser = true
			d.IndirectID = rec.ID
		} else {
			d.UseChooser = false
			d.IndirectID = 0
			m.chooser.Dispose(rec)
		}
	} else {
		d.UseChooser = false
		d.IndirectID = 0
	}

	if fq, ok := m.forwardQueries.Lookup(peer); ok {
		m.sendManagedForward(fq.OriginManager, peer)
		m.forwardQueries.Dispose(fq)
		m.metrics.SetForwardQueries(m.forwardQueries.Len())
	}

	if _, err := m.sessions.Promote(p.SessionID); err != nil {
		m.send(peer, OpFailed, func(b *Buffer) {
			EncodeFailedPayload(b, FailedPayload{SessionID: p.SessionID, Status: []byte(StatusSupervisorFailed)})
		})
		m.sessions.Dispose(d)
		m.metrics.SetPending(m.sessions.NumPending())
		m.metrics.SetManaged(m.sessions.NumManaged())
		return
	}

	m.metrics.SetPending(m.sessions.NumPending())
	m.metrics.SetManaged(m.sessions.NumManaged())
}

// -------------------------------------------------------------------------
// KEEPALIVE (§4.9 table)
// -------------------------------------------------------------------------

func (m *Manager) handleKeepAlive(b *Buffer, h Header, peer netip.AddrPort) {
	p, err := DecodeKeepAlivePayload(b, h)
	if err != nil {
		m.dropDecode(h, err)
		return
	}

	d, ok := m.sessions.LookupBySession(p.SessionID)
	if !ok {
		// Open question (§9): fallback lookup by (peer, display_number) may
		// cross-link sessions if the peer rapidly reuses display numbers.
		// Preserved as specified rather than silently "fixed".
		d, ok = m.sessions.LookupByHost(peer.Addr(), p.DisplayNumber)
	}

	running := uint8(0)
	sessionID := p.SessionID
	if ok {
		running = 1
		sessionID = d.SessionID
	}

	m.send(peer, OpAlive, func(b *Buffer) {
		EncodeAlivePayload(b, AlivePayload{SessionRunning: running, SessionID: sessionID})
	})
}

// -------------------------------------------------------------------------
// MANAGED_FORWARD / GOT_MANAGED_FORWARD (§4.7, §4.9 table)
// -------------------------------------------------------------------------

func (m *Manager) sendManagedForward(peer, origin netip.AddrPort) {
	m.sendManagedForwardDatagram(peer, origin)
	m.managedForwards.Schedule(peer, origin)
	m.metrics.SetManagedForwards(m.managedForwards.Len())
}

func (m *Manager) sendManagedForwardDatagram(peer, origin netip.AddrPort) {
	addrBytes, portBytes := ToWire(origin)
	m.send(peer, OpManagedForward, func(b *Buffer) {
		EncodeManagedForwardPayload(b, ManagedForwardPayload{OriginAddr: addrBytes, OriginPort: portBytes})
	})
}

func (m *Manager) handleManagedForwardOpcode(b *Buffer, h Header, peer netip.AddrPort) {
	p, err := DecodeManagedForwardPayload(b, h)
	if err != nil {
		m.dropDecode(h, err)
		return
	}

	if origin, err := FromRequest(p.OriginAddr, p.OriginPort, peer.Addr()); err == nil {
		if rec, ok := m.chooser.LookupByChosen(origin.Addr(), peer.Addr()); ok {
			m.chooser.Dispose(rec)
		}
	}

	// Idempotent: always reply, even for an unknown origin, to tolerate a
	// lost prior GOT_MANAGED_FORWARD (§4.7).
	m.send(peer, OpGotManagedForward, func(b *Buffer) {
		EncodeManagedForwardPayload(b, p)
	})
}

func (m *Manager) handleGotManagedForward(b *Buffer, h Header, peer netip.AddrPort) {
	p, err := DecodeManagedForwardPayload(b, h)
	if err != nil {
		m.dropDecode(h, err)
		return
	}

	origin, err := FromRequest(p.OriginAddr, p.OriginPort, peer.Addr())
	if err != nil {
		m.dropDecode(h, err)
		return
	}

	m.managedForwards.Cancel(peer, origin)
	m.metrics.SetManagedForwards(m.managedForwards.Len())
}
