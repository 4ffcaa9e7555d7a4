package tunnel

import (
	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/logger"
)

// handleDatagram is the entry point for every received datagram.
func (e *Engine) handleDatagram(data []byte, from binding.Binding) {
	c := cell.Parse(data, e.digest)
	c.Sender = from

	// An ENCRYPTED payload is opaque here, its command is only checked
	// after decryption.
	if c.Type == cell.TypeInvalid || (c.Malformed && c.Type != cell.TypeEncrypted) {
		log.WithFields(logger.Fields{
			"at":     "Engine.handleDatagram",
			"phase":  "dispatch",
			"peer":   from.String(),
			"size":   len(data),
			"reason": "malformed",
		}).Debug("dropping malformed datagram")
		e.disconnect(from, "malformed datagram")
		return
	}

	log.WithFields(logger.Fields{
		"at":    "Engine.handleDatagram",
		"phase": "dispatch",
		"peer":  from.String(),
		"cell":  c.TypeString(),
		"circ":  c.CircuitID,
	}).Debug("datagram received")

	switch c.Type {
	case cell.TypeBuild:
		e.handleBuild(c)
	case cell.TypeCreated:
		e.handleCreated(c)
	case cell.TypeEncrypted:
		e.handleEncrypted(c)
	}
}

func (e *Engine) handleBuild(c cell.Cell) {
	if ok, reason := e.limiter.AllowRequest(c.Sender); !ok {
		log.WithFields(logger.Fields{
			"at":     "Engine.handleBuild",
			"phase":  "circuit_build",
			"peer":   c.Sender.String(),
			"reason": reason,
		}).Debug("BUILD refused")
		return
	}
	tunnelID := e.ids.TunnelID(c.Sender, c.CircuitID)
	if role := e.outboundRole(tunnelID); role != "" {
		log.WithFields(logger.Fields{
			"at":     "Engine.handleBuild",
			"phase":  "circuit_build",
			"tunnel": e.ids.Describe(tunnelID),
			"role":   role,
			"reason": "circuit_id_in_use",
		}).Warn("BUILD collides with a link we opened")
		return
	}
	id := e.nextRequestID()
	e.incomingTunnels[id] = tunnelID
	e.auth.IncomingHS1(id, c.Data)
}

// outboundRole names the use of tunnelID on a link this peer opened, or
// returns "" if the id is free for an incoming BUILD. Both ends of a link
// allocate circuit ids independently, so a BUILD may reuse one of ours.
func (e *Engine) outboundRole(tunnelID uint32) string {
	switch {
	case e.circuits[tunnelID] != nil:
		return "circuit"
	case e.tunnelsByNext[tunnelID] != nil:
		return "relay_next_hop"
	}
	if _, ok := e.pendingExtensions[tunnelID]; ok {
		return "pending_extension"
	}
	return ""
}

// onSessionHS2 completes an incoming BUILD: the session with the previous
// hop exists, so the tunnel is recorded and CREATED is sent back.
func (e *Engine) onSessionHS2(requestID uint32, sessionID uint16, handshake []byte) {
	prevID, ok := e.incomingTunnels[requestID]
	if !ok {
		log.WithField("request_id", requestID).Debug("ignoring HS2 for unknown request")
		return
	}
	delete(e.incomingTunnels, requestID)

	peer, circuitID := e.ids.Decompose(prevID)
	if len(handshake) > cell.MaxHandshakeSize {
		log.WithFields(logger.Fields{
			"at":     "Engine.onSessionHS2",
			"phase":  "circuit_build",
			"tunnel": e.ids.Describe(prevID),
			"size":   len(handshake),
			"reason": "handshake_too_large",
		}).Warn("cannot answer BUILD")
		e.auth.EndSession(sessionID)
		return
	}
	// the id may have been taken by one of our own links while the
	// handshake was pending
	if role := e.outboundRole(prevID); role != "" {
		log.WithFields(logger.Fields{
			"at":     "Engine.onSessionHS2",
			"phase":  "circuit_build",
			"tunnel": e.ids.Describe(prevID),
			"role":   role,
			"reason": "circuit_id_in_use",
		}).Warn("BUILD collides with a link we opened")
		e.auth.EndSession(sessionID)
		return
	}

	if e.sessions.Has(prevID) {
		// the previous hop rebuilt the same circuit id
		e.auth.EndSession(e.sessions.Get(prevID))
	}
	if old := e.tunnelsByPrev[prevID]; old != nil && old.HasNext() {
		delete(e.tunnelsByNext, old.NextTunnelID)
	}
	e.tunnelsByPrev[prevID] = &TunnelState{
		Prev:          peer,
		PrevCircuitID: circuitID,
		PrevTunnelID:  prevID,
	}
	e.sessions.Set(prevID, sessionID)

	e.send(cell.NewCreated(circuitID, handshake).Marshal(e.digest), peer)
	log.WithFields(logger.Fields{
		"at":     "Engine.onSessionHS2",
		"phase":  "circuit_build",
		"tunnel": e.ids.Describe(prevID),
	}).Debug("tunnel accepted")
	e.events.TunnelIncoming(prevID)
}

func (e *Engine) handleCreated(c cell.Cell) {
	tunnelID, ok := e.ids.Lookup(c.Sender, c.CircuitID)
	if !ok {
		e.dropUnknown("Engine.handleCreated", c)
		return
	}

	if prevID, ok := e.pendingExtensions[tunnelID]; ok {
		delete(e.pendingExtensions, tunnelID)
		e.completeExtension(prevID, tunnelID, c)
		return
	}

	circ := e.circuits[tunnelID]
	if circ == nil || circ.tearing {
		log.WithFields(logger.Fields{
			"at":     "Engine.handleCreated",
			"phase":  "circuit_build",
			"tunnel": e.ids.Describe(tunnelID),
			"reason": "no_pending_construction",
		}).Debug("dropping orphaned CREATED")
		return
	}
	hop := &circ.Hops[0]
	if hop.Status != HopBuildSent {
		log.WithFields(logger.Fields{
			"at":     "Engine.handleCreated",
			"phase":  "circuit_build",
			"tunnel": e.ids.Describe(tunnelID),
			"status": hop.Status.String(),
		}).Debug("ignoring duplicate CREATED")
		return
	}
	e.hopCreated(hop, c.Data)
	e.continueBuilding(tunnelID, false)
}

// completeExtension links the next hop to the tunnel that asked for it and
// reports RELAY_EXTENDED backwards.
func (e *Engine) completeExtension(prevID, nextID uint32, c cell.Cell) {
	t := e.tunnelsByPrev[prevID]
	if t == nil {
		e.logBrokenTunnel("Engine.completeExtension", prevID, "tunnel_gone")
		return
	}
	if len(c.Data) > cell.MaxExtendedLength {
		log.WithFields(logger.Fields{
			"at":     "Engine.completeExtension",
			"phase":  "circuit_build",
			"tunnel": e.ids.Describe(nextID),
			"size":   len(c.Data),
			"reason": "handshake_too_large",
		}).Warn("cannot relay CREATED")
		return
	}
	if t.HasNext() {
		delete(e.tunnelsByNext, t.NextTunnelID)
	}
	t.Next = c.Sender
	t.NextCircuitID = c.CircuitID
	t.NextTunnelID = nextID
	e.tunnelsByNext[nextID] = t

	log.WithFields(logger.Fields{
		"at":    "Engine.completeExtension",
		"phase": "circuit_build",
		"prev":  e.ids.Describe(prevID),
		"next":  e.ids.Describe(nextID),
	}).Debug("tunnel extended")
	e.encryptBackward(t, cell.NewRelayExtended(t.PrevCircuitID, 0, c.Data))
}

func (e *Engine) handleEncrypted(c cell.Cell) {
	tunnelID, ok := e.ids.Lookup(c.Sender, c.CircuitID)
	if !ok {
		e.dropUnknown("Engine.handleEncrypted", c)
		return
	}
	if circ := e.circuits[tunnelID]; circ != nil {
		e.decryptLayered(circ, c)
		return
	}
	if t := e.tunnelsByPrev[tunnelID]; t != nil {
		e.decryptForward(t, c)
		return
	}
	if t := e.tunnelsByNext[tunnelID]; t != nil {
		if !e.sessions.Has(t.PrevTunnelID) {
			e.logBrokenTunnel("Engine.handleEncrypted", t.PrevTunnelID, "no_session")
			return
		}
		e.encryptOnceTo(t, c.Payload)
		return
	}
	e.dropUnknown("Engine.handleEncrypted", c)
}

func (e *Engine) dropUnknown(at string, c cell.Cell) {
	log.WithFields(logger.Fields{
		"at":     at,
		"phase":  "dispatch",
		"peer":   c.Sender.String(),
		"circ":   c.CircuitID,
		"cell":   c.TypeString(),
		"reason": "unknown_tunnel",
	}).Debug("dropping datagram")
	e.disconnect(c.Sender, "unknown tunnel")
}

// handleCommand acts on a relay cell whose digest verified. originator is
// the tunnel id of the hop that sealed it.
func (e *Engine) handleCommand(c cell.Cell, originator uint32) {
	log.WithFields(logger.Fields{
		"at":         "Engine.handleCommand",
		"phase":      "dispatch",
		"command":    c.Command.String(),
		"originator": e.ids.Describe(originator),
	}).Debug("relay command addressed to us")

	switch c.Command {
	case cell.CmdRelayData:
		e.events.TunnelData(originator, c.Data)
	case cell.CmdRelayExtend:
		e.relayExtend(c, originator)
	case cell.CmdRelayExtended:
		e.relayExtended(c, originator)
	case cell.CmdRelayTruncated:
		e.relayTruncated(c, originator)
	case cell.CmdDestroy:
		e.relayDestroy(originator)
	case cell.CmdCover:
	}
}

func (e *Engine) relayExtend(c cell.Cell, originator uint32) {
	t := e.tunnelsByPrev[originator]
	target := c.Target()
	if t == nil || !target.IsValid() || target.Port == 0 {
		log.WithFields(logger.Fields{
			"at":     "Engine.relayExtend",
			"phase":  "circuit_build",
			"tunnel": e.ids.Describe(originator),
			"target": target.String(),
			"reason": "not_extendable",
		}).Debug("dropping RELAY_EXTEND")
		return
	}
	if len(c.Data) > cell.MaxHandshakeSize {
		log.WithField("size", len(c.Data)).Debug("dropping RELAY_EXTEND with oversized handshake")
		return
	}
	if t.HasNext() {
		log.WithField("tunnel", e.ids.Describe(originator)).Debug("re-extending tunnel")
	}
	circuitID := e.ids.NextCircID(target)
	nextID := e.ids.TunnelID(target, circuitID)
	e.pendingExtensions[nextID] = originator
	e.send(cell.NewBuild(circuitID, c.Data).Marshal(e.digest), target)
}

func (e *Engine) relayExtended(c cell.Cell, originator uint32) {
	key, _ := e.ids.Lookup(c.Sender, c.CircuitID)
	circ := e.circuits[key]
	if circ == nil || circ.tearing {
		log.WithField("originator", e.ids.Describe(originator)).Debug("dropping orphaned RELAY_EXTENDED")
		return
	}
	i := circ.FirstPending()
	if i <= 0 || circ.Hops[i].Status != HopBuildSent {
		log.WithFields(logger.Fields{
			"at":     "Engine.relayExtended",
			"phase":  "circuit_build",
			"tunnel": e.ids.Describe(key),
			"reason": "no_extension_pending",
		}).Debug("dropping RELAY_EXTENDED")
		return
	}
	if circ.Hops[i-1].TunnelID != originator {
		log.WithFields(logger.Fields{
			"at":       "Engine.relayExtended",
			"phase":    "circuit_build",
			"expected": e.ids.Describe(circ.Hops[i-1].TunnelID),
			"got":      e.ids.Describe(originator),
		}).Warn("RELAY_EXTENDED from unexpected hop")
	}
	e.hopCreated(&circ.Hops[i], c.Data)
	e.continueBuilding(key, false)
}

func (e *Engine) relayTruncated(c cell.Cell, originator uint32) {
	key, _ := e.ids.Lookup(c.Sender, c.CircuitID)
	circ := e.circuits[key]
	if circ == nil || circ.tearing {
		log.WithField("originator", e.ids.Describe(originator)).Debug("dropping orphaned RELAY_TRUNCATED")
		return
	}
	i := circ.IndexOf(originator)
	if i < 0 {
		log.WithField("originator", e.ids.Describe(originator)).Debug("RELAY_TRUNCATED from a hop not in the circuit")
		return
	}
	for _, hop := range circ.Hops[i+1:] {
		e.releaseHop(hop)
	}
	circ.Hops = circ.Hops[:i+1]

	apiID, last := circ.TunnelID, circ.LastMessage
	log.WithFields(logger.Fields{
		"at":        "Engine.relayTruncated",
		"phase":     "teardown",
		"tunnel":    e.ids.Describe(apiID),
		"remaining": len(circ.Hops),
	}).Info("circuit truncated")
	e.tear(key)
	e.events.TunnelError(apiID, last)
}

func (e *Engine) relayDestroy(originator uint32) {
	t := e.tunnelsByPrev[originator]
	if t == nil {
		log.WithField("originator", e.ids.Describe(originator)).Debug("CMD_DESTROY for unknown tunnel")
		return
	}
	e.removeTunnel(t)
	log.WithFields(logger.Fields{
		"at":     "Engine.relayDestroy",
		"phase":  "teardown",
		"tunnel": e.ids.Describe(originator),
	}).Debug("tunnel destroyed by previous hop")
}

func (e *Engine) removeTunnel(t *TunnelState) {
	if e.sessions.Has(t.PrevTunnelID) {
		e.auth.EndSession(e.sessions.Get(t.PrevTunnelID))
		e.sessions.Remove(t.PrevTunnelID)
	}
	delete(e.tunnelsByPrev, t.PrevTunnelID)
	if t.HasNext() && e.tunnelsByNext[t.NextTunnelID] == t {
		delete(e.tunnelsByNext, t.NextTunnelID)
	}
}
