package tunnel

import (
	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/logger"
)

type authRequestKind uint8

const (
	layeredEncrypt authRequestKind = iota
	layeredDecrypt
	encryptOnce
	decryptOnce
)

func (k authRequestKind) String() string {
	switch k {
	case layeredEncrypt:
		return "layered_encrypt"
	case layeredDecrypt:
		return "layered_decrypt"
	case encryptOnce:
		return "encrypt_once"
	case decryptOnce:
		return "decrypt_once"
	default:
		return "unknown"
	}
}

// authRequest correlates one outstanding encrypt or decrypt with what to do
// with its result. Layered operations issue one request per hop and carry
// the record over to the next request id.
type authRequest struct {
	kind authRequestKind

	// hops is the hop list of a layered operation. Encryption consumes it
	// from the back, decryption counts operations from the front.
	hops       []HopState
	operations int

	// circuitID and source describe the received cell.
	circuitID uint16
	source    binding.Binding

	// nextHop and nextCircuitID are where the result is forwarded.
	nextHop       binding.Binding
	nextCircuitID uint16
	hasNext       bool
}

// encryptLayered seals c and onion-encrypts it for hops, farthest first.
// The result goes to hops[0].
func (e *Engine) encryptLayered(hops []HopState, c cell.Cell) {
	if len(hops) == 0 {
		return
	}
	first := hops[0]
	req := &authRequest{
		kind:          layeredEncrypt,
		hops:          append([]HopState(nil), hops...),
		nextHop:       first.Peer,
		nextCircuitID: first.CircuitID,
		hasNext:       true,
	}
	e.continueLayeredEncrypt(req, c.MarshalRelayPayload(e.digest))
}

func (e *Engine) continueLayeredEncrypt(req *authRequest, payload []byte) {
	last := req.hops[len(req.hops)-1]
	req.hops = req.hops[:len(req.hops)-1]
	req.operations++
	id := e.nextRequestID()
	e.encryptQueue[id] = req
	e.auth.Encrypt(id, last.SessionID, payload)
}

// encryptBackward seals c and encrypts it once for the previous hop of t.
// It reports false if no session with the previous hop exists.
func (e *Engine) encryptBackward(t *TunnelState, c cell.Cell) bool {
	if !e.sessions.Has(t.PrevTunnelID) {
		e.logBrokenTunnel("Engine.encryptBackward", t.PrevTunnelID, "no_session")
		return false
	}
	e.encryptOnceTo(t, c.MarshalRelayPayload(e.digest))
	return true
}

func (e *Engine) encryptOnceTo(t *TunnelState, payload []byte) {
	req := &authRequest{
		kind:          encryptOnce,
		nextHop:       t.Prev,
		nextCircuitID: t.PrevCircuitID,
		hasNext:       true,
	}
	id := e.nextRequestID()
	e.encryptQueue[id] = req
	e.auth.Encrypt(id, e.sessions.Get(t.PrevTunnelID), payload)
}

// decryptLayered starts peeling a payload received from the first hop of c.
func (e *Engine) decryptLayered(c *CircuitState, received cell.Cell) {
	req := &authRequest{
		kind:      layeredDecrypt,
		hops:      append([]HopState(nil), c.Hops...),
		circuitID: received.CircuitID,
		source:    received.Sender,
	}
	e.continueLayeredDecrypt(req, received.Payload)
}

func (e *Engine) continueLayeredDecrypt(req *authRequest, payload []byte) {
	if req.operations >= len(req.hops) {
		log.WithFields(logger.Fields{
			"at":     "Engine.continueLayeredDecrypt",
			"phase":  "dispatch",
			"peer":   req.source.String(),
			"layers": req.operations,
			"reason": "no_valid_digest",
		}).Debug("dropping cell, no hop left to decrypt")
		return
	}
	hop := req.hops[req.operations]
	if hop.Status != HopCreated {
		log.WithFields(logger.Fields{
			"at":     "Engine.continueLayeredDecrypt",
			"phase":  "dispatch",
			"hop":    e.ids.Describe(hop.TunnelID),
			"status": hop.Status.String(),
			"reason": "hop_not_created",
		}).Debug("dropping cell, next layer belongs to an unestablished hop")
		return
	}
	req.operations++
	id := e.nextRequestID()
	e.decryptQueue[id] = req
	e.auth.Decrypt(id, hop.SessionID, payload)
}

// decryptForward decrypts a cell from the previous hop of t once.
func (e *Engine) decryptForward(t *TunnelState, received cell.Cell) {
	if !e.sessions.Has(t.PrevTunnelID) {
		e.logBrokenTunnel("Engine.decryptForward", t.PrevTunnelID, "no_session")
		return
	}
	req := &authRequest{
		kind:          decryptOnce,
		circuitID:     received.CircuitID,
		source:        received.Sender,
		nextHop:       t.Next,
		nextCircuitID: t.NextCircuitID,
		hasNext:       t.HasNext(),
	}
	id := e.nextRequestID()
	e.decryptQueue[id] = req
	e.auth.Decrypt(id, e.sessions.Get(t.PrevTunnelID), received.Payload)
}

func (e *Engine) onEncrypted(requestID uint32, payload []byte) {
	req, ok := e.encryptQueue[requestID]
	if !ok {
		log.WithField("request_id", requestID).Debug("ignoring encrypt answer for unknown request")
		return
	}
	delete(e.encryptQueue, requestID)

	if req.kind == layeredEncrypt && len(req.hops) > 0 {
		e.continueLayeredEncrypt(req, payload)
		return
	}
	e.sendEncrypted(req.nextCircuitID, payload, req.nextHop)
}

func (e *Engine) onDecrypted(requestID uint32, payload []byte) {
	req, ok := e.decryptQueue[requestID]
	if !ok {
		log.WithField("request_id", requestID).Debug("ignoring decrypt answer for unknown request")
		return
	}
	delete(e.decryptQueue, requestID)

	c := cell.ParseRelayPayload(payload, req.circuitID, e.digest)
	c.Sender = req.source
	if c.Malformed {
		log.WithFields(logger.Fields{
			"at":     "Engine.onDecrypted",
			"phase":  "dispatch",
			"peer":   req.source.String(),
			"kind":   req.kind.String(),
			"reason": "malformed_relay_payload",
		}).Debug("dropping decrypted cell")
		e.disconnect(req.source, "malformed relay payload")
		return
	}

	if c.Command != cell.CmdInvalid {
		var originator uint32
		if req.kind == layeredDecrypt {
			originator = req.hops[req.operations-1].TunnelID
		} else {
			originator = e.ids.TunnelID(req.source, req.circuitID)
		}
		e.handleCommand(c, originator)
		return
	}

	// digest did not verify: the cell is for someone further along
	if req.kind == layeredDecrypt {
		e.continueLayeredDecrypt(req, payload)
		return
	}
	if !req.hasNext {
		log.WithFields(logger.Fields{
			"at":     "Engine.onDecrypted",
			"phase":  "relay",
			"tunnel": e.ids.Describe(e.ids.TunnelID(req.source, req.circuitID)),
			"reason": "no_next_hop",
		}).Debug("dropping cell for an unextended tunnel")
		return
	}
	e.sendEncrypted(req.nextCircuitID, payload, req.nextHop)
}

func (e *Engine) onAuthError(requestID uint32) {
	fields := logger.Fields{"at": "Engine.onAuthError", "request_id": requestID}
	switch {
	case e.encryptQueue[requestID] != nil:
		delete(e.encryptQueue, requestID)
		fields["request"] = "encrypt"
	case e.decryptQueue[requestID] != nil:
		delete(e.decryptQueue, requestID)
		fields["request"] = "decrypt"
	case e.pendingHandshakes[requestID] != nil:
		e.abandonHandshakes(e.pendingHandshakes[requestID])
		fields["request"] = "session_start"
	default:
		if _, ok := e.incomingTunnels[requestID]; ok {
			delete(e.incomingTunnels, requestID)
			fields["request"] = "incoming_hs1"
		} else {
			fields["request"] = "unknown"
		}
	}
	log.WithFields(fields).Warn("auth module reported an error")
}

func (e *Engine) logBrokenTunnel(at string, tunnelID uint32, reason string) {
	log.WithFields(logger.Fields{
		"at":     at,
		"phase":  "relay",
		"tunnel": e.ids.Describe(tunnelID),
		"reason": reason,
	}).Warn("broken tunnel, dropping cell")
}
