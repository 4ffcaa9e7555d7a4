package tunnel

import (
	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/go-onion/lib/rps"
	"github.com/go-i2p/logger"
)

// peerSample is a circuit waiting for its hop candidates.
type peerSample struct {
	requester Requester
	// destination is appended to the sample; nil for cover circuits, whose
	// last sampled peer is the destination.
	destination *rps.Peer
	coverSize   int
}

// hopHandshake is one session start of a construction batch.
type hopHandshake struct {
	peer      rps.Peer
	requestID uint32
	sessionID uint16
	handshake []byte
	received  bool
}

// circuitHandshakes collects the session starts of one circuit. The circuit
// is created once every hop has answered, in whatever order.
type circuitHandshakes struct {
	requester Requester
	cover     bool
	coverSize int
	hops      []*hopHandshake
}

func (b *circuitHandshakes) complete() bool {
	for _, h := range b.hops {
		if !h.received {
			return false
		}
	}
	return true
}

func (e *Engine) buildTunnel(dest binding.Binding, hostkey []byte, requester Requester) {
	if !dest.IsValid() || dest.Port == 0 {
		log.WithField("destination", dest.String()).Warn("refusing to build tunnel to invalid destination")
		return
	}
	id := e.sampler.RequestPeers(e.cfg.Hops)
	if id < 0 {
		log.WithField("hops", e.cfg.Hops).Warn("peer sampler refused request")
		return
	}
	e.pendingSamples[id] = &peerSample{
		requester:   requester,
		destination: &rps.Peer{Address: dest, Hostkey: hostkey},
	}
	log.WithFields(logger.Fields{
		"at":          "Engine.buildTunnel",
		"phase":       "circuit_build",
		"destination": dest.String(),
		"requester":   uint64(requester),
		"sample_id":   id,
	}).Debug("requested hop candidates")
}

func (e *Engine) coverTunnel(size int) {
	if size <= 0 {
		log.WithField("size", size).Debug("ignoring cover request without budget")
		return
	}
	id := e.sampler.RequestPeers(e.cfg.Hops + 1)
	if id < 0 {
		log.WithField("hops", e.cfg.Hops+1).Warn("peer sampler refused request")
		return
	}
	e.pendingSamples[id] = &peerSample{requester: InternalRequester, coverSize: size}
}

func (e *Engine) onPeersArrived(sampleID int, peers []rps.Peer) {
	sample, ok := e.pendingSamples[sampleID]
	if !ok {
		log.WithField("sample_id", sampleID).Debug("ignoring unrequested peer sample")
		return
	}
	delete(e.pendingSamples, sampleID)

	if sample.destination != nil {
		peers = append(append([]rps.Peer(nil), peers...), *sample.destination)
	}
	if len(peers) == 0 {
		log.WithField("sample_id", sampleID).Warn("empty peer sample")
		return
	}

	batch := &circuitHandshakes{
		requester: sample.requester,
		cover:     sample.destination == nil,
		coverSize: sample.coverSize,
	}
	for _, p := range peers {
		h := &hopHandshake{peer: p, requestID: e.nextRequestID()}
		batch.hops = append(batch.hops, h)
		e.pendingHandshakes[h.requestID] = batch
	}
	for _, h := range batch.hops {
		e.auth.StartSession(h.requestID, h.peer.Hostkey)
	}
}

func (e *Engine) onSessionHS1(requestID uint32, sessionID uint16, handshake []byte) {
	batch, ok := e.pendingHandshakes[requestID]
	if !ok {
		log.WithField("request_id", requestID).Debug("ignoring HS1 for unknown request")
		return
	}
	delete(e.pendingHandshakes, requestID)
	for _, h := range batch.hops {
		if h.requestID == requestID {
			h.sessionID = sessionID
			h.handshake = handshake
			h.received = true
		}
	}
	if batch.complete() {
		e.createCircuit(batch)
	}
}

// abandonHandshakes drops a batch after one of its session starts failed.
func (e *Engine) abandonHandshakes(batch *circuitHandshakes) {
	for _, h := range batch.hops {
		delete(e.pendingHandshakes, h.requestID)
		if h.received {
			e.auth.EndSession(h.sessionID)
		}
	}
}

func (e *Engine) createCircuit(batch *circuitHandshakes) {
	hops := make([]HopState, len(batch.hops))
	for i, h := range batch.hops {
		circuitID := e.ids.NextCircID(h.peer.Address)
		hops[i] = HopState{
			Peer:      h.peer.Address,
			CircuitID: circuitID,
			TunnelID:  e.ids.TunnelID(h.peer.Address, circuitID),
			Hostkey:   h.peer.Hostkey,
			Handshake: h.handshake,
			SessionID: h.sessionID,
			Status:    HopUnconnected,
		}
	}
	c := &CircuitState{
		Hops:           hops,
		TunnelID:       hops[len(hops)-1].TunnelID,
		LastMessage:    protocol.OnionTunnelBuild,
		CoverRemaining: batch.coverSize,
		Requester:      batch.requester,
		cover:          batch.cover,
	}
	if c.cover {
		c.LastMessage = protocol.OnionCover
	}

	if bad := oversizedHandshake(hops); bad >= 0 {
		log.WithFields(logger.Fields{
			"at":     "Engine.createCircuit",
			"phase":  "circuit_build",
			"hop":    bad,
			"size":   len(hops[bad].Handshake),
			"reason": "handshake_too_large",
		}).Warn("cannot build circuit")
		for _, h := range hops {
			e.auth.EndSession(h.SessionID)
		}
		if !c.cover {
			e.events.TunnelError(c.TunnelID, c.LastMessage)
		}
		return
	}

	key := c.Key()
	e.circuits[key] = c
	e.circuitKeys[c.TunnelID] = key
	log.WithFields(logger.Fields{
		"at":      "Engine.createCircuit",
		"phase":   "circuit_build",
		"circuit": e.ids.Describe(key),
		"tunnel":  c.TunnelID,
		"hops":    len(hops),
		"cover":   c.cover,
	}).Info("building circuit")
	e.continueBuilding(key, false)
}

// oversizedHandshake returns the index of the first hop whose handshake
// does not fit its BUILD or RELAY_EXTEND cell, or -1.
func oversizedHandshake(hops []HopState) int {
	for i, h := range hops {
		limit := cell.MaxHandshakeSize
		if i > 0 {
			limit = cell.MaxExtend6HandshakeLen
			if h.Peer.Is4() {
				limit = cell.MaxExtend4HandshakeLen
			}
		}
		if len(h.Handshake) > limit {
			return i
		}
	}
	return -1
}

// continueBuilding sends the BUILD or RELAY_EXTEND for the first hop that
// is not Created. A hop already in BuildSent is only re-sent on retry.
func (e *Engine) continueBuilding(key uint32, isRetry bool) {
	c := e.circuits[key]
	if c == nil || c.tearing {
		return
	}
	i := c.FirstPending()
	if i >= 0 && c.Hops[i].Status == HopBuildSent && !isRetry {
		return
	}

	if i < 0 {
		e.sched.cancel(c.retry)
		c.retry = nil
		if c.cover {
			log.WithFields(logger.Fields{
				"at":     "Engine.continueBuilding",
				"phase":  "cover",
				"tunnel": c.TunnelID,
				"budget": c.CoverRemaining,
			}).Info("cover circuit ready")
			e.sendCover(key)
			return
		}
		last := c.Hops[len(c.Hops)-1]
		log.WithFields(logger.Fields{
			"at":        "Engine.continueBuilding",
			"phase":     "circuit_build",
			"tunnel":    c.TunnelID,
			"requester": uint64(c.Requester),
		}).Info("circuit ready")
		e.events.TunnelReady(c.Requester, c.TunnelID, last.Hostkey)
		return
	}

	hop := &c.Hops[i]
	hop.Status = HopBuildSent
	if i == 0 {
		e.send(cell.NewBuild(hop.CircuitID, hop.Handshake).Marshal(e.digest), hop.Peer)
	} else {
		extend := cell.NewRelayExtend(c.Hops[0].CircuitID, 0, hop.Peer, hop.Handshake)
		e.encryptLayered(c.Hops[:i], extend)
	}
	log.WithFields(logger.Fields{
		"at":    "Engine.continueBuilding",
		"phase": "circuit_build",
		"hop":   i,
		"peer":  hop.Peer.String(),
		"retry": isRetry,
	}).Debug("extending circuit")

	e.sched.cancel(c.retry)
	c.retry = e.sched.schedule(e.now().Add(e.cfg.BuildRetryInterval), taskRetryBuild, key, nil)
}

// hopCreated finishes the handshake of hop with the answer it sent back.
func (e *Engine) hopCreated(hop *HopState, handshake []byte) {
	e.auth.IncomingHS2(e.nextRequestID(), hop.SessionID, handshake)
	hop.Status = HopCreated
	e.sessions.Set(hop.TunnelID, hop.SessionID)
}

// releaseHop ends the session of a hop leaving its circuit.
func (e *Engine) releaseHop(hop HopState) {
	e.auth.EndSession(hop.SessionID)
	e.sessions.Remove(hop.TunnelID)
}
