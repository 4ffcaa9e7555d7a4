package tunnel

import (
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/logger"
)

func (e *Engine) destroyTunnel(tunnelID uint32) {
	if key, ok := e.circuitKeys[tunnelID]; ok {
		c := e.circuits[key]
		if c == nil || c.tearing {
			return
		}
		c.LastMessage = protocol.OnionTunnelDestroy
		e.tear(key)
		return
	}

	if t := e.tunnelsByPrev[tunnelID]; t != nil {
		// TRUNCATED is queued at the auth module before the session ends
		e.encryptBackward(t, cell.NewRelayTruncated(t.PrevCircuitID, 0))
		e.removeTunnel(t)
		log.WithFields(logger.Fields{
			"at":     "Engine.destroyTunnel",
			"phase":  "teardown",
			"tunnel": e.ids.Describe(tunnelID),
		}).Info("relay tunnel destroyed")
		return
	}

	log.WithFields(logger.Fields{
		"at":     "Engine.destroyTunnel",
		"phase":  "teardown",
		"tunnel": tunnelID,
		"reason": "unknown_tunnel",
	}).Debug("nothing to destroy")
}

// tear sends CMD_DESTROY to every established hop, farthest first, one
// DestroyStepDelay apart, and removes the circuit after the last one.
func (e *Engine) tear(key uint32) {
	c := e.circuits[key]
	if c == nil || c.tearing {
		return
	}
	c.tearing = true
	e.sched.cancel(c.retry)
	c.retry = nil

	now := e.now()
	step := e.cfg.DestroyStepDelay
	n := len(c.Hops)
	for i := n; i >= 1; i-- {
		if c.Hops[i-1].Status != HopCreated {
			continue
		}
		at := now.Add(time.Duration(n-i) * step)
		e.sched.schedule(at, taskSendDestroy, key, c.snapshot(i))
	}
	e.sched.schedule(now.Add(time.Duration(n+1)*step), taskCleanCircuit, key, nil)

	log.WithFields(logger.Fields{
		"at":      "Engine.tear",
		"phase":   "teardown",
		"circuit": e.ids.Describe(key),
		"tunnel":  c.TunnelID,
		"hops":    n,
	}).Info("tearing down circuit")
}

// sendDestroy sends CMD_DESTROY to the last of hops, encrypted through all
// of them.
func (e *Engine) sendDestroy(hops []HopState) {
	if len(hops) == 0 {
		return
	}
	e.encryptLayered(hops, cell.NewDestroy(hops[0].CircuitID))
}

func (e *Engine) cleanCircuit(key uint32) {
	c := e.circuits[key]
	if c == nil {
		return
	}
	for _, hop := range c.Hops {
		e.releaseHop(hop)
	}
	e.sched.cancel(c.retry)
	delete(e.circuits, key)
	if e.circuitKeys[c.TunnelID] == key {
		delete(e.circuitKeys, c.TunnelID)
	}
	log.WithFields(logger.Fields{
		"at":     "Engine.cleanCircuit",
		"phase":  "teardown",
		"tunnel": c.TunnelID,
	}).Debug("circuit removed")
}

func (e *Engine) sendData(tunnelID uint32, data []byte) bool {
	if len(data) > cell.MaxRelayDataLength {
		return false
	}
	if key, ok := e.circuitKeys[tunnelID]; ok {
		c := e.circuits[key]
		if c == nil || c.tearing || !c.Ready() || c.cover {
			return false
		}
		c.LastMessage = protocol.OnionTunnelData
		e.encryptLayered(c.Hops, cell.NewRelayData(c.Hops[0].CircuitID, 0, data))
		return true
	}
	if t := e.tunnelsByPrev[tunnelID]; t != nil {
		return e.encryptBackward(t, cell.NewRelayData(t.PrevCircuitID, 0, data))
	}
	log.WithField("tunnel", tunnelID).Debug("send on unknown tunnel")
	return false
}

// sendCover sends one CMD_COVER through the whole circuit and schedules the
// next one. The circuit is torn down once its budget is spent.
func (e *Engine) sendCover(key uint32) {
	c := e.circuits[key]
	if c == nil || c.tearing {
		return
	}
	if c.CoverRemaining <= 0 {
		c.LastMessage = protocol.OnionCover
		e.tear(key)
		return
	}
	c.CoverRemaining -= cell.Length
	e.encryptLayered(c.Hops, cell.NewCover(c.Hops[0].CircuitID))
	e.sched.schedule(e.now().Add(e.coverWait()), taskSendCover, key, nil)
}

// coverWait picks a random pause in [CoverMinWait, CoverMaxWait].
func (e *Engine) coverWait() time.Duration {
	lo, hi := e.cfg.CoverMinWait, e.cfg.CoverMaxWait
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}
