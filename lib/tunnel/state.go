package tunnel

import (
	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
)

// HopStatus is the construction progress of one hop.
type HopStatus uint8

const (
	HopUnconnected HopStatus = iota
	HopBuildSent
	HopCreated
	HopError
)

func (s HopStatus) String() string {
	switch s {
	case HopUnconnected:
		return "unconnected"
	case HopBuildSent:
		return "build_sent"
	case HopCreated:
		return "created"
	case HopError:
		return "error"
	default:
		return "unknown"
	}
}

// HopState is one peer of a circuit we originated.
type HopState struct {
	Peer      binding.Binding
	CircuitID uint16
	TunnelID  uint32
	Hostkey   []byte
	// Handshake is our HS1, sent in the BUILD or RELAY_EXTEND for this hop.
	Handshake []byte
	SessionID uint16
	Status    HopStatus
}

// CircuitState is a circuit we originated.
//
// Design decisions:
// - Hop statuses only advance left to right: hop i is BuildSent or Created
// only while every hop before it is Created
// - The circuit is keyed by its first hop and exposed under its last hop
// - A circuit with a cover budget never reports TunnelReady
type CircuitState struct {
	Hops []HopState
	// TunnelID is the id local clients use, the tunnel id of the last hop.
	TunnelID    uint32
	LastMessage protocol.MessageType
	// CoverRemaining is the cover traffic budget in bytes, 0 for data circuits.
	CoverRemaining int
	Requester      Requester

	cover   bool
	tearing bool
	retry   *task
}

// Key returns the tunnel id of the first hop.
func (c *CircuitState) Key() uint32 {
	return c.Hops[0].TunnelID
}

// IsCover reports whether the circuit carries cover traffic only.
func (c *CircuitState) IsCover() bool {
	return c.cover
}

// FirstPending returns the index of the first hop not yet Created, or -1.
func (c *CircuitState) FirstPending() int {
	for i := range c.Hops {
		if c.Hops[i].Status != HopCreated {
			return i
		}
	}
	return -1
}

// Ready reports whether every hop is Created.
func (c *CircuitState) Ready() bool {
	return c.FirstPending() < 0
}

// IndexOf returns the index of the hop with tunnelID, or -1.
func (c *CircuitState) IndexOf(tunnelID uint32) int {
	for i := range c.Hops {
		if c.Hops[i].TunnelID == tunnelID {
			return i
		}
	}
	return -1
}

func (c *CircuitState) snapshot(n int) []HopState {
	out := make([]HopState, n)
	copy(out, c.Hops[:n])
	return out
}

// TunnelState is a circuit segment we relay. The next hop is unset (zero
// NextTunnelID) until a RELAY_EXTEND through us completes, and stays unset
// if we are the destination.
type TunnelState struct {
	Prev          binding.Binding
	PrevCircuitID uint16
	PrevTunnelID  uint32

	Next          binding.Binding
	NextCircuitID uint16
	NextTunnelID  uint32
}

// HasNext reports whether the tunnel has been extended past us.
func (t *TunnelState) HasNext() bool {
	return t.NextTunnelID != 0
}
