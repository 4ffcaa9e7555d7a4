package tunnel

import (
	"fmt"

	"github.com/go-i2p/go-onion/lib/common/binding"
)

const (
	// firstTunnelID leaves room for reserved ids; 0 means "no tunnel".
	firstTunnelID uint32 = 10
	// firstCircuitID leaves room for special circuit ids on every link.
	firstCircuitID uint16 = 5
)

type circuitKey struct {
	peer      binding.Binding
	circuitID uint16
}

// TunnelIDMapper is a bijection between (peer, circuit id) pairs and
// process-local tunnel ids. Mappings are never removed, so an id keeps
// meaning the same link for the lifetime of the process.
type TunnelIDMapper struct {
	next    uint32
	byID    map[uint32]circuitKey
	byKey   map[circuitKey]uint32
	circIDs map[binding.Binding]uint16
}

// NewTunnelIDMapper returns an empty mapper.
func NewTunnelIDMapper() *TunnelIDMapper {
	return &TunnelIDMapper{
		next:    firstTunnelID,
		byID:    make(map[uint32]circuitKey),
		byKey:   make(map[circuitKey]uint32),
		circIDs: make(map[binding.Binding]uint16),
	}
}

// TunnelID returns the id of (peer, circuitID), allocating one on first use.
func (m *TunnelIDMapper) TunnelID(peer binding.Binding, circuitID uint16) uint32 {
	key := circuitKey{peer: peer, circuitID: circuitID}
	if id, ok := m.byKey[key]; ok {
		return id
	}
	id := m.next
	m.next++
	m.byKey[key] = id
	m.byID[id] = key
	return id
}

// Lookup returns the id of (peer, circuitID) without allocating.
func (m *TunnelIDMapper) Lookup(peer binding.Binding, circuitID uint16) (uint32, bool) {
	id, ok := m.byKey[circuitKey{peer: peer, circuitID: circuitID}]
	return id, ok
}

// NextCircID returns a fresh circuit id for the link to peer.
func (m *TunnelIDMapper) NextCircID(peer binding.Binding) uint16 {
	id, ok := m.circIDs[peer]
	if !ok || id < firstCircuitID {
		id = firstCircuitID
	}
	next := id + 1
	if next < firstCircuitID {
		// wrapped around
		next = firstCircuitID
	}
	m.circIDs[peer] = next
	return id
}

// Decompose returns the peer and circuit id behind tunnelID. The binding is
// invalid if the id is unknown.
func (m *TunnelIDMapper) Decompose(tunnelID uint32) (binding.Binding, uint16) {
	key, ok := m.byID[tunnelID]
	if !ok {
		return binding.Binding{}, 0
	}
	return key.peer, key.circuitID
}

// Describe formats tunnelID as "ip:port@x0005" for logs.
func (m *TunnelIDMapper) Describe(tunnelID uint32) string {
	key, ok := m.byID[tunnelID]
	if !ok {
		return "<invalid tunnelid>"
	}
	return fmt.Sprintf("%s@x%04x", key.peer.Describe(), key.circuitID)
}

// Len returns the number of allocated tunnel ids.
func (m *TunnelIDMapper) Len() int {
	return len(m.byID)
}
