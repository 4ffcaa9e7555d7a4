package rps

import (
	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/samber/oops"
)

// Peer is one sampled onion peer.
type Peer struct {
	Address binding.Binding
	Hostkey []byte
}

// Handler receives completed samples.
type Handler interface {
	PeersArrived(sampleID int, peers []Peer)
}

const flagIPv6 = 0x01

// QueryMessage returns an RPS_QUERY.
func QueryMessage() *protocol.Message {
	return &protocol.Message{Type: protocol.RPSQuery}
}

// Message encodes the peer as RPS_PEER:
// port(2) | reserved(1) | flags(1, bit 0 = IPv6) | address | hostkey.
func (p Peer) Message() *protocol.Message {
	var flags uint8
	if !p.Address.Is4() {
		flags |= flagIPv6
	}
	return new(protocol.Writer).
		Uint16(p.Address.Port).
		Uint8(0).
		Uint8(flags).
		Addr(p.Address.Addr).
		Bytes(p.Hostkey).
		Message(protocol.RPSPeer)
}

// ParsePeer decodes an RPS_PEER message.
func ParsePeer(m *protocol.Message) (Peer, error) {
	if m.Type != protocol.RPSPeer {
		return Peer{}, oops.Errorf("expected %s, got %s", protocol.RPSPeer, m.Type)
	}
	r := protocol.NewReader(m)
	port := r.Uint16()
	r.Uint8()
	flags := r.Uint8()
	addr := r.Addr(flags&flagIPv6 != 0)
	hostkey := r.Rest()
	if r.Err != nil {
		return Peer{}, oops.Wrapf(r.Err, "parse %s", m.Type)
	}
	return Peer{Address: binding.New(addr, port), Hostkey: hostkey}, nil
}
