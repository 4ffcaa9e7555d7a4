package tunnel

import (
	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
)

// Requester identifies the local client that asked for a circuit.
type Requester uint64

// InternalRequester marks circuits built by in-process users such as the
// marco/polo demo. API clients are numbered from 1.
const InternalRequester Requester = 0

// Auth is the asynchronous crypto module. Every request with a request id is
// answered later through the engine's OnSessionHS1, OnSessionHS2,
// OnEncrypted, OnDecrypted or OnAuthError methods. Implementations must not
// answer synchronously from inside the call.
type Auth interface {
	StartSession(requestID uint32, hostkey []byte)
	IncomingHS1(requestID uint32, handshake []byte)
	IncomingHS2(requestID uint32, sessionID uint16, handshake []byte)
	Encrypt(requestID uint32, sessionID uint16, payload []byte)
	Decrypt(requestID uint32, sessionID uint16, payload []byte)
	LayerEncrypt(requestID uint32, sessionIDs []uint16, payload []byte)
	LayerDecrypt(requestID uint32, sessionIDs []uint16, payload []byte)
	EndSession(sessionID uint16)
}

// PeerSampler hands out random peers. Samples arrive through the engine's
// PeersArrived method.
type PeerSampler interface {
	// RequestPeers returns the id of the sample, negative if the request
	// was refused.
	RequestPeers(n int) int
}

// Events receives tunnel notifications for local clients. Methods are called
// on the engine goroutine and must return quickly.
type Events interface {
	TunnelReady(requester Requester, tunnelID uint32, hostkey []byte)
	TunnelIncoming(tunnelID uint32)
	TunnelData(tunnelID uint32, data []byte)
	TunnelError(tunnelID uint32, lastMessage protocol.MessageType)
}

// MultiEvents fans every notification out to each member in order.
type MultiEvents []Events

func (m MultiEvents) TunnelReady(requester Requester, tunnelID uint32, hostkey []byte) {
	for _, e := range m {
		e.TunnelReady(requester, tunnelID, hostkey)
	}
}

func (m MultiEvents) TunnelIncoming(tunnelID uint32) {
	for _, e := range m {
		e.TunnelIncoming(tunnelID)
	}
}

func (m MultiEvents) TunnelData(tunnelID uint32, data []byte) {
	for _, e := range m {
		e.TunnelData(tunnelID, data)
	}
}

func (m MultiEvents) TunnelError(tunnelID uint32, lastMessage protocol.MessageType) {
	for _, e := range m {
		e.TunnelError(tunnelID, lastMessage)
	}
}

// DisconnectFunc is the policy hook for peers that send malformed or
// unroutable datagrams.
type DisconnectFunc func(peer binding.Binding, reason string)
