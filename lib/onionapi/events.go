package onionapi

import (
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/go-onion/lib/tunnel"
	"github.com/go-i2p/logger"
)

var _ tunnel.Events = (*Server)(nil)

// TunnelReady reports a built tunnel to the client that asked for it. A
// tunnel whose client has gone away is destroyed again.
func (s *Server) TunnelReady(requester tunnel.Requester, tunnelID uint32, hostkey []byte) {
	s.mu.Lock()
	s.owners[tunnelID] = requester
	c := s.clients[requester]
	if c == nil && requester != tunnel.InternalRequester {
		delete(s.owners, tunnelID)
	}
	engine := s.engine
	s.mu.Unlock()

	if requester == tunnel.InternalRequester {
		return
	}
	if c == nil {
		log.WithFields(logger.Fields{
			"at":       "onionapi.Server.TunnelReady",
			"client":   uint64(requester),
			"tunnelID": tunnelID,
			"reason":   "requester_gone",
		}).Info("destroying_orphaned_tunnel")
		// we are on the engine goroutine, which must not wait for itself
		go engine.DestroyTunnel(tunnelID)
		return
	}
	s.deliver(c, TunnelReadyMessage(tunnelID, hostkey))
}

// TunnelIncoming announces a tunnel ending here to every client.
func (s *Server) TunnelIncoming(tunnelID uint32) {
	s.broadcast(TunnelIncomingMessage(tunnelID))
}

// TunnelData forwards data to the owner of the tunnel, or to every client
// for tunnels ending here.
func (s *Server) TunnelData(tunnelID uint32, data []byte) {
	s.mu.RLock()
	owner, owned := s.owners[tunnelID]
	c := s.clients[owner]
	s.mu.RUnlock()

	m := TunnelDataMessage(tunnelID, data)
	if !owned {
		s.broadcast(m)
		return
	}
	if c != nil {
		s.deliver(c, m)
	}
}

// TunnelError reports a failed tunnel to every client and forgets its
// owner.
func (s *Server) TunnelError(tunnelID uint32, lastMessage protocol.MessageType) {
	s.mu.Lock()
	delete(s.owners, tunnelID)
	s.mu.Unlock()
	s.broadcast(ErrorMessage(lastMessage, tunnelID))
}

func (s *Server) broadcast(m *protocol.Message) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		s.deliver(c, m)
	}
}
