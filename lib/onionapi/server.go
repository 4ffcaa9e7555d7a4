package onionapi

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/go-onion/lib/tunnel"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

var log = logger.GetGoI2PLogger()

const (
	// maxMessagesPerSecond caps what a single client may send. It is high
	// enough for any local module and only stops runaway clients.
	maxMessagesPerSecond = 10000
	// DefaultQueueSize bounds messages waiting to be written to one client.
	DefaultQueueSize = 1024
)

// Engine is the part of the tunnel engine the API drives.
type Engine interface {
	BuildTunnel(dest binding.Binding, hostkey []byte, requester tunnel.Requester)
	CoverTunnel(size int)
	DestroyTunnel(tunnelID uint32)
	SendData(tunnelID uint32, data []byte) bool
}

// ServerConfig holds configuration for the onion API server.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on, e.g. "127.0.0.1:4201".
	ListenAddr string

	// MaxClients bounds concurrent connections.
	MaxClients int

	// ReadTimeout bounds the time between a message header and its body.
	ReadTimeout time.Duration

	// QueueSize bounds messages waiting to be written to one client. A
	// client that falls this far behind is disconnected.
	QueueSize int
}

// DefaultServerConfig returns a ServerConfig from the built-in defaults.
func DefaultServerConfig() *ServerConfig {
	def := config.Defaults()
	return &ServerConfig{
		ListenAddr:  def.Onion.APIAddress,
		MaxClients:  def.API.MaxClients,
		ReadTimeout: def.API.ReadTimeout,
		QueueSize:   DefaultQueueSize,
	}
}

// Server accepts API clients, turns their requests into engine calls and
// reports engine events back to them. It implements tunnel.Events.
//
// Design decisions:
// - Each connection is a tunnel.Requester; ids start at 1 since 0 is internal
// - Event methods run on the engine goroutine and never block: messages are
// queued per client and a client whose queue is full is disconnected
// - Tunnels built by a client are destroyed when it disconnects
type Server struct {
	config *ServerConfig
	engine Engine

	listener net.Listener

	mu         sync.RWMutex
	running    bool
	clients    map[tunnel.Requester]*client
	owners     map[uint32]tunnel.Requester
	nextClient tunnel.Requester

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates an API server. SetEngine must be called before Start.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.MaxClients <= 0 {
		return nil, oops.Errorf("max clients must be positive, got %d", cfg.MaxClients)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	log.WithFields(logger.Fields{
		"at":         "onionapi.NewServer",
		"listenAddr": cfg.ListenAddr,
		"maxClients": cfg.MaxClients,
	}).Info("creating_onion_api_server")

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     cfg,
		clients:    make(map[tunnel.Requester]*client),
		owners:     make(map[uint32]tunnel.Requester),
		nextClient: 1,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetEngine sets the engine requests are forwarded to.
func (s *Server) SetEngine(e Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

// Start begins listening for API connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return oops.Errorf("server already running")
	}
	if s.engine == nil {
		s.mu.Unlock()
		return oops.Errorf("server has no engine")
	}
	s.running = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return oops.Wrapf(err, "failed to listen on %s", s.config.ListenAddr)
	}
	s.listener = listener

	log.WithFields(logger.Fields{
		"at":      "onionapi.Server.Start",
		"address": listener.Addr().String(),
	}).Info("onion_api_server_started")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every client connection and waits for the
// connection goroutines to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.WithError(err).Warn("error_closing_listener")
		}
	}
	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()

	log.WithField("at", "onionapi.Server.Stop").Info("onion_api_server_stopped")
	return nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.handleAcceptError(err) {
				return
			}
			continue
		}

		log.WithFields(logger.Fields{
			"at":         "onionapi.Server.acceptLoop",
			"remoteAddr": conn.RemoteAddr().String(),
		}).Info("new_api_connection")

		c := s.register(conn)
		if c == nil {
			continue
		}
		s.wg.Add(2)
		go s.writeLoop(c)
		go s.handleConnection(c)
	}
}

// handleAcceptError reports whether the accept loop should terminate.
func (s *Server) handleAcceptError(err error) bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		log.WithError(err).Error("failed_to_accept_connection")
		// avoid spinning on persistent errors such as EMFILE
		time.Sleep(50 * time.Millisecond)
		return false
	}
}

// register adds a client for conn, or closes conn if the server is full.
func (s *Server) register(conn net.Conn) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.config.MaxClients {
		log.WithFields(logger.Fields{
			"at":         "onionapi.Server.register",
			"clients":    len(s.clients),
			"maxClients": s.config.MaxClients,
			"remoteAddr": conn.RemoteAddr().String(),
		}).Warn("max_clients_reached_rejecting_connection")
		conn.Close()
		return nil
	}
	c := newClient(s.nextClient, conn, s.config.QueueSize)
	s.nextClient++
	s.clients[c.id] = c
	return c
}

// unregister removes c and destroys the tunnels it built.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	var owned []uint32
	for id, owner := range s.owners {
		if owner == c.id {
			owned = append(owned, id)
			delete(s.owners, id)
		}
	}
	engine := s.engine
	s.mu.Unlock()

	for _, id := range owned {
		engine.DestroyTunnel(id)
	}
	log.WithFields(logger.Fields{
		"at":       "onionapi.Server.unregister",
		"client":   uint64(c.id),
		"released": len(owned),
	}).Info("client_disconnected")
}

func (s *Server) handleConnection(c *client) {
	defer s.wg.Done()
	defer s.unregister(c)
	defer c.close()

	limiter := rate.NewLimiter(rate.Limit(maxMessagesPerSecond), maxMessagesPerSecond)
	for {
		msg, err := protocol.ReadMessageTimeout(c.conn, s.config.ReadTimeout)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.WithFields(logger.Fields{
					"at":         "onionapi.Server.handleConnection",
					"client":     uint64(c.id),
					"remoteAddr": c.conn.RemoteAddr().String(),
					"error":      err.Error(),
				}).Debug("connection_closed")
			}
			return
		}
		if !limiter.Allow() {
			log.WithFields(logger.Fields{
				"at":     "onionapi.Server.handleConnection",
				"client": uint64(c.id),
				"reason": "rate_limit_exceeded",
			}).Warn("disconnecting_client")
			return
		}
		s.handleMessage(c, msg)
	}
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			if err := protocol.WriteMessage(c.conn, m); err != nil {
				log.WithFields(logger.Fields{
					"at":     "onionapi.Server.writeLoop",
					"client": uint64(c.id),
					"type":   m.Type.String(),
					"error":  err.Error(),
				}).Debug("failed_to_write_message")
				c.close()
				return
			}
		}
	}
}

func (s *Server) handleMessage(c *client, msg *protocol.Message) {
	log.WithFields(logger.Fields{
		"at":       "onionapi.Server.handleMessage",
		"client":   uint64(c.id),
		"msgType":  msg.Type.String(),
		"bodySize": len(msg.Body),
	}).Debug("processing_api_message")

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	switch msg.Type {
	case protocol.OnionTunnelBuild:
		req, err := ParseTunnelBuild(msg)
		if err != nil {
			s.reject(c, msg.Type, 0, err)
			return
		}
		engine.BuildTunnel(req.Destination, req.Hostkey, c.id)

	case protocol.OnionTunnelDestroy:
		id, err := ParseTunnelDestroy(msg)
		if err != nil {
			s.reject(c, msg.Type, 0, err)
			return
		}
		if !s.release(c, id) {
			s.reject(c, msg.Type, id, oops.Errorf("tunnel %d belongs to another client", id))
			return
		}
		engine.DestroyTunnel(id)

	case protocol.OnionTunnelData:
		d, err := ParseTunnelData(msg)
		if err != nil {
			s.reject(c, msg.Type, 0, err)
			return
		}
		if !s.mayUse(c, d.TunnelID) {
			s.reject(c, msg.Type, d.TunnelID, oops.Errorf("tunnel %d belongs to another client", d.TunnelID))
			return
		}
		if !engine.SendData(d.TunnelID, d.Data) {
			s.reject(c, msg.Type, d.TunnelID, oops.Errorf("cannot send %d bytes on tunnel %d", len(d.Data), d.TunnelID))
		}

	case protocol.OnionCover:
		size, err := ParseCover(msg)
		if err != nil {
			s.reject(c, msg.Type, 0, err)
			return
		}
		if size == 0 {
			s.reject(c, msg.Type, 0, oops.Errorf("cover request without size"))
			return
		}
		engine.CoverTunnel(int(size))

	default:
		s.reject(c, msg.Type, 0, oops.Errorf("unsupported message type %s", msg.Type))
	}
}

// reject answers a failed request with ONION_ERROR.
func (s *Server) reject(c *client, t protocol.MessageType, tunnelID uint32, err error) {
	log.WithFields(logger.Fields{
		"at":       "onionapi.Server.reject",
		"client":   uint64(c.id),
		"msgType":  t.String(),
		"tunnelID": tunnelID,
		"reason":   err.Error(),
	}).Debug("request_failed")
	s.deliver(c, ErrorMessage(t, tunnelID))
}

// mayUse reports whether c may send on tunnelID: it built it, or nobody did.
func (s *Server) mayUse(c *client, tunnelID uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[tunnelID]
	return !ok || owner == c.id
}

// release drops the ownership record of tunnelID if c may use it.
func (s *Server) release(c *client, tunnelID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[tunnelID]
	if ok && owner != c.id {
		return false
	}
	delete(s.owners, tunnelID)
	return true
}

// deliver queues m for c, disconnecting c if it cannot keep up.
func (s *Server) deliver(c *client, m *protocol.Message) {
	if c.send(m) {
		return
	}
	select {
	case <-c.done:
	default:
		log.WithFields(logger.Fields{
			"at":      "onionapi.Server.deliver",
			"client":  uint64(c.id),
			"msgType": m.Type.String(),
			"reason":  "queue_full",
		}).Warn("disconnecting_slow_client")
		c.close()
	}
}
