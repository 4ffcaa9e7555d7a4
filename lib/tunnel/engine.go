package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/go-onion/lib/rps"
	"github.com/go-i2p/go-onion/lib/transport"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

const (
	// inboxSize bounds calls queued for the engine goroutine.
	inboxSize = 4096
	// packetQueueSize bounds datagrams read ahead of the engine goroutine.
	packetQueueSize = 1024
)

// ErrEngineStopped is returned by calls made after Run has returned.
var ErrEngineStopped = errors.New("tunnel engine stopped")

// Engine originates circuits, relays tunnels and answers as a destination.
//
// Design decisions:
// - One goroutine (Run) owns every map; other goroutines post closures to it
// - Auth and sampler answers are correlated by ids the engine allocates
// - Protocol errors are logged and the datagram dropped, never returned
// - Timers are tasks on a min-heap drained by the same goroutine
type Engine struct {
	cfg     config.TunnelDefaults
	conn    transport.PacketConn
	auth    Auth
	sampler PeerSampler
	events  Events
	digest  cell.Digester
	limiter *SourceLimiter

	disconnect DisconnectFunc

	ids      *TunnelIDMapper
	sessions *SessionKeystore

	// circuits is keyed by the tunnel id of the first hop, circuitKeys maps
	// the client-facing tunnel id (last hop) to that key.
	circuits    map[uint32]*CircuitState
	circuitKeys map[uint32]uint32

	// relay tunnels by the tunnel id of their previous and next hop
	tunnelsByPrev map[uint32]*TunnelState
	tunnelsByNext map[uint32]*TunnelState

	pendingSamples    map[int]*peerSample
	pendingHandshakes map[uint32]*circuitHandshakes
	// incomingTunnels maps IncomingHS1 request ids to the tunnel id of the
	// BUILD sender.
	incomingTunnels map[uint32]uint32
	// pendingExtensions maps the tunnel id of a BUILD we sent on behalf of
	// RELAY_EXTEND to the tunnel id of the requesting previous hop.
	pendingExtensions map[uint32]uint32

	encryptQueue    map[uint32]*authRequest
	decryptQueue    map[uint32]*authRequest
	nextAuthRequest uint32

	sched scheduler
	now   func() time.Time

	inbox    chan func()
	done     chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once
}

// NewEngine creates an engine sending on conn. Auth and sampler answers must
// be routed back to the engine's handler methods, see SetHandler on the
// onionauth and rps implementations.
func NewEngine(cfg config.TunnelDefaults, conn transport.PacketConn, auth Auth, sampler PeerSampler, events Events) (*Engine, error) {
	if conn == nil || auth == nil || sampler == nil || events == nil {
		return nil, oops.Errorf("engine needs a connection, auth module, peer sampler and event sink")
	}
	if cfg.Hops < 1 {
		return nil, oops.Errorf("hop count must be at least 1, got %d", cfg.Hops)
	}
	cfg = withTunnelDefaults(cfg)
	digest, err := cell.DigesterByName(cfg.Digest)
	if err != nil {
		return nil, oops.Wrapf(err, "engine digest")
	}

	e := &Engine{
		cfg:               cfg,
		conn:              conn,
		auth:              auth,
		sampler:           sampler,
		events:            events,
		digest:            digest,
		limiter:           NewSourceLimiterWithConfig(cfg),
		ids:               NewTunnelIDMapper(),
		sessions:          NewSessionKeystore(),
		circuits:          make(map[uint32]*CircuitState),
		circuitKeys:       make(map[uint32]uint32),
		tunnelsByPrev:     make(map[uint32]*TunnelState),
		tunnelsByNext:     make(map[uint32]*TunnelState),
		pendingSamples:    make(map[int]*peerSample),
		pendingHandshakes: make(map[uint32]*circuitHandshakes),
		incomingTunnels:   make(map[uint32]uint32),
		pendingExtensions: make(map[uint32]uint32),
		encryptQueue:      make(map[uint32]*authRequest),
		decryptQueue:      make(map[uint32]*authRequest),
		nextAuthRequest:   1,
		now:               time.Now,
		inbox:             make(chan func(), inboxSize),
		done:              make(chan struct{}),
	}
	e.disconnect = e.logDisconnect

	log.WithFields(logger.Fields{
		"at":          "NewEngine",
		"local":       conn.LocalBinding().String(),
		"hops":        cfg.Hops,
		"digest":      cfg.Digest,
		"retry":       cfg.BuildRetryInterval,
		"destroyStep": cfg.DestroyStepDelay,
	}).Info("tunnel engine created")
	return e, nil
}

// withTunnelDefaults fills unset durations and limits from config.Defaults.
func withTunnelDefaults(cfg config.TunnelDefaults) config.TunnelDefaults {
	def := config.Defaults().Tunnel
	if cfg.BuildRetryInterval <= 0 {
		log.WithField("default", def.BuildRetryInterval).Info("BuildRetryInterval was zero, using default")
		cfg.BuildRetryInterval = def.BuildRetryInterval
	}
	if cfg.DestroyStepDelay <= 0 {
		cfg.DestroyStepDelay = def.DestroyStepDelay
	}
	if cfg.CoverMinWait <= 0 {
		cfg.CoverMinWait = def.CoverMinWait
	}
	if cfg.CoverMaxWait < cfg.CoverMinWait {
		cfg.CoverMaxWait = cfg.CoverMinWait
	}
	if cfg.MaxBuildRequestsPerMinute <= 0 {
		cfg.MaxBuildRequestsPerMinute = def.MaxBuildRequestsPerMinute
	}
	if cfg.BuildRequestBurstSize <= 0 {
		cfg.BuildRequestBurstSize = def.BuildRequestBurstSize
	}
	if cfg.SourceBanDuration <= 0 {
		cfg.SourceBanDuration = def.SourceBanDuration
	}
	return cfg
}

// SetDisconnectPolicy replaces the hook called for misbehaving peers. It
// must be called before Run.
func (e *Engine) SetDisconnectPolicy(fn DisconnectFunc) {
	if fn == nil {
		fn = e.logDisconnect
	}
	e.disconnect = fn
}

func (e *Engine) logDisconnect(peer binding.Binding, reason string) {
	log.WithFields(logger.Fields{
		"at":     "Engine.disconnect",
		"peer":   peer.String(),
		"reason": reason,
	}).Debug("peer marked for disconnect")
}

// LocalBinding returns the address peers reach this engine at.
func (e *Engine) LocalBinding() binding.Binding {
	return e.conn.LocalBinding()
}

type packet struct {
	data []byte
	from binding.Binding
}

// Run processes datagrams, module answers, API calls and timers until ctx
// is done. It closes the connection on return. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return oops.Errorf("engine already running")
	}

	packets := make(chan packet, packetQueueSize)
	readCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.readLoop(readCtx, packets)
	}()
	defer func() {
		cancel()
		e.conn.Close()
		wg.Wait()
		e.stopOnce.Do(func() { close(e.done) })
		log.WithField("at", "Engine.Run").Info("tunnel engine stopped")
	}()

	log.WithFields(logger.Fields{
		"at":    "Engine.Run",
		"local": e.conn.LocalBinding().String(),
	}).Info("tunnel engine running")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		e.runDueTasks()

		var fire <-chan time.Time
		if at, ok := e.sched.next(); ok {
			timer.Reset(at.Sub(e.now()))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case p := <-packets:
			e.handleDatagram(p.data, p.from)
		case fn := <-e.inbox:
			fn()
		case <-fire:
		}
		timer.Stop()
	}
}

func (e *Engine) readLoop(ctx context.Context, packets chan<- packet) {
	// one spare byte detects oversized datagrams
	buf := make([]byte, cell.Length+1)
	for {
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("datagram read failed")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case packets <- packet{data: data, from: from}:
		case <-ctx.Done():
			return
		}
	}
}

// post runs fn on the engine goroutine. It reports false once the engine
// has stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.inbox <- fn:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) runDueTasks() {
	for {
		t := e.sched.popDue(e.now())
		if t == nil {
			return
		}
		e.runTask(t)
	}
}

func (e *Engine) runTask(t *task) {
	switch t.kind {
	case taskRetryBuild:
		if c := e.circuits[t.tunnelID]; c != nil && c.retry == t {
			c.retry = nil
			log.WithFields(logger.Fields{
				"at":      "Engine.runTask",
				"phase":   "circuit_build",
				"circuit": e.ids.Describe(t.tunnelID),
			}).Debug("build timed out, retrying")
			e.continueBuilding(t.tunnelID, true)
		}
	case taskSendDestroy:
		e.sendDestroy(t.hops)
	case taskCleanCircuit:
		e.cleanCircuit(t.tunnelID)
	case taskSendCover:
		e.sendCover(t.tunnelID)
	}
}

// BuildTunnel starts a circuit to dest. The result is reported through
// Events.TunnelReady to requester, or Events.TunnelError.
func (e *Engine) BuildTunnel(dest binding.Binding, hostkey []byte, requester Requester) {
	hk := append([]byte(nil), hostkey...)
	e.post(func() { e.buildTunnel(dest, hk, requester) })
}

// CoverTunnel builds a circuit to a random peer and streams size bytes of
// cover traffic through it.
func (e *Engine) CoverTunnel(size int) {
	e.post(func() { e.coverTunnel(size) })
}

// DestroyTunnel tears down the circuit or relay tunnel with tunnelID.
// Unknown ids are ignored.
func (e *Engine) DestroyTunnel(tunnelID uint32) {
	e.post(func() { e.destroyTunnel(tunnelID) })
}

// SendData sends data through the circuit or back along the relay tunnel
// with tunnelID. It returns false for unknown or unready tunnels and data
// larger than cell.MaxRelayDataLength.
func (e *Engine) SendData(tunnelID uint32, data []byte) bool {
	if len(data) > cell.MaxRelayDataLength {
		return false
	}
	buf := append([]byte(nil), data...)
	reply := make(chan bool, 1)
	if !e.post(func() { reply <- e.sendData(tunnelID, buf) }) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-e.done:
		return false
	}
}

// Stats is a snapshot of engine bookkeeping.
type Stats struct {
	Circuits          int
	ReadyCircuits     int
	Tunnels           int
	Sessions          int
	TunnelIDs         int
	PendingSamples    int
	PendingHandshakes int
	PendingAuth       int
	ScheduledTasks    int
	Limiter           SourceLimiterStats
}

// Stats returns a snapshot taken on the engine goroutine.
func (e *Engine) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	if !e.post(func() { reply <- e.stats() }) {
		return Stats{}, ErrEngineStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-e.done:
		return Stats{}, ErrEngineStopped
	}
}

func (e *Engine) stats() Stats {
	s := Stats{
		Circuits:          len(e.circuits),
		Tunnels:           len(e.tunnelsByPrev),
		Sessions:          e.sessions.Len(),
		TunnelIDs:         e.ids.Len(),
		PendingSamples:    len(e.pendingSamples),
		PendingHandshakes: len(e.pendingHandshakes),
		PendingAuth:       len(e.encryptQueue) + len(e.decryptQueue) + len(e.incomingTunnels),
		ScheduledTasks:    e.sched.Len(),
		Limiter:           e.limiter.GetStats(),
	}
	for _, c := range e.circuits {
		if c.Ready() {
			s.ReadyCircuits++
		}
	}
	return s
}

// OnSessionHS1 implements onionauth.Handler.
func (e *Engine) OnSessionHS1(requestID uint32, sessionID uint16, handshake []byte) {
	e.post(func() { e.onSessionHS1(requestID, sessionID, handshake) })
}

// OnSessionHS2 implements onionauth.Handler.
func (e *Engine) OnSessionHS2(requestID uint32, sessionID uint16, handshake []byte) {
	e.post(func() { e.onSessionHS2(requestID, sessionID, handshake) })
}

// OnEncrypted implements onionauth.Handler.
func (e *Engine) OnEncrypted(requestID uint32, sessionID uint16, payload []byte) {
	e.post(func() { e.onEncrypted(requestID, payload) })
}

// OnDecrypted implements onionauth.Handler.
func (e *Engine) OnDecrypted(requestID uint32, payload []byte) {
	e.post(func() { e.onDecrypted(requestID, payload) })
}

// OnAuthError implements onionauth.Handler.
func (e *Engine) OnAuthError(requestID uint32) {
	e.post(func() { e.onAuthError(requestID) })
}

// PeersArrived implements rps.Handler.
func (e *Engine) PeersArrived(sampleID int, peers []rps.Peer) {
	e.post(func() { e.onPeersArrived(sampleID, peers) })
}

func (e *Engine) nextRequestID() uint32 {
	id := e.nextAuthRequest
	e.nextAuthRequest++
	if e.nextAuthRequest == 0 {
		e.nextAuthRequest = 1
	}
	return id
}

// send writes one datagram. Failures are logged; datagrams are unreliable
// anyway.
func (e *Engine) send(data []byte, to binding.Binding) {
	if err := e.conn.WriteTo(data, to); err != nil {
		log.WithFields(logger.Fields{
			"at":     "Engine.send",
			"peer":   to.String(),
			"reason": err.Error(),
		}).Warn("datagram send failed")
	}
}

// sendEncrypted frames an already-encrypted relay payload and sends it.
func (e *Engine) sendEncrypted(circuitID uint16, payload []byte, to binding.Binding) {
	if len(payload) != cell.PayloadLength {
		log.WithFields(logger.Fields{
			"at":       "Engine.sendEncrypted",
			"peer":     to.String(),
			"reason":   "payload_size",
			"size":     len(payload),
			"expected": cell.PayloadLength,
		}).Warn("dropping relay payload of wrong size")
		return
	}
	e.send(cell.ComposeEncrypted(circuitID, payload), to)
}
