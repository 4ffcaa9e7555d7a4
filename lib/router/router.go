package router

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/go-onion/lib/instrument"
	"github.com/go-i2p/go-onion/lib/marcopolo"
	"github.com/go-i2p/go-onion/lib/onionapi"
	"github.com/go-i2p/go-onion/lib/onionauth"
	"github.com/go-i2p/go-onion/lib/rps"
	"github.com/go-i2p/go-onion/lib/transport"
	"github.com/go-i2p/go-onion/lib/tunnel"
	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Options are the command line switches that change how the router is wired.
type Options struct {
	// MockPeers replaces the RPS module with a fixed peer list.
	MockPeers []binding.Binding
	// MockAuth replaces the auth module with onionauth.Mock.
	MockAuth bool
	// Marco is the peer the demo sends MARCO to, zero to disable.
	Marco binding.Binding
	// Polo answers MARCO messages.
	Polo bool
}

type authModule interface {
	tunnel.Auth
	SetHandler(h onionauth.Handler)
}

type samplerModule interface {
	tunnel.PeerSampler
	SetHandler(h rps.Handler)
}

// Router owns every component of a running onion module.
type Router struct {
	cfg     *config.Config
	opts    Options
	hostkey []byte

	conn    *transport.UDPConn
	engine  *tunnel.Engine
	api     *onionapi.Server
	metrics *instrument.Server
	demo    *marcopolo.MarcoPolo
	auth    authModule
	sampler samplerModule

	// background loops next to the engine: module clients, sampler, demo
	loops []func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   bool
	runMux    sync.RWMutex
	closeChnl chan struct{}
	closeOnce sync.Once
}

// New validates cfg and loads the host key. Nothing is bound until Start.
func New(cfg *config.Config, opts Options) (*Router, error) {
	if cfg == nil {
		return nil, oops.Errorf("router needs a configuration")
	}
	if err := config.Validate(*cfg); err != nil {
		return nil, oops.Wrapf(err, "invalid configuration")
	}
	if opts.MockAuth || len(opts.MockPeers) > 0 {
		log.WithFields(logger.Fields{
			"at":         "router.New",
			"mock_auth":  opts.MockAuth,
			"mock_peers": len(opts.MockPeers),
		}).Warn("using mocked modules")
	}

	r := &Router{
		cfg:       cfg,
		opts:      opts,
		closeChnl: make(chan struct{}),
	}

	// A missing key is not fatal: the key is only checked, never sent.
	hostkey, err := LoadHostkey(cfg.Onion.HostkeyPath)
	if err != nil {
		log.WithError(err).WithField("hostkey", cfg.Onion.HostkeyPath).Warn("cannot load hostkey")
	} else {
		r.hostkey = hostkey
		log.WithFields(logger.Fields{
			"hostkey": cfg.Onion.HostkeyPath,
			"size":    len(hostkey),
		}).Debug("hostkey loaded")
	}
	return r, nil
}

// Hostkey returns the loaded host key, nil if none could be read.
func (r *Router) Hostkey() []byte {
	return r.hostkey
}

// Start binds the sockets and starts every component.
func (r *Router) Start() error {
	r.runMux.Lock()
	defer r.runMux.Unlock()

	if r.running {
		log.WithFields(logger.Fields{
			"at":     "(Router) Start",
			"reason": "router is already running",
		}).Error("Error Starting router")
		return oops.Errorf("router already running")
	}
	select {
	case <-r.closeChnl:
		return oops.Errorf("router was stopped")
	default:
	}

	if err := r.setup(); err != nil {
		return err
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.launch()

	log.WithFields(logger.Fields{
		"at":     "(Router) Start",
		"p2p":    r.conn.LocalBinding().String(),
		"api":    r.api.Addr().String(),
		"hops":   r.cfg.Tunnel.Hops,
		"digest": r.cfg.Tunnel.Digest,
	}).Info("onion router running")
	return nil
}

func (r *Router) setup() error {
	listen, err := binding.Parse(r.cfg.Onion.ListenAddress, config.DefaultP2PPort)
	if err != nil {
		return oops.Wrapf(err, "p2p listen address")
	}
	conn, err := transport.ListenUDP(listen)
	if err != nil {
		return err
	}

	r.loops = nil
	if r.auth, err = r.newAuth(); err != nil {
		conn.Close()
		return err
	}
	if r.sampler, err = r.newSampler(); err != nil {
		conn.Close()
		return err
	}

	api, err := onionapi.NewServer(&onionapi.ServerConfig{
		ListenAddr:  r.cfg.Onion.APIAddress,
		MaxClients:  r.cfg.API.MaxClients,
		ReadTimeout: r.cfg.API.ReadTimeout,
		QueueSize:   onionapi.DefaultQueueSize,
	})
	if err != nil {
		conn.Close()
		return err
	}

	events := tunnel.MultiEvents{api}
	var demo *marcopolo.MarcoPolo
	if r.opts.Marco.IsValid() || r.opts.Polo {
		demo = marcopolo.New(marcopolo.Config{Marco: r.opts.Marco, Polo: r.opts.Polo}, nil)
		events = append(events, demo)
	}

	engine, err := tunnel.NewEngine(r.cfg.Tunnel, conn, r.auth, r.sampler, events)
	if err != nil {
		conn.Close()
		return err
	}
	r.auth.SetHandler(engine)
	r.sampler.SetHandler(engine)
	api.SetEngine(engine)
	if demo != nil {
		demo.SetEngine(engine)
		r.loops = append(r.loops, func(ctx context.Context) {
			if err := demo.Run(ctx); err != nil {
				log.WithError(err).Warn("marco polo stopped")
			}
		})
	}

	var metrics *instrument.Server
	if addr := r.cfg.Onion.MetricsAddress; addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(instrument.NewCollector(engine, api.Clients))
		if metrics, err = instrument.Listen(addr, reg); err != nil {
			conn.Close()
			return err
		}
		r.loops = append(r.loops, metrics.Run)
	}

	if err := api.Start(); err != nil {
		if metrics != nil {
			metrics.Close()
		}
		conn.Close()
		return err
	}

	r.conn = conn
	r.engine = engine
	r.api = api
	r.metrics = metrics
	r.demo = demo
	return nil
}

func (r *Router) newAuth() (authModule, error) {
	if r.opts.MockAuth {
		mock := onionauth.NewMock()
		r.loops = append(r.loops, closeOnDone(mock))
		return mock, nil
	}
	addr, err := binding.Parse(r.cfg.Auth.APIAddress, config.DefaultAuthPort)
	if err != nil {
		return nil, oops.Wrapf(err, "auth module address")
	}
	client := onionauth.NewClient(addr, r.cfg.Auth.ReconnectInterval)
	r.loops = append(r.loops, client.Run)
	return client, nil
}

func (r *Router) newSampler() (samplerModule, error) {
	if len(r.opts.MockPeers) > 0 {
		mock := rps.NewMockSampler(r.opts.MockPeers)
		r.loops = append(r.loops, closeOnDone(mock))
		return mock, nil
	}
	addr, err := binding.Parse(r.cfg.RPS.APIAddress, config.DefaultRPSPort)
	if err != nil {
		return nil, oops.Wrapf(err, "rps module address")
	}
	var sampler *rps.Sampler
	client := rps.NewClient(addr, r.cfg.RPS.ReconnectInterval, func(p rps.Peer) {
		sampler.OnPeer(p)
	})
	sampler = rps.NewSampler(client, rps.DefaultPollInterval)
	r.loops = append(r.loops, client.Run, sampler.Run)
	return sampler, nil
}

// closeOnDone is a loop that closes c when the router stops.
func closeOnDone(c io.Closer) func(context.Context) {
	return func(ctx context.Context) {
		<-ctx.Done()
		if err := c.Close(); err != nil {
			log.WithError(err).Debug("closing mocked module")
		}
	}
}

func (r *Router) launch() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.engine.Run(r.ctx); err != nil {
			log.WithError(err).Error("tunnel engine failed")
		}
		// the engine only returns early on failure
		if r.ctx.Err() == nil {
			r.Stop()
		}
	}()

	for _, loop := range r.loops {
		r.wg.Add(1)
		go func(run func(context.Context)) {
			defer r.wg.Done()
			run(r.ctx)
		}(loop)
	}
}

// Wait blocks until the router is stopped and every component has exited.
func (r *Router) Wait() {
	log.Debug("Waiting for router to stop")
	<-r.closeChnl
	r.wg.Wait()
	log.Debug("Router has stopped")
}

// Stop starts stopping every component. It does not wait, see Wait.
func (r *Router) Stop() {
	log.Debug("Stopping router")
	r.runMux.Lock()
	defer r.runMux.Unlock()

	if !r.running {
		log.Debug("Router already stopped")
		r.closeOnce.Do(func() { close(r.closeChnl) })
		return
	}
	r.running = false

	if err := r.api.Stop(); err != nil {
		log.WithError(err).Warn("Error stopping onion API server")
	}
	r.cancel()
	r.closeOnce.Do(func() { close(r.closeChnl) })
}

// Close stops the router and waits for it. The router cannot be restarted.
func (r *Router) Close() error {
	r.Stop()
	r.Wait()
	return nil
}

// IsRunning reports whether Start succeeded and Stop was not called yet.
func (r *Router) IsRunning() bool {
	r.runMux.RLock()
	defer r.runMux.RUnlock()
	return r.running
}

// P2PAddr returns the bound UDP endpoint, the zero binding before Start.
func (r *Router) P2PAddr() binding.Binding {
	r.runMux.RLock()
	defer r.runMux.RUnlock()
	if r.conn == nil {
		return binding.Binding{}
	}
	return r.conn.LocalBinding()
}

// APIAddr returns the onion API listener address, nil before Start.
func (r *Router) APIAddr() net.Addr {
	r.runMux.RLock()
	defer r.runMux.RUnlock()
	if r.api == nil {
		return nil
	}
	return r.api.Addr()
}

// MetricsAddr returns the Prometheus endpoint address, nil when disabled.
func (r *Router) MetricsAddr() net.Addr {
	r.runMux.RLock()
	defer r.runMux.RUnlock()
	if r.metrics == nil {
		return nil
	}
	return r.metrics.Addr()
}

// Stats returns the engine bookkeeping snapshot.
func (r *Router) Stats() (tunnel.Stats, error) {
	r.runMux.RLock()
	engine := r.engine
	r.runMux.RUnlock()
	if engine == nil {
		return tunnel.Stats{}, tunnel.ErrEngineStopped
	}
	return engine.Stats()
}

// LogStats writes the engine and API state at Info level. It is the SIGHUP
// action of the onion binary.
func (r *Router) LogStats() {
	stats, err := r.Stats()
	if err != nil {
		log.WithError(err).Warn("no engine statistics")
		return
	}
	clients := 0
	if r.api != nil {
		clients = r.api.Clients()
	}
	log.WithFields(logger.Fields{
		"at":                 "(Router) LogStats",
		"circuits":           stats.Circuits,
		"ready_circuits":     stats.ReadyCircuits,
		"tunnels":            stats.Tunnels,
		"sessions":           stats.Sessions,
		"tunnel_ids":         stats.TunnelIDs,
		"pending_samples":    stats.PendingSamples,
		"pending_handshakes": stats.PendingHandshakes,
		"pending_auth":       stats.PendingAuth,
		"scheduled_tasks":    stats.ScheduledTasks,
		"banned_sources":     stats.Limiter.BannedSources,
		"api_clients":        clients,
	}).Info("onion router statistics")
}
