// Package instrument exports tunnel engine statistics to Prometheus.
//
// Values are read from the engine on every scrape, so nothing in the engine
// hot path touches a metric.
package instrument

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-i2p/go-onion/lib/tunnel"
	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

const namespace = "onion"

// StatsSource is scraped for engine statistics.
type StatsSource interface {
	Stats() (tunnel.Stats, error)
}

type gauge struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(tunnel.Stats) float64
}

// Collector is a prometheus.Collector over a StatsSource and, optionally,
// the number of connected API clients.
type Collector struct {
	source  StatsSource
	clients func() int

	gauges      []gauge
	clientsDesc *prometheus.Desc
	upDesc      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

// NewCollector returns a collector for source. clients may be nil.
func NewCollector(source StatsSource, clients func() int) *Collector {
	g := func(name, help string, kind prometheus.ValueType, v func(tunnel.Stats) float64) gauge {
		return gauge{desc: newDesc(name, help), kind: kind, value: v}
	}
	return &Collector{
		source:  source,
		clients: clients,
		gauges: []gauge{
			g("circuits", "Circuits originated by this peer.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.Circuits) }),
			g("ready_circuits", "Originated circuits with every hop created.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.ReadyCircuits) }),
			g("relay_tunnels", "Tunnels relayed or terminated by this peer.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.Tunnels) }),
			g("sessions", "Auth sessions held for tunnel ids.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.Sessions) }),
			g("tunnel_ids", "Allocated tunnel ids. Ids are never recycled.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.TunnelIDs) }),
			g("pending_samples", "Peer samples requested and not yet delivered.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.PendingSamples) }),
			g("pending_handshakes", "Circuit constructions waiting on handshakes.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.PendingHandshakes) }),
			g("pending_auth_requests", "Auth module requests awaiting an answer.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.PendingAuth) }),
			g("scheduled_tasks", "Retries, teardown steps and cover cells scheduled.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.ScheduledTasks) }),
			g("build_sources_tracked", "Peers tracked by BUILD admission.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.Limiter.TrackedSources) }),
			g("build_sources_banned", "Peers currently banned for flooding BUILDs.", prometheus.GaugeValue,
				func(s tunnel.Stats) float64 { return float64(s.Limiter.BannedSources) }),
			g("build_requests_total", "BUILD requests received from peers.", prometheus.CounterValue,
				func(s tunnel.Stats) float64 { return float64(s.Limiter.TotalRequests) }),
			g("build_rejections_total", "BUILD requests refused by admission.", prometheus.CounterValue,
				func(s tunnel.Stats) float64 { return float64(s.Limiter.TotalRejections) }),
		},
		clientsDesc: newDesc("api_clients", "Connected onion API clients."),
		upDesc:      newDesc("engine_up", "1 if the tunnel engine answered the scrape."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
	ch <- c.clientsDesc
	ch <- c.upDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.clients != nil {
		ch <- prometheus.MustNewConstMetric(c.clientsDesc, prometheus.GaugeValue, float64(c.clients()))
	}
	stats, err := c.source.Stats()
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, 1)
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(stats))
	}
}

// Server serves /metrics for one registry.
type Server struct {
	listener net.Listener
	srv      *http.Server
}

// Listen binds addr and prepares a /metrics handler for reg.
func Listen(addr string, reg *prometheus.Registry) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, oops.Wrapf(err, "metrics listener on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{
		listener: l,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close releases the listener of a server that never ran.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.WithField("address", s.listener.Addr().String()).Info("metrics endpoint listening")
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("metrics endpoint failed")
	}
}
