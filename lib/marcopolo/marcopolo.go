// Package marcopolo is a demo client living inside the onion process. The
// marco side builds a tunnel to a configured peer and keeps sending "MARCO"
// through it; the polo side answers every "MARCO" with "POLO".
package marcopolo

import (
	"bytes"
	"context"
	"time"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/go-onion/lib/tunnel"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var (
	marcoMsg = []byte("MARCO")
	poloMsg  = []byte("POLO")
	// marcoHostkey stands in for the destination hostkey, which the demo
	// does not know.
	marcoHostkey = []byte("MARCO->POLO")
)

const (
	DefaultStartDelay = 5 * time.Second
	DefaultRounds     = 100
	eventQueueSize    = 256
)

// Engine is what the demo needs from the tunnel engine.
type Engine interface {
	BuildTunnel(dest binding.Binding, hostkey []byte, requester tunnel.Requester)
	DestroyTunnel(tunnelID uint32)
	SendData(tunnelID uint32, data []byte) bool
}

// Config selects the demo roles.
type Config struct {
	// Marco is the peer to build a tunnel to. The zero value disables marco.
	Marco binding.Binding
	// Polo answers MARCO with POLO on any tunnel.
	Polo bool
	// StartDelay is the wait before the tunnel is built.
	StartDelay time.Duration
	// Rounds is the number of POLOs after which the tunnel is destroyed.
	Rounds int
}

type eventKind uint8

const (
	eventReady eventKind = iota
	eventData
	eventError
)

type event struct {
	kind      eventKind
	requester tunnel.Requester
	tunnelID  uint32
	data      []byte
}

// MarcoPolo implements tunnel.Events. Events are queued and handled by Run,
// so the engine is never called back from its own goroutine.
type MarcoPolo struct {
	cfg    Config
	engine Engine
	events chan event

	tunnelID uint32
	polos    int
}

var _ tunnel.Events = (*MarcoPolo)(nil)

// New returns a demo client driving engine. The engine may be nil and set
// later with SetEngine, before Run.
func New(cfg Config, engine Engine) *MarcoPolo {
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = DefaultStartDelay
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = DefaultRounds
	}
	return &MarcoPolo{cfg: cfg, engine: engine, events: make(chan event, eventQueueSize)}
}

// SetEngine sets the engine driven by Run. The engine usually takes the demo
// as one of its event sinks, so it is created after the demo.
func (m *MarcoPolo) SetEngine(engine Engine) {
	m.engine = engine
}

// Enabled reports whether either role is configured.
func (m *MarcoPolo) Enabled() bool {
	return m.cfg.Marco.IsValid() || m.cfg.Polo
}

// Run plays the configured roles until ctx is done.
func (m *MarcoPolo) Run(ctx context.Context) error {
	if m.engine == nil {
		return oops.Errorf("marco polo has no engine")
	}
	var start <-chan time.Time
	if m.cfg.Marco.IsValid() {
		timer := time.NewTimer(m.cfg.StartDelay)
		defer timer.Stop()
		start = timer.C
	}
	log.WithFields(logger.Fields{
		"at":    "MarcoPolo.Run",
		"marco": m.cfg.Marco.String(),
		"polo":  m.cfg.Polo,
	}).Info("marco polo started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-start:
			start = nil
			log.WithField("peer", m.cfg.Marco.String()).Info("marco building tunnel")
			m.engine.BuildTunnel(m.cfg.Marco, marcoHostkey, tunnel.InternalRequester)
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *MarcoPolo) handle(ev event) {
	switch ev.kind {
	case eventReady:
		if ev.requester != tunnel.InternalRequester || !m.cfg.Marco.IsValid() || m.tunnelID != 0 {
			return
		}
		m.tunnelID = ev.tunnelID
		m.polos = 0
		log.WithFields(logger.Fields{
			"at":      "MarcoPolo.handle",
			"tunnel":  ev.tunnelID,
			"hostkey": string(ev.data),
		}).Info("marco -> polo tunnel ready")
		m.marco()

	case eventData:
		switch {
		case bytes.Equal(ev.data, marcoMsg):
			log.WithField("tunnel", ev.tunnelID).Debug("marco")
			if m.cfg.Polo && !m.engine.SendData(ev.tunnelID, poloMsg) {
				log.WithField("tunnel", ev.tunnelID).Warn("cannot answer polo")
			}
		case bytes.Equal(ev.data, poloMsg):
			if ev.tunnelID != m.tunnelID || m.tunnelID == 0 {
				return
			}
			m.polos++
			log.WithFields(logger.Fields{
				"tunnel": ev.tunnelID,
				"polos":  m.polos,
			}).Debug("polo")
			if m.polos >= m.cfg.Rounds {
				log.WithField("polos", m.polos).Info("tearing tunnel down")
				m.engine.DestroyTunnel(m.tunnelID)
				m.tunnelID = 0
				return
			}
			m.marco()
		default:
			log.WithFields(logger.Fields{
				"tunnel": ev.tunnelID,
				"size":   len(ev.data),
			}).Debug("ignoring unrelated tunnel data")
		}

	case eventError:
		if ev.tunnelID == m.tunnelID && m.tunnelID != 0 {
			log.WithField("tunnel", ev.tunnelID).Warn("marco tunnel failed")
			m.tunnelID = 0
		}
	}
}

func (m *MarcoPolo) marco() {
	if !m.engine.SendData(m.tunnelID, marcoMsg) {
		log.WithField("tunnel", m.tunnelID).Warn("cannot send marco")
	}
}

func (m *MarcoPolo) push(ev event) {
	select {
	case m.events <- ev:
	default:
		log.WithField("tunnel", ev.tunnelID).Warn("marco polo event queue full, dropping event")
	}
}

func (m *MarcoPolo) TunnelReady(requester tunnel.Requester, tunnelID uint32, hostkey []byte) {
	m.push(event{kind: eventReady, requester: requester, tunnelID: tunnelID, data: hostkey})
}

func (m *MarcoPolo) TunnelIncoming(tunnelID uint32) {
	log.WithField("tunnel", tunnelID).Debug("incoming tunnel")
}

func (m *MarcoPolo) TunnelData(tunnelID uint32, data []byte) {
	m.push(event{kind: eventData, tunnelID: tunnelID, data: data})
}

func (m *MarcoPolo) TunnelError(tunnelID uint32, lastMessage protocol.MessageType) {
	m.push(event{kind: eventError, tunnelID: tunnelID})
}
