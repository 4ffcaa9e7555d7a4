package rps

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// DefaultPollInterval is how often a query is sent while samples are pending.
const DefaultPollInterval = 500 * time.Millisecond

// PeerSource asks the sampling module for one more peer. The answer arrives
// later through Sampler.OnPeer.
type PeerSource interface {
	Query() error
}

type pendingSample struct {
	id    int
	want  int
	peers []Peer
}

// Sampler aggregates single peers into samples.
//
// Design decisions:
// - Samples are filled strictly in request order
// - Queries are paced by a ticker, never sent from RequestPeers itself
// - The handler is called without the lock held
type Sampler struct {
	mu      sync.Mutex
	source  PeerSource
	handler Handler
	pending []*pendingSample
	nextID  int
	poll    time.Duration
}

// NewSampler returns a sampler querying src every poll interval while samples
// are pending.
func NewSampler(src PeerSource, poll time.Duration) *Sampler {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Sampler{source: src, poll: poll}
}

// SetHandler sets the receiver of completed samples.
func (s *Sampler) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// RequestPeers registers a request for n peers and returns its sample id,
// or -1 if n is not positive.
func (s *Sampler) RequestPeers(n int) int {
	if n <= 0 {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.pending = append(s.pending, &pendingSample{id: id, want: n})
	log.WithFields(logger.Fields{
		"at":        "Sampler.RequestPeers",
		"sample_id": id,
		"requested": n,
	}).Debug("peer sample requested")
	return id
}

// OnPeer adds a peer to the oldest pending sample.
func (s *Sampler) OnPeer(p Peer) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		log.WithField("peer", p.Address.String()).Debug("peer arrived without pending sample")
		return
	}
	head := s.pending[0]
	head.peers = append(head.peers, p)
	if len(head.peers) < head.want {
		s.mu.Unlock()
		return
	}
	s.pending = s.pending[1:]
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h.PeersArrived(head.id, head.peers)
	}
}

// Pending returns the number of incomplete samples.
func (s *Sampler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run queries the source while samples are pending, until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Pending() == 0 {
				continue
			}
			if err := s.source.Query(); err != nil {
				log.WithError(err).Debug("peer query failed")
			}
		}
	}
}
