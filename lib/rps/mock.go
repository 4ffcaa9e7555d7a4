package rps

import (
	"fmt"
	"sync"

	"github.com/go-i2p/go-onion/lib/common/binding"
)

// MockSampler serves samples from a fixed binding list. Peer i of a sample
// is peers[i % len(peers)] with hostkey "peerkey_<i>". Samples are delivered
// asynchronously, in request order, once a handler is set. Close stops the
// delivery goroutine.
type MockSampler struct {
	mu        sync.Mutex
	peers     []binding.Binding
	handler   Handler
	nextID    int
	requests  []mockRequest
	wake      chan struct{}
	done      chan struct{}
	exited    chan struct{}
	once      sync.Once
	closeOnce sync.Once
}

type mockRequest struct {
	id, n int
}

// NewMockSampler returns a sampler over peers.
func NewMockSampler(peers []binding.Binding) *MockSampler {
	return &MockSampler{
		peers: append([]binding.Binding(nil), peers...),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// SetHandler sets the receiver of samples and flushes pending requests.
func (m *MockSampler) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	m.notify()
}

// Close stops serving samples.
func (m *MockSampler) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.once.Do(func() { close(m.exited) })
	})
	return nil
}

func (m *MockSampler) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// RequestPeers never blocks; samples are produced on a goroutine started on
// first use.
func (m *MockSampler) RequestPeers(n int) int {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.requests = append(m.requests, mockRequest{id: id, n: n})
	m.mu.Unlock()

	if n > len(m.peers) {
		log.WithField("requested", n).WithField("available", len(m.peers)).
			Debug("mock sampler repeats peers")
	}
	m.once.Do(func() { go m.serve() })
	m.notify()
	return id
}

func (m *MockSampler) serve() {
	defer close(m.exited)
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		m.mu.Lock()
		h := m.handler
		if h == nil {
			pending := len(m.requests)
			m.mu.Unlock()
			log.WithField("pending", pending).Debug("mock sampler: no handler yet, holding requests")
			continue
		}
		reqs := m.requests
		m.requests = nil
		m.mu.Unlock()

		for _, req := range reqs {
			if len(m.peers) == 0 {
				log.Warn("cannot serve mock peers, none configured")
				continue
			}
			out := make([]Peer, req.n)
			for i := range out {
				out[i] = Peer{
					Address: m.peers[i%len(m.peers)],
					Hostkey: []byte(fmt.Sprintf("peerkey_%d", i)),
				}
			}
			h.PeersArrived(req.id, out)
		}
	}
}
