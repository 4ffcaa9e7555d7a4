package onionauth

import (
	"sync"

	"github.com/go-i2p/logger"
)

// Mock is an in-process auth module. Handshakes echo the hostkey, and a
// cipher operation adds (encrypt) or removes (decrypt) one layer by
// incrementing or decrementing byte 1 of the payload, the first digest byte
// of a relay payload. A payload sealed with a zero digest therefore only
// verifies after as many decrypts as it saw encrypts.
//
// Answers are delivered asynchronously, in request order, from a single
// goroutine. Answers wait in the queue until a handler is set. Close stops
// the goroutine.
type Mock struct {
	mu          sync.Mutex
	handler     Handler
	nextSession uint16
	started     map[uint16][]byte
	established map[uint16]bool

	queue     []func(Handler)
	wake      chan struct{}
	done      chan struct{}
	exited    chan struct{}
	once      sync.Once
	closeOnce sync.Once
}

// NewMock returns a mock auth module.
func NewMock() *Mock {
	return &Mock{
		nextSession: 1,
		started:     make(map[uint16][]byte),
		established: make(map[uint16]bool),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

// SetHandler sets the receiver of answers and flushes queued ones to it.
func (m *Mock) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	m.notify()
}

// Close stops delivery. Queued and later answers are dropped.
func (m *Mock) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		// nothing to wait for if delivery never started
		m.once.Do(func() { close(m.exited) })
	})
	return nil
}

func (m *Mock) StartSession(requestID uint32, hostkey []byte) {
	m.mu.Lock()
	id := m.allocSession()
	m.started[id] = hostkey
	m.mu.Unlock()

	hs := append(append([]byte(nil), hostkey...), "_hs1"...)
	m.deliver(func(h Handler) { h.OnSessionHS1(requestID, id, hs) })
}

func (m *Mock) IncomingHS1(requestID uint32, handshake []byte) {
	m.mu.Lock()
	id := m.allocSession()
	m.established[id] = true
	m.mu.Unlock()

	hs := append(append([]byte(nil), handshake...), " -> HS2"...)
	m.deliver(func(h Handler) { h.OnSessionHS2(requestID, id, hs) })
}

func (m *Mock) IncomingHS2(requestID uint32, sessionID uint16, handshake []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.started[sessionID]; !ok {
		log.WithField("session_id", sessionID).Debug("mock auth: HS2 for a session that was never started")
	}
	delete(m.started, sessionID)
	m.established[sessionID] = true
}

func (m *Mock) Encrypt(requestID uint32, sessionID uint16, payload []byte) {
	m.checkEstablished("encrypt", sessionID)
	out := MockEncrypt(payload, 1)
	m.deliver(func(h Handler) { h.OnEncrypted(requestID, sessionID, out) })
}

func (m *Mock) Decrypt(requestID uint32, sessionID uint16, payload []byte) {
	m.checkEstablished("decrypt", sessionID)
	out := MockDecrypt(payload, 1)
	m.deliver(func(h Handler) { h.OnDecrypted(requestID, out) })
}

func (m *Mock) LayerEncrypt(requestID uint32, sessionIDs []uint16, payload []byte) {
	out := MockEncrypt(payload, len(sessionIDs))
	m.deliver(func(h Handler) { h.OnEncrypted(requestID, 0, out) })
}

func (m *Mock) LayerDecrypt(requestID uint32, sessionIDs []uint16, payload []byte) {
	out := MockDecrypt(payload, len(sessionIDs))
	m.deliver(func(h Handler) { h.OnDecrypted(requestID, out) })
}

func (m *Mock) EndSession(sessionID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, started := m.started[sessionID]
	if !started && !m.established[sessionID] {
		log.WithField("session_id", sessionID).Debug("mock auth: closing unknown session")
	}
	delete(m.started, sessionID)
	delete(m.established, sessionID)
}

// Sessions returns the number of open sessions.
func (m *Mock) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started) + len(m.established)
}

func (m *Mock) allocSession() uint16 {
	id := m.nextSession
	m.nextSession++
	if m.nextSession == 0 {
		m.nextSession = 1
	}
	return id
}

func (m *Mock) checkEstablished(op string, sessionID uint16) {
	m.mu.Lock()
	ok := m.established[sessionID]
	m.mu.Unlock()
	if !ok {
		log.WithFields(logger.Fields{
			"at":         "onionauth.Mock",
			"operation":  op,
			"session_id": sessionID,
		}).Debug("mock auth: cipher on un-established session")
	}
}

func (m *Mock) deliver(fn func(Handler)) {
	select {
	case <-m.done:
		log.Debug("mock auth: closed, dropping answer")
		return
	default:
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	m.once.Do(func() { go m.run() })
	m.notify()
}

func (m *Mock) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mock) run() {
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
			pending := len(m.queue)
			m.mu.Unlock()
			log.WithField("pending", pending).Debug("mock auth: no handler yet, holding answers")
			continue
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, fn := range batch {
			fn(h)
		}
	}
}

// MockEncrypt applies n mock layers to a copy of payload.
func MockEncrypt(payload []byte, n int) []byte {
	out := append([]byte(nil), payload...)
	if len(out) > 1 {
		out[1] += byte(n)
	}
	return out
}

// MockDecrypt removes n mock layers from a copy of payload.
func MockDecrypt(payload []byte, n int) []byte {
	out := append([]byte(nil), payload...)
	if len(out) > 1 {
		out[1] -= byte(n)
	}
	return out
}
