package tunnel

import (
	"sync"
	"testing"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/go-onion/lib/onionauth"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/go-onion/lib/rps"
	"github.com/go-i2p/go-onion/lib/transport"
	"github.com/stretchr/testify/require"
)

type sentDatagram struct {
	data []byte
	to   binding.Binding
}

// recordingConn keeps every datagram written and never receives.
type recordingConn struct {
	local  binding.Binding
	sent   []sentDatagram
	closed chan struct{}
	once   sync.Once
}

func newRecordingConn() *recordingConn {
	return &recordingConn{local: testPeer(0), closed: make(chan struct{})}
}

func (c *recordingConn) ReadFrom(p []byte) (int, binding.Binding, error) {
	<-c.closed
	return 0, binding.Binding{}, transport.ErrClosed
}

func (c *recordingConn) WriteTo(p []byte, to binding.Binding) error {
	c.sent = append(c.sent, sentDatagram{data: append([]byte(nil), p...), to: to})
	return nil
}

func (c *recordingConn) LocalBinding() binding.Binding { return c.local }

func (c *recordingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *recordingConn) last(t *testing.T) (cell.Cell, binding.Binding) {
	t.Helper()
	require.NotEmpty(t, c.sent, "nothing was sent")
	d := c.sent[len(c.sent)-1]
	return cell.Parse(d.data, nil), d.to
}

type authCall struct {
	op         string
	requestID  uint32
	sessionID  uint16
	sessionIDs []uint16
	data       []byte
}

// recordingAuth records requests. Encrypts and decrypts stay pending until
// the test answers them.
type recordingAuth struct {
	calls   []authCall
	pending []authCall
}

func (a *recordingAuth) record(c authCall) {
	a.calls = append(a.calls, c)
}

func (a *recordingAuth) StartSession(requestID uint32, hostkey []byte) {
	a.record(authCall{op: "start", requestID: requestID, data: hostkey})
}

func (a *recordingAuth) IncomingHS1(requestID uint32, handshake []byte) {
	a.record(authCall{op: "incoming_hs1", requestID: requestID, data: handshake})
}

func (a *recordingAuth) IncomingHS2(requestID uint32, sessionID uint16, handshake []byte) {
	a.record(authCall{op: "incoming_hs2", requestID: requestID, sessionID: sessionID, data: handshake})
}

func (a *recordingAuth) Encrypt(requestID uint32, sessionID uint16, payload []byte) {
	c := authCall{op: "encrypt", requestID: requestID, sessionID: sessionID, data: payload}
	a.record(c)
	a.pending = append(a.pending, c)
}

func (a *recordingAuth) Decrypt(requestID uint32, sessionID uint16, payload []byte) {
	c := authCall{op: "decrypt", requestID: requestID, sessionID: sessionID, data: payload}
	a.record(c)
	a.pending = append(a.pending, c)
}

func (a *recordingAuth) LayerEncrypt(requestID uint32, sessionIDs []uint16, payload []byte) {
	a.record(authCall{op: "layer_encrypt", requestID: requestID, sessionIDs: sessionIDs, data: payload})
}

func (a *recordingAuth) LayerDecrypt(requestID uint32, sessionIDs []uint16, payload []byte) {
	a.record(authCall{op: "layer_decrypt", requestID: requestID, sessionIDs: sessionIDs, data: payload})
}

func (a *recordingAuth) EndSession(sessionID uint16) {
	a.record(authCall{op: "end", sessionID: sessionID})
}

func (a *recordingAuth) ops(op string) []authCall {
	var out []authCall
	for _, c := range a.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (a *recordingAuth) last(t *testing.T, op string) authCall {
	t.Helper()
	calls := a.ops(op)
	require.NotEmpty(t, calls, "no %s request", op)
	return calls[len(calls)-1]
}

// sessionsOf returns the session ids used by the given op, in order.
func (a *recordingAuth) sessionsOf(op string) []uint16 {
	var out []uint16
	for _, c := range a.ops(op) {
		out = append(out, c.sessionID)
	}
	return out
}

type recordingSampler struct {
	requests []int
}

func (s *recordingSampler) RequestPeers(n int) int {
	s.requests = append(s.requests, n)
	return len(s.requests) - 1
}

type readyEvent struct {
	requester Requester
	tunnelID  uint32
	hostkey   []byte
}

type dataEvent struct {
	tunnelID uint32
	data     []byte
}

type errorEvent struct {
	tunnelID    uint32
	lastMessage protocol.MessageType
}

type recordingEvents struct {
	mu       sync.Mutex
	ready    []readyEvent
	incoming []uint32
	data     []dataEvent
	errors   []errorEvent
}

func (r *recordingEvents) TunnelReady(requester Requester, tunnelID uint32, hostkey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, readyEvent{requester, tunnelID, hostkey})
}

func (r *recordingEvents) TunnelIncoming(tunnelID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incoming = append(r.incoming, tunnelID)
}

func (r *recordingEvents) TunnelData(tunnelID uint32, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, dataEvent{tunnelID, data})
}

func (r *recordingEvents) TunnelError(tunnelID uint32, lastMessage protocol.MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorEvent{tunnelID, lastMessage})
}

func (r *recordingEvents) snapshot() recordingEvents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordingEvents{
		ready:    append([]readyEvent(nil), r.ready...),
		incoming: append([]uint32(nil), r.incoming...),
		data:     append([]dataEvent(nil), r.data...),
		errors:   append([]errorEvent(nil), r.errors...),
	}
}

type testRig struct {
	conn        *recordingConn
	auth        *recordingAuth
	sampler     *recordingSampler
	events      *recordingEvents
	clock       *fakeClock
	disconnects []string
}

// newTestEngine returns an engine that is driven directly by the test,
// without Run.
func newTestEngine(t *testing.T, hops int) (*Engine, *testRig) {
	t.Helper()
	rig := &testRig{
		conn:    newRecordingConn(),
		auth:    &recordingAuth{},
		sampler: &recordingSampler{},
		events:  &recordingEvents{},
		clock:   newFakeClock(),
	}
	cfg := config.Defaults().Tunnel
	cfg.Hops = hops
	e, err := NewEngine(cfg, rig.conn, rig.auth, rig.sampler, rig.events)
	require.NoError(t, err)
	e.now = rig.clock.Now
	e.limiter.now = rig.clock.Now
	e.limiter.lastCleanup = rig.clock.Now()
	e.SetDisconnectPolicy(func(peer binding.Binding, reason string) {
		rig.disconnects = append(rig.disconnects, reason)
	})
	return e, rig
}

// answerCrypto answers every pending encrypt and decrypt with the mock
// cipher, including requests issued while answering.
func (rig *testRig) answerCrypto(e *Engine) {
	for len(rig.auth.pending) > 0 {
		c := rig.auth.pending[0]
		rig.auth.pending = rig.auth.pending[1:]
		if c.op == "encrypt" {
			e.onEncrypted(c.requestID, onionauth.MockEncrypt(c.data, 1))
		} else {
			e.onDecrypted(c.requestID, onionauth.MockDecrypt(c.data, 1))
		}
	}
}

func plain(c cell.Cell) []byte {
	return c.MarshalRelayPayload(cell.ZeroDigest{})
}

// onion wraps a plaintext relay cell in n mock layers.
func onion(c cell.Cell, n int) []byte {
	return onionauth.MockEncrypt(plain(c), n)
}

func assertMonotonic(t *testing.T, c *CircuitState) {
	t.Helper()
	for i := 1; i < len(c.Hops); i++ {
		if c.Hops[i].Status == HopCreated || c.Hops[i].Status == HopBuildSent {
			require.Equal(t, HopCreated, c.Hops[i-1].Status,
				"hop %d is %s while hop %d is %s", i, c.Hops[i].Status, i-1, c.Hops[i-1].Status)
		}
	}
}

func samplePeers(ids ...int) []rps.Peer {
	out := make([]rps.Peer, len(ids))
	for i, id := range ids {
		out[i] = rps.Peer{Address: testPeer(id), Hostkey: []byte{'h', 'k', byte('0' + id)}}
	}
	return out
}

// buildCircuit drives a circuit through sampling, session starts and every
// BUILD/EXTEND round trip until it is ready.
func buildCircuit(t *testing.T, e *Engine, rig *testRig, relays []rps.Peer, dest rps.Peer) *CircuitState {
	t.Helper()
	e.buildTunnel(dest.Address, dest.Hostkey, 1)
	return completeCircuit(t, e, rig, len(rig.sampler.requests)-1, relays)
}

func completeCircuit(t *testing.T, e *Engine, rig *testRig, sampleID int, peers []rps.Peer) *CircuitState {
	t.Helper()
	before := len(rig.auth.ops("start"))
	e.onPeersArrived(sampleID, peers)
	starts := rig.auth.ops("start")[before:]
	for i, s := range starts {
		e.onSessionHS1(s.requestID, uint16(100+before+i), append([]byte("hs1-"), s.data...))
	}

	var c *CircuitState
	for _, circ := range e.circuits {
		if c == nil || circ.Key() > c.Key() {
			c = circ
		}
	}
	require.NotNil(t, c, "no circuit created")

	first := c.Hops[0]
	e.handleDatagram(cell.NewCreated(first.CircuitID, []byte("hs2")).Marshal(nil), first.Peer)
	for i := 1; i < len(c.Hops); i++ {
		rig.answerCrypto(e)
		extended := cell.NewRelayExtended(first.CircuitID, 0, []byte("hs2"))
		e.handleDatagram(cell.ComposeEncrypted(first.CircuitID, onion(extended, i)), first.Peer)
		rig.answerCrypto(e)
		assertMonotonic(t, c)
	}
	rig.answerCrypto(e)
	require.True(t, c.Ready())
	return c
}

// acceptTunnel makes the engine accept a BUILD from prev on circuitID with
// the given session.
func acceptTunnel(t *testing.T, e *Engine, rig *testRig, prev binding.Binding, circuitID uint16, sessionID uint16) uint32 {
	t.Helper()
	e.handleDatagram(cell.NewBuild(circuitID, []byte("hs1")).Marshal(nil), prev)
	hs1 := rig.auth.last(t, "incoming_hs1")
	e.onSessionHS2(hs1.requestID, sessionID, []byte("hs2"))
	id, ok := e.ids.Lookup(prev, circuitID)
	require.True(t, ok)
	return id
}
