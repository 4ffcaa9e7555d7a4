package rps

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	samples map[int][]Peer
	order   []int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{samples: make(map[int][]Peer)}
}

func (h *recordingHandler) PeersArrived(id int, peers []Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[id] = peers
	h.order = append(h.order, id)
}

func (h *recordingHandler) get(id int) ([]Peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.samples[id]
	return p, ok
}

type countingSource struct {
	mu      sync.Mutex
	queries int
}

func (s *countingSource) Query() error {
	s.mu.Lock()
	s.queries++
	s.mu.Unlock()
	return nil
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func TestParsePeerIPv6(t *testing.T) {
	raw, err := hex.DecodeString("0022021d427f00012a001450401680d00000000000002003727073686f73746b6579")
	require.NoError(t, err)
	var m protocol.Message
	require.NoError(t, m.UnmarshalBinary(raw))

	p, err := ParsePeer(&m)
	require.NoError(t, err)
	assert.Equal(t, binding.New(netip.MustParseAddr("2a00:1450:4016:80d0::2003"), 17023), p.Address)
	assert.Equal(t, []byte("rpshostkey"), p.Hostkey)

	out, err := p.Message().MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestPeerMessageIPv4RoundTrip(t *testing.T) {
	p := Peer{Address: binding.New(netip.MustParseAddr("192.168.1.7"), 4200), Hostkey: []byte("k")}
	got, err := ParsePeer(p.Message())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestParsePeerRejectsShortBody(t *testing.T) {
	_, err := ParsePeer(&protocol.Message{Type: protocol.RPSPeer, Body: []byte{0, 1, 0, 1, 0xff}})
	assert.Error(t, err)
	_, err = ParsePeer(QueryMessage())
	assert.Error(t, err)
}

func TestSamplerAggregatesInOrder(t *testing.T) {
	s := NewSampler(&countingSource{}, time.Hour)
	h := newRecordingHandler()
	s.SetHandler(h)

	assert.Equal(t, -1, s.RequestPeers(0))
	first := s.RequestPeers(2)
	second := s.RequestPeers(1)
	require.NotEqual(t, first, second)

	peer := func(i int) Peer {
		return Peer{Address: binding.New(netip.MustParseAddr("10.0.0.1"), uint16(i))}
	}
	s.OnPeer(peer(1))
	_, done := h.get(first)
	assert.False(t, done)

	s.OnPeer(peer(2))
	s.OnPeer(peer(3))
	got, done := h.get(first)
	require.True(t, done)
	assert.Equal(t, []Peer{peer(1), peer(2)}, got)
	got, done = h.get(second)
	require.True(t, done)
	assert.Equal(t, []Peer{peer(3)}, got)
	assert.Equal(t, []int{first, second}, h.order)
	assert.Zero(t, s.Pending())

	// nothing pending, peer is dropped
	s.OnPeer(peer(4))
}

func TestSamplerQueriesOnlyWhilePending(t *testing.T) {
	src := &countingSource{}
	s := NewSampler(src, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, src.count())

	s.RequestPeers(1)
	require.Eventually(t, func() bool { return src.count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestMockSampler(t *testing.T) {
	peers := []binding.Binding{
		binding.New(netip.MustParseAddr("127.0.0.1"), 1),
		binding.New(netip.MustParseAddr("127.0.0.1"), 2),
	}
	m := NewMockSampler(peers)
	h := newRecordingHandler()
	m.SetHandler(h)

	id := m.RequestPeers(3)
	require.Eventually(t, func() bool { _, ok := h.get(id); return ok }, time.Second, 5*time.Millisecond)
	got, _ := h.get(id)
	require.Len(t, got, 3)
	assert.Equal(t, peers[0], got[0].Address)
	assert.Equal(t, peers[1], got[1].Address)
	assert.Equal(t, peers[0], got[2].Address)
	assert.Equal(t, []byte("peerkey_2"), got[2].Hostkey)
}

func TestMockSamplerHoldsRequestsUntilHandler(t *testing.T) {
	m := NewMockSampler([]binding.Binding{binding.New(netip.MustParseAddr("127.0.0.1"), 1)})
	defer m.Close()

	id := m.RequestPeers(2)
	time.Sleep(20 * time.Millisecond)

	h := newRecordingHandler()
	m.SetHandler(h)
	require.Eventually(t, func() bool { _, ok := h.get(id); return ok }, time.Second, 5*time.Millisecond)
}

func TestMockSamplerClose(t *testing.T) {
	m := NewMockSampler([]binding.Binding{binding.New(netip.MustParseAddr("127.0.0.1"), 1)})
	h := newRecordingHandler()
	m.SetHandler(h)
	first := m.RequestPeers(1)
	require.Eventually(t, func() bool { _, ok := h.get(first); return ok }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
	select {
	case <-m.exited:
	case <-time.After(time.Second):
		t.Fatal("serve goroutine still running after Close")
	}

	late := m.RequestPeers(1)
	time.Sleep(20 * time.Millisecond)
	_, ok := h.get(late)
	assert.False(t, ok)
}

func TestClientQueryAndPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	want := Peer{Address: binding.New(netip.MustParseAddr("10.1.2.3"), 4200), Hostkey: []byte("hk")}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg.Type == protocol.RPSQuery {
				_ = protocol.WriteMessage(conn, want.Message())
			}
		}
	}()

	addr := binding.FromAddrPort(ln.Addr().(*net.TCPAddr).AddrPort())
	peers := make(chan Peer, 16)
	c := NewClient(addr, 10*time.Millisecond, func(p Peer) { peers <- p })
	assert.ErrorIs(t, c.Query(), ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.Query() == nil }, 2*time.Second, 10*time.Millisecond)
	select {
	case got := <-peers:
		assert.Equal(t, want.Address, got.Address)
		assert.True(t, bytes.Equal(want.Hostkey, got.Hostkey))
	case <-time.After(2 * time.Second):
		t.Fatal("no peer received")
	}
}
