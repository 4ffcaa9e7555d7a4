package tunnel

import (
	"bytes"
	"testing"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/go-onion/lib/onionauth"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/go-onion/lib/rps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineValidation(t *testing.T) {
	rig := &testRig{conn: newRecordingConn(), auth: &recordingAuth{}, sampler: &recordingSampler{}, events: &recordingEvents{}}
	cfg := config.Defaults().Tunnel

	_, err := NewEngine(cfg, nil, rig.auth, rig.sampler, rig.events)
	assert.Error(t, err)

	bad := cfg
	bad.Hops = 0
	_, err = NewEngine(bad, rig.conn, rig.auth, rig.sampler, rig.events)
	assert.Error(t, err)

	bad = cfg
	bad.Digest = "sha1"
	_, err = NewEngine(bad, rig.conn, rig.auth, rig.sampler, rig.events)
	assert.Error(t, err)

	zero := config.TunnelDefaults{Hops: 1}
	e, err := NewEngine(zero, rig.conn, rig.auth, rig.sampler, rig.events)
	require.NoError(t, err)
	assert.Equal(t, cfg.BuildRetryInterval, e.cfg.BuildRetryInterval)
	assert.Equal(t, cfg.DestroyStepDelay, e.cfg.DestroyStepDelay)
}

// Walks a two relay circuit through every construction round and checks
// what goes on the wire and to the auth module at each step.
func TestCircuitConstruction(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	relay1, relay2, dest := testPeer(1), testPeer(2), testPeer(3)

	e.buildTunnel(dest, []byte("desthostkey"), 7)
	require.Equal(t, []int{2}, rig.sampler.requests)

	e.onPeersArrived(0, []rps.Peer{
		{Address: relay1, Hostkey: []byte("hk1")},
		{Address: relay2, Hostkey: []byte("hk2")},
	})
	starts := rig.auth.ops("start")
	require.Len(t, starts, 3)
	assert.Equal(t, []byte("hk1"), starts[0].data)
	assert.Equal(t, []byte("hk2"), starts[1].data)
	assert.Equal(t, []byte("desthostkey"), starts[2].data)

	e.onSessionHS1(starts[2].requestID, 30, []byte("hs-dest"))
	e.onSessionHS1(starts[0].requestID, 10, []byte("hs-1"))
	assert.Empty(t, e.circuits, "circuit must wait for every hop")
	e.onSessionHS1(starts[1].requestID, 20, []byte("hs-2"))
	require.Len(t, e.circuits, 1)

	// hop 0: direct BUILD
	build, to := rig.conn.last(t)
	assert.Equal(t, relay1, to)
	assert.Equal(t, cell.TypeBuild, build.Type)
	assert.Equal(t, []byte("hs-1"), build.Data)
	circ0 := build.CircuitID

	key, ok := e.ids.Lookup(relay1, circ0)
	require.True(t, ok)
	c := e.circuits[key]
	require.NotNil(t, c)
	assert.Equal(t, c.Hops[2].TunnelID, c.TunnelID)
	assert.Equal(t, []HopStatus{HopBuildSent, HopUnconnected, HopUnconnected},
		[]HopStatus{c.Hops[0].Status, c.Hops[1].Status, c.Hops[2].Status})
	assertMonotonic(t, c)

	// CREATED from hop 0, RELAY_EXTEND to hop 1 through hop 0
	e.handleDatagram(cell.NewCreated(circ0, []byte("hs2-1")).Marshal(nil), relay1)
	hs2 := rig.auth.last(t, "incoming_hs2")
	assert.Equal(t, uint16(10), hs2.sessionID)
	assert.Equal(t, []byte("hs2-1"), hs2.data)
	assert.True(t, e.sessions.Has(c.Hops[0].TunnelID))

	enc := rig.auth.last(t, "encrypt")
	assert.Equal(t, uint16(10), enc.sessionID)
	extend := cell.ParseRelayPayload(enc.data, circ0, cell.ZeroDigest{})
	assert.Equal(t, cell.CmdRelayExtend, extend.Command)
	assert.Equal(t, relay2, extend.Target())
	assert.Equal(t, []byte("hs-2"), extend.Data)
	assertMonotonic(t, c)

	rig.answerCrypto(e)
	sent, to := rig.conn.last(t)
	assert.Equal(t, relay1, to)
	assert.Equal(t, cell.TypeEncrypted, sent.Type)
	assert.Equal(t, circ0, sent.CircuitID)
	assert.Equal(t, onionauth.MockEncrypt(enc.data, 1), sent.Payload)

	// RELAY_EXTENDED sealed by hop 0
	e.handleDatagram(cell.ComposeEncrypted(circ0, onion(cell.NewRelayExtended(circ0, 0, []byte("hs2-2")), 1)), relay1)
	rig.answerCrypto(e)
	assert.Equal(t, HopCreated, c.Hops[1].Status)
	assert.Equal(t, []byte("hs2-2"), rig.auth.last(t, "incoming_hs2").data)
	assertMonotonic(t, c)

	// RELAY_EXTEND for the destination was layered farthest first
	encrypts := rig.auth.sessionsOf("encrypt")
	assert.Equal(t, []uint16{10, 20, 10}, encrypts)
	sent, _ = rig.conn.last(t)
	extend = cell.ParseRelayPayload(onionauth.MockDecrypt(sent.Payload, 2), circ0, cell.ZeroDigest{})
	assert.Equal(t, cell.CmdRelayExtend, extend.Command)
	assert.Equal(t, dest, extend.Target())
	assert.Equal(t, HopBuildSent, c.Hops[2].Status)
	assert.Empty(t, rig.events.ready)

	// RELAY_EXTENDED sealed by hop 1
	e.handleDatagram(cell.ComposeEncrypted(circ0, onion(cell.NewRelayExtended(circ0, 0, []byte("hs2-3")), 2)), relay1)
	rig.answerCrypto(e)
	assert.Equal(t, []uint16{10, 10, 20}, rig.auth.sessionsOf("decrypt"))
	assertMonotonic(t, c)

	require.Len(t, rig.events.ready, 1)
	ready := rig.events.ready[0]
	assert.Equal(t, Requester(7), ready.requester)
	assert.Equal(t, c.Hops[2].TunnelID, ready.tunnelID)
	assert.Equal(t, []byte("desthostkey"), ready.hostkey)
	assert.Nil(t, c.retry)
	assert.Zero(t, e.sched.Len())
}

func TestConstructionBarrierAnyOrder(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		e, rig := newTestEngine(t, 2)
		e.buildTunnel(testPeer(9), []byte("dest"), 1)
		e.onPeersArrived(0, samplePeers(1, 2))
		starts := rig.auth.ops("start")
		require.Len(t, starts, 3)

		for n, idx := range order {
			assert.Empty(t, e.circuits, "order %v: circuit before all handshakes", order)
			e.onSessionHS1(starts[idx].requestID, uint16(idx+1), []byte("hs"))
			if n < len(order)-1 {
				assert.Empty(t, rig.conn.sent)
			}
		}
		require.Len(t, e.circuits, 1, "order %v", order)
		for _, c := range e.circuits {
			for i, hop := range c.Hops {
				assert.Equal(t, uint16(i+1), hop.SessionID, "session ids follow hop order")
			}
		}
		assert.Empty(t, e.pendingHandshakes)
	}
}

func TestBuildRetry(t *testing.T) {
	e, rig := newTestEngine(t, 1)
	e.buildTunnel(testPeer(9), []byte("dest"), 1)
	e.onPeersArrived(0, samplePeers(1))
	for _, s := range rig.auth.ops("start") {
		e.onSessionHS1(s.requestID, uint16(s.requestID), []byte("hs"))
	}
	require.Len(t, rig.conn.sent, 1)
	first, _ := rig.conn.last(t)

	rig.clock.Advance(e.cfg.BuildRetryInterval / 2)
	e.runDueTasks()
	assert.Len(t, rig.conn.sent, 1)

	rig.clock.Advance(e.cfg.BuildRetryInterval / 2)
	e.runDueTasks()
	require.Len(t, rig.conn.sent, 2)
	again, _ := rig.conn.last(t)
	assert.Equal(t, first, again, "retry re-sends the same BUILD")
	assert.Equal(t, 1, e.sched.Len(), "retry timer restarted")

	// both CREATED answers arrive, the second one is ignored
	created := cell.NewCreated(first.CircuitID, []byte("hs2")).Marshal(nil)
	e.handleDatagram(created, testPeer(1))
	e.handleDatagram(created, testPeer(1))
	assert.Len(t, rig.auth.ops("incoming_hs2"), 1)
}

func TestRelayTunnel(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	prev, next := testPeer(1), testPeer(2)

	prevID := acceptTunnel(t, e, rig, prev, 9, 40)
	assert.Equal(t, []uint32{prevID}, rig.events.incoming)
	created, to := rig.conn.last(t)
	assert.Equal(t, prev, to)
	assert.Equal(t, cell.TypeCreated, created.Type)
	assert.Equal(t, uint16(9), created.CircuitID)
	assert.Equal(t, []byte("hs2"), created.Data)
	assert.Equal(t, uint16(40), e.sessions.Get(prevID))

	// RELAY_EXTEND addressed to us
	e.handleDatagram(cell.ComposeEncrypted(9, onion(cell.NewRelayExtend(9, 0, next, []byte("ext-hs")), 1)), prev)
	assert.Equal(t, uint16(40), rig.auth.last(t, "decrypt").sessionID)
	rig.answerCrypto(e)
	build, to := rig.conn.last(t)
	assert.Equal(t, next, to)
	assert.Equal(t, cell.TypeBuild, build.Type)
	assert.Equal(t, []byte("ext-hs"), build.Data)

	// CREATED from the next hop goes back as RELAY_EXTENDED
	e.handleDatagram(cell.NewCreated(build.CircuitID, []byte("next-hs2")).Marshal(nil), next)
	enc := rig.auth.last(t, "encrypt")
	assert.Equal(t, uint16(40), enc.sessionID)
	extended := cell.ParseRelayPayload(enc.data, 9, cell.ZeroDigest{})
	assert.Equal(t, cell.CmdRelayExtended, extended.Command)
	assert.Equal(t, []byte("next-hs2"), extended.Data)
	assert.Empty(t, rig.auth.ops("incoming_hs2"), "relays do not finish the next hop's handshake")
	rig.answerCrypto(e)
	back, to := rig.conn.last(t)
	assert.Equal(t, prev, to)
	assert.Equal(t, uint16(9), back.CircuitID)

	tun := e.tunnelsByPrev[prevID]
	require.NotNil(t, tun)
	assert.True(t, tun.HasNext())
	assert.Equal(t, next, tun.Next)
	assert.Equal(t, build.CircuitID, tun.NextCircuitID)
	assert.Empty(t, e.pendingExtensions)

	// forward: still encrypted for someone further along
	forward := onion(cell.NewRelayData(9, 0, []byte("deep")), 2)
	e.handleDatagram(cell.ComposeEncrypted(9, forward), prev)
	rig.answerCrypto(e)
	out, to := rig.conn.last(t)
	assert.Equal(t, next, to)
	assert.Equal(t, build.CircuitID, out.CircuitID)
	assert.Equal(t, onionauth.MockDecrypt(forward, 1), out.Payload)

	// backward: one more layer towards the originator
	reply := onion(cell.NewRelayData(build.CircuitID, 0, []byte("back")), 1)
	e.handleDatagram(cell.ComposeEncrypted(build.CircuitID, reply), next)
	assert.Equal(t, uint16(40), rig.auth.last(t, "encrypt").sessionID)
	rig.answerCrypto(e)
	out, to = rig.conn.last(t)
	assert.Equal(t, prev, to)
	assert.Equal(t, uint16(9), out.CircuitID)
	assert.Equal(t, onionauth.MockEncrypt(reply, 1), out.Payload)
	assert.Empty(t, rig.events.data)
}

func TestDestinationTunnel(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	prev := testPeer(1)
	prevID := acceptTunnel(t, e, rig, prev, 9, 40)

	e.handleDatagram(cell.ComposeEncrypted(9, onion(cell.NewRelayData(9, 0, []byte("hello")), 1)), prev)
	rig.answerCrypto(e)
	require.Len(t, rig.events.data, 1)
	assert.Equal(t, dataEvent{prevID, []byte("hello")}, rig.events.data[0])

	// a cell for a hop past us cannot go anywhere
	sent := len(rig.conn.sent)
	e.handleDatagram(cell.ComposeEncrypted(9, onion(cell.NewRelayData(9, 0, []byte("lost")), 2)), prev)
	rig.answerCrypto(e)
	assert.Len(t, rig.conn.sent, sent)

	// cover cells are swallowed
	e.handleDatagram(cell.ComposeEncrypted(9, onion(cell.NewCover(9), 1)), prev)
	rig.answerCrypto(e)
	assert.Len(t, rig.events.data, 1)

	// replies travel back encrypted once
	assert.True(t, e.sendData(prevID, []byte("reply")))
	enc := rig.auth.last(t, "encrypt")
	assert.Equal(t, uint16(40), enc.sessionID)
	data := cell.ParseRelayPayload(enc.data, 9, cell.ZeroDigest{})
	assert.Equal(t, cell.CmdRelayData, data.Command)
	assert.Equal(t, []byte("reply"), data.Data)
	rig.answerCrypto(e)
	out, to := rig.conn.last(t)
	assert.Equal(t, prev, to)
	assert.Equal(t, uint16(9), out.CircuitID)

	// CMD_DESTROY from the previous hop
	e.handleDatagram(cell.ComposeEncrypted(9, onion(cell.NewDestroy(9), 1)), prev)
	rig.answerCrypto(e)
	assert.Empty(t, e.tunnelsByPrev)
	assert.False(t, e.sessions.Has(prevID))
	assert.Equal(t, uint16(40), rig.auth.last(t, "end").sessionID)
	assert.False(t, e.sendData(prevID, []byte("gone")))
}

func TestDestroyRelayTunnelSendsTruncated(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	prev := testPeer(1)
	prevID := acceptTunnel(t, e, rig, prev, 9, 40)

	e.destroyTunnel(prevID)
	var ops []string
	for _, c := range rig.auth.calls {
		ops = append(ops, c.op)
	}
	require.Equal(t, []string{"incoming_hs1", "encrypt", "end"}, ops, "TRUNCATED must be encrypted before the session ends")
	truncated := cell.ParseRelayPayload(rig.auth.last(t, "encrypt").data, 9, cell.ZeroDigest{})
	assert.Equal(t, cell.CmdRelayTruncated, truncated.Command)
	assert.Empty(t, e.tunnelsByPrev)
	assert.False(t, e.sessions.Has(prevID))

	e.destroyTunnel(prevID)
	assert.Len(t, rig.auth.calls, 3)
}

func TestReplacedBuildEndsOldSession(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	prev := testPeer(1)
	acceptTunnel(t, e, rig, prev, 9, 40)
	id := acceptTunnel(t, e, rig, prev, 9, 41)

	assert.Equal(t, uint16(40), rig.auth.last(t, "end").sessionID)
	assert.Equal(t, uint16(41), e.sessions.Get(id))
	assert.Len(t, e.tunnelsByPrev, 1)
}

func TestBuildReusingOurCircuitIDIsDropped(t *testing.T) {
	e, rig := newTestEngine(t, 1)
	c := buildCircuit(t, e, rig, samplePeers(1), samplePeers(2)[0])
	first := c.Hops[0]
	session := e.sessions.Get(first.TunnelID)
	ends := len(rig.auth.ops("end"))

	// the first hop picked the same circuit id for a circuit of its own
	e.handleDatagram(cell.NewBuild(first.CircuitID, []byte("hs1")).Marshal(nil), first.Peer)
	assert.Empty(t, rig.auth.ops("incoming_hs1"))
	assert.Len(t, rig.auth.ops("end"), ends)
	assert.Equal(t, session, e.sessions.Get(first.TunnelID))
	assert.Empty(t, e.tunnelsByPrev)
	assert.Empty(t, rig.events.incoming)
	assert.True(t, e.circuits[c.Key()].Ready())
}

func TestBuildReusingRelayNextHopIsDropped(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	prev, next := testPeer(1), testPeer(2)
	acceptTunnel(t, e, rig, prev, 9, 40)

	e.handleDatagram(cell.ComposeEncrypted(9, onion(cell.NewRelayExtend(9, 0, next, []byte("ext-hs")), 1)), prev)
	rig.answerCrypto(e)
	build, _ := rig.conn.last(t)
	nextID, ok := e.ids.Lookup(next, build.CircuitID)
	require.True(t, ok)

	// still pending: the extension must survive a colliding BUILD
	e.handleDatagram(cell.NewBuild(build.CircuitID, []byte("hs1")).Marshal(nil), next)
	assert.Len(t, rig.auth.ops("incoming_hs1"), 1)
	assert.Contains(t, e.pendingExtensions, nextID)

	e.handleDatagram(cell.NewCreated(build.CircuitID, []byte("next-hs2")).Marshal(nil), next)
	rig.answerCrypto(e)
	require.NotNil(t, e.tunnelsByNext[nextID])

	e.handleDatagram(cell.NewBuild(build.CircuitID, []byte("hs1")).Marshal(nil), next)
	assert.Len(t, rig.auth.ops("incoming_hs1"), 1)
	assert.Empty(t, rig.auth.ops("end"))
	assert.Len(t, e.tunnelsByPrev, 1)
}

func TestCollisionDuringHandshakeEndsNewSession(t *testing.T) {
	e, rig := newTestEngine(t, 1)
	c := buildCircuit(t, e, rig, samplePeers(1), samplePeers(2)[0])
	first := c.Hops[0]
	session := e.sessions.Get(first.TunnelID)
	ends := len(rig.auth.ops("end"))

	// a BUILD accepted for the id before our circuit took it
	id := e.nextRequestID()
	e.incomingTunnels[id] = first.TunnelID
	e.onSessionHS2(id, 77, []byte("hs2"))

	require.Len(t, rig.auth.ops("end"), ends+1)
	assert.Equal(t, uint16(77), rig.auth.last(t, "end").sessionID)
	assert.Equal(t, session, e.sessions.Get(first.TunnelID))
	assert.Empty(t, e.tunnelsByPrev)
	assert.Empty(t, rig.events.incoming)
}

func TestCircuitTeardown(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	c := buildCircuit(t, e, rig, samplePeers(1, 2), rps.Peer{Address: testPeer(3), Hostkey: []byte("dest")})
	apiID, key := c.TunnelID, c.Key()
	first := c.Hops[0]
	step := e.cfg.DestroyStepDelay
	sentBefore := len(rig.conn.sent)

	e.destroyTunnel(apiID)
	assert.True(t, c.tearing)
	assert.Equal(t, protocol.OnionTunnelDestroy, c.LastMessage)
	assert.Equal(t, 4, e.sched.Len(), "three destroys and a cleanup")

	e.destroyTunnel(apiID)
	assert.Equal(t, 4, e.sched.Len(), "second destroy is a no-op")

	// farthest hop first, each destroy wrapped for exactly its hop
	for layers := 3; layers >= 1; layers-- {
		e.runDueTasks()
		rig.answerCrypto(e)
		require.Len(t, rig.conn.sent, sentBefore+1, "destroy for hop %d", layers)
		sentBefore++
		out, to := rig.conn.last(t)
		assert.Equal(t, first.Peer, to)
		assert.Equal(t, first.CircuitID, out.CircuitID)
		destroy := cell.ParseRelayPayload(onionauth.MockDecrypt(out.Payload, layers), out.CircuitID, cell.ZeroDigest{})
		assert.Equal(t, cell.CmdDestroy, destroy.Command)
		assert.False(t, cell.ZeroDigest{}.Verify(onionauth.MockDecrypt(out.Payload, layers-1)))
		rig.clock.Advance(step)
	}
	assert.Contains(t, e.circuits, key)

	rig.clock.Advance(step)
	e.runDueTasks()
	assert.Empty(t, e.circuits)
	assert.Empty(t, e.circuitKeys)
	assert.Zero(t, e.sessions.Len())
	assert.Len(t, rig.auth.ops("end"), 3)
	assert.Zero(t, e.sched.Len())

	e.destroyTunnel(apiID)
	assert.Zero(t, e.sched.Len())
	assert.Empty(t, rig.events.errors)
}

func TestCircuitData(t *testing.T) {
	e, rig := newTestEngine(t, 1)
	c := buildCircuit(t, e, rig, samplePeers(1), rps.Peer{Address: testPeer(2), Hostkey: []byte("dest")})
	first := c.Hops[0]

	assert.False(t, e.sendData(c.TunnelID, make([]byte, cell.MaxRelayDataLength+1)))
	assert.False(t, e.sendData(999, []byte("x")))

	require.True(t, e.sendData(c.TunnelID, []byte("MARCO")))
	assert.Equal(t, protocol.OnionTunnelData, c.LastMessage)
	rig.answerCrypto(e)
	out, to := rig.conn.last(t)
	assert.Equal(t, first.Peer, to)
	data := cell.ParseRelayPayload(onionauth.MockDecrypt(out.Payload, 2), first.CircuitID, cell.ZeroDigest{})
	assert.Equal(t, []byte("MARCO"), data.Data)

	// answer from the destination, sealed by the last hop
	e.handleDatagram(cell.ComposeEncrypted(first.CircuitID, onion(cell.NewRelayData(first.CircuitID, 0, []byte("POLO")), 2)), first.Peer)
	rig.answerCrypto(e)
	require.Len(t, rig.events.data, 1)
	assert.Equal(t, dataEvent{c.TunnelID, []byte("POLO")}, rig.events.data[0])
}

func TestSendDataBeforeReady(t *testing.T) {
	e, rig := newTestEngine(t, 1)
	e.buildTunnel(testPeer(9), []byte("dest"), 1)
	e.onPeersArrived(0, samplePeers(1))
	for _, s := range rig.auth.ops("start") {
		e.onSessionHS1(s.requestID, 1, []byte("hs"))
	}
	for _, c := range e.circuits {
		assert.False(t, e.sendData(c.TunnelID, []byte("early")))
	}
}

func TestRelayTruncated(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	c := buildCircuit(t, e, rig, samplePeers(1, 2), rps.Peer{Address: testPeer(3), Hostkey: []byte("dest")})
	first := c.Hops[0]
	dropped := c.Hops[2]

	// hop 1 reports that its next hop is gone
	e.handleDatagram(cell.ComposeEncrypted(first.CircuitID, onion(cell.NewRelayTruncated(first.CircuitID, 0), 2)), first.Peer)
	rig.answerCrypto(e)

	require.Len(t, c.Hops, 2)
	assert.True(t, c.tearing)
	assert.Equal(t, dropped.SessionID, rig.auth.last(t, "end").sessionID)
	require.Len(t, rig.events.errors, 1)
	assert.Equal(t, errorEvent{c.TunnelID, protocol.OnionTunnelBuild}, rig.events.errors[0])
}

func TestCoverTunnel(t *testing.T) {
	e, rig := newTestEngine(t, 1)
	e.coverTunnel(0)
	assert.Empty(t, rig.sampler.requests)

	e.coverTunnel(2 * cell.Length)
	require.Equal(t, []int{2}, rig.sampler.requests)
	c := completeCircuit(t, e, rig, 0, samplePeers(1, 2))

	assert.True(t, c.IsCover())
	assert.Empty(t, rig.events.ready, "cover circuits are not announced")
	assert.Equal(t, cell.Length, c.CoverRemaining)
	covers := 1

	for i := 0; i < 5 && !c.tearing; i++ {
		rig.clock.Advance(e.cfg.CoverMaxWait)
		e.runDueTasks()
		rig.answerCrypto(e)
		if !c.tearing {
			covers++
		}
	}
	assert.Equal(t, 2, covers)
	assert.True(t, c.tearing)
	assert.Equal(t, protocol.OnionCover, c.LastMessage)
	assert.False(t, e.sendData(c.TunnelID, []byte("x")))

	sent := 0
	for _, d := range rig.conn.sent {
		c := cell.Parse(d.data, nil)
		if c.Type != cell.TypeEncrypted {
			continue
		}
		if cell.ParseRelayPayload(onionauth.MockDecrypt(c.Payload, 2), c.CircuitID, nil).Command == cell.CmdCover {
			sent++
		}
	}
	assert.Equal(t, 2, sent)
}

func TestCoverWaitWithinWindow(t *testing.T) {
	e, _ := newTestEngine(t, 1)
	for i := 0; i < 100; i++ {
		w := e.coverWait()
		assert.GreaterOrEqual(t, w, e.cfg.CoverMinWait)
		assert.LessOrEqual(t, w, e.cfg.CoverMaxWait)
	}
}

func TestMalformedAndUnknownDatagrams(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	peer := testPeer(1)

	e.handleDatagram([]byte{1, 2, 3}, peer)
	e.handleDatagram(bytes.Repeat([]byte{9}, cell.Length), peer)

	oversized := cell.NewBuild(1, nil).Marshal(nil)
	oversized[3], oversized[4] = 0x04, 0x01
	e.handleDatagram(oversized, peer)
	assert.Equal(t, []string{"malformed datagram", "malformed datagram", "malformed datagram"}, rig.disconnects)

	e.handleDatagram(cell.ComposeEncrypted(77, onion(cell.NewCover(77), 1)), peer)
	e.handleDatagram(cell.NewCreated(77, []byte("x")).Marshal(nil), peer)
	assert.Equal(t, "unknown tunnel", rig.disconnects[len(rig.disconnects)-1])
	assert.Len(t, rig.disconnects, 5)
	assert.Empty(t, rig.auth.calls)
	assert.Empty(t, rig.conn.sent)
	assert.Zero(t, e.ids.Len(), "unknown links are not mapped")
}

func TestUnknownAuthAnswersIgnored(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	e.onEncrypted(999, make([]byte, cell.PayloadLength))
	e.onDecrypted(999, make([]byte, cell.PayloadLength))
	e.onSessionHS1(999, 1, []byte("x"))
	e.onSessionHS2(999, 1, []byte("x"))
	e.onPeersArrived(42, samplePeers(1))
	e.onAuthError(999)
	assert.Empty(t, rig.conn.sent)
	assert.Empty(t, rig.auth.calls)
}

func TestAuthErrorAbandonsConstruction(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	e.buildTunnel(testPeer(9), []byte("dest"), 1)
	e.onPeersArrived(0, samplePeers(1, 2))
	starts := rig.auth.ops("start")

	e.onSessionHS1(starts[0].requestID, 5, []byte("hs"))
	e.onAuthError(starts[1].requestID)
	assert.Empty(t, e.pendingHandshakes)
	assert.Equal(t, uint16(5), rig.auth.last(t, "end").sessionID)

	e.onSessionHS1(starts[2].requestID, 6, []byte("hs"))
	assert.Empty(t, e.circuits)
}

func TestBuildFloodIsLimited(t *testing.T) {
	e, rig := newTestEngine(t, 2)
	peer := testPeer(1)
	burst := e.cfg.BuildRequestBurstSize

	for i := 0; i < burst+5; i++ {
		e.handleDatagram(cell.NewBuild(uint16(10+i), []byte("hs")).Marshal(nil), peer)
	}
	assert.Len(t, rig.auth.ops("incoming_hs1"), burst)

	other := testPeer(2)
	e.handleDatagram(cell.NewBuild(10, []byte("hs")).Marshal(nil), other)
	assert.Len(t, rig.auth.ops("incoming_hs1"), burst+1)
}

func TestOversizedHandshakeFailsBuild(t *testing.T) {
	e, rig := newTestEngine(t, 1)
	e.buildTunnel(testPeer(9), []byte("dest"), 3)
	e.onPeersArrived(0, samplePeers(1))
	starts := rig.auth.ops("start")
	e.onSessionHS1(starts[0].requestID, 1, []byte("hs"))
	e.onSessionHS1(starts[1].requestID, 2, make([]byte, cell.MaxExtend4HandshakeLen+1))

	assert.Empty(t, e.circuits)
	assert.Empty(t, rig.conn.sent)
	assert.Len(t, rig.auth.ops("end"), 2)
	require.Len(t, rig.events.errors, 1)
	assert.Equal(t, protocol.OnionTunnelBuild, rig.events.errors[0].lastMessage)
}

func TestStatsSnapshot(t *testing.T) {
	e, rig := newTestEngine(t, 1)
	buildCircuit(t, e, rig, samplePeers(1), rps.Peer{Address: testPeer(2), Hostkey: []byte("dest")})
	acceptTunnel(t, e, rig, testPeer(5), 9, 77)

	s := e.stats()
	assert.Equal(t, 1, s.Circuits)
	assert.Equal(t, 1, s.ReadyCircuits)
	assert.Equal(t, 1, s.Tunnels)
	assert.Equal(t, 3, s.Sessions)
	assert.Zero(t, s.PendingAuth)
	assert.Equal(t, uint64(1), s.Limiter.TotalRequests)
}
