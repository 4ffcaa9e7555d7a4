// Package tunnel implements the onion circuit engine: circuit construction,
// relaying, teardown and cover traffic over fixed-size datagrams.
//
// # Overview
//
// A process plays up to three roles at once:
//   - Originator: owns a CircuitState whose hops it chose. Outgoing relay
//     payloads are layer-encrypted from the farthest hop inwards, answers
//     are layer-decrypted from the nearest hop outwards.
//   - Relay: owns a TunnelState linking a previous and a next hop. Cells
//     from the previous hop are decrypted once and forwarded, cells from the
//     next hop are encrypted once and sent back.
//   - Destination: a TunnelState without a next hop. Cells that decrypt to
//     a valid digest are addressed to us.
//
// # Identifiers
//
// Every (peer, circuit id) pair maps to a process-local tunnel id through
// TunnelIDMapper. Circuits are keyed by the tunnel id of their first hop and
// exposed to local clients under the tunnel id of their last hop. Relay
// tunnels are keyed and exposed under the tunnel id of their previous hop.
//
// # Concurrency
//
// All state is owned by the goroutine running Engine.Run. Datagrams, auth
// module answers, peer samples, timers and API calls are all serialized
// through it, so none of the maps in this package are locked. Collaborators
// (Auth, PeerSampler, Events) are called from that goroutine and must not
// block or call back into the engine synchronously.
//
// # Construction
//
//	sampler.RequestPeers(n)       -> PeersArrived
//	auth.StartSession per hop     -> OnSessionHS1 (all hops, any order)
//	BUILD to hop 0                -> CREATED
//	RELAY_EXTEND via hops[0:i]    -> RELAY_EXTENDED, for i = 1..n-1
//	Events.TunnelReady
//
// A hop stuck in BuildSent is re-sent after TunnelDefaults.BuildRetryInterval.
//
// # Teardown
//
// CMD_DESTROY is sent to every established hop, farthest first, spaced by
// TunnelDefaults.DestroyStepDelay. Sessions are released once all destroys
// are out.
package tunnel
