// Package rps supplies random peers for circuit construction.
//
// The random peer sampling module answers one RPS_QUERY with one RPS_PEER.
// Sampler turns that one-at-a-time stream into samples of n peers, keyed by
// a sample id returned from RequestPeers. MockSampler serves a fixed peer
// list instead and needs no module at all.
package rps
