// Package cell implements the fixed-length peer-to-peer datagram format used
// between onion relays.
//
// Every datagram is exactly Length bytes. The first three bytes (cell type and
// circuit id) travel in the clear; the remaining bytes are either a BUILD or
// CREATED handshake or an onion-encrypted relay payload:
//
//	BUILD/CREATED: type(1) | circuitID(2) | handshakeLen(2) | handshake | filler
//	ENCRYPTED:     type(1) | circuitID(2) | relay payload (Length-3 bytes)
//	relay payload: command(1) | digest(4) | streamID(2) | body | filler
//
// Parsing never fails with an error. A buffer that cannot be decoded yields a
// Cell with Malformed set, and the caller decides whether to drop it or to
// disconnect the sender. Building a cell whose body does not fit is a
// programmer error and panics.
package cell
