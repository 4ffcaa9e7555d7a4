// Package onionauth talks to the onion authentication module, which owns all
// session keys and performs every handshake and cipher operation.
//
// Requests are fire-and-forget. Each carries a request id chosen by the
// caller, and the module answers later through a Handler. Two
// implementations exist:
//   - Client: AUTH_* messages over a TCP connection to the real module
//   - Mock: an in-process stand-in whose "encryption" counts layers in the
//     first digest byte of a relay payload
//
// Message bodies (after the size/type header):
//
//	SESSION_START          reserved(4) | requestID(4) | hostkey
//	SESSION_HS1            reserved(2) | sessionID(2) | requestID(4) | handshake
//	SESSION_INCOMING_HS1   reserved(4) | requestID(4) | handshake
//	SESSION_HS2            reserved(2) | sessionID(2) | requestID(4) | handshake
//	SESSION_INCOMING_HS2   reserved(2) | sessionID(2) | requestID(4) | handshake
//	LAYER_ENCRYPT/DECRYPT  reserved(3) | layers(1) | requestID(4) | sessionID(2)* | payload
//	LAYER_*_RESP           reserved(4) | requestID(4) | payload
//	SESSION_CLOSE          reserved(2) | sessionID(2)
//	ERROR                  reserved(4) | requestID(4)
//	CIPHER_ENCRYPT/DECRYPT reserved(2) | sessionID(2) | requestID(4) | payload
//	CIPHER_ENCRYPT_RESP    reserved(2) | sessionID(2) | requestID(4) | payload
//	CIPHER_DECRYPT_RESP    reserved(4) | requestID(4) | payload
package onionauth
