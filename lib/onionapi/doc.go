// Package onionapi serves the onion module's local API to other modules of
// the same peer (usually the CM/UI module).
//
// Clients connect over TCP and exchange size/type framed messages:
//
//	TUNNEL_BUILD     reserved(15 bits) V(1 bit) | port(2) | ip(4 or 16) | hostkey
//	TUNNEL_READY     tunnelID(4) | hostkey
//	TUNNEL_INCOMING  tunnelID(4)
//	TUNNEL_DESTROY   tunnelID(4)
//	TUNNEL_DATA      tunnelID(4) | data
//	ERROR            requestType(2) | reserved(2) | tunnelID(4)
//	COVER            coverSize(2) | reserved(2)
//
// V set means the destination address is IPv6.
//
// A tunnel built by a client belongs to it: its READY and DATA messages go
// only to that client. Tunnels that end here (we are the destination) have
// no owner, so their INCOMING and DATA messages go to every client. Errors
// are reported to every client.
package onionapi
