// Package transport carries fixed-size peer-to-peer datagrams.
//
// # Overview
//
// The onion engine talks to its peers over a single datagram socket. This
// package hides that socket behind PacketConn so the engine can run on a
// real UDP socket in production and on an in-memory network in tests:
//   - UDPConn: a bound *net.UDPConn speaking binding.Binding addresses
//   - MemoryNetwork: a lossless switch connecting MemoryConns by binding
//
// # Thread Safety
//
// ReadFrom is called from a single reader goroutine. WriteTo may be called
// concurrently with ReadFrom. Close unblocks a pending ReadFrom.
//
// # Usage Example
//
//	conn, err := transport.ListenUDP(listen)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//	n, from, err := conn.ReadFrom(buf)
package transport
