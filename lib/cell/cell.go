package cell

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

const (
	// Length is the size of every datagram on the wire.
	Length = 1027
	// HeaderLength is the unencrypted preface: cell type and circuit id.
	HeaderLength = 3
	// PayloadLength is the size of the onion-encrypted part of a datagram.
	PayloadLength = Length - HeaderLength
	// RelayHeaderLength covers command, digest and stream id.
	RelayHeaderLength = 7
	// MaxRelayDataSize bounds every length field read from the wire.
	MaxRelayDataSize = 1024
	// Filler pads every datagram to Length.
	Filler byte = '?'
)

// Largest bodies that fit into a single datagram.
const (
	MaxHandshakeSize       = PayloadLength - 2
	MaxRelayDataLength     = PayloadLength - RelayHeaderLength - 2
	MaxExtendedLength      = MaxRelayDataLength
	MaxExtend4HandshakeLen = PayloadLength - RelayHeaderLength - 1 - 4 - 2 - 2
	MaxExtend6HandshakeLen = PayloadLength - RelayHeaderLength - 1 - 16 - 2 - 2
)

// Type is the unencrypted cell type.
type Type uint8

const (
	TypeInvalid   Type = 0
	TypeBuild     Type = 1
	TypeCreated   Type = 2
	TypeEncrypted Type = 3
)

// Command is the relay command inside an encrypted payload.
type Command uint8

const (
	CmdInvalid        Command = 0
	CmdRelayData      Command = 1
	CmdRelayExtend    Command = 2
	CmdRelayExtended  Command = 3
	CmdRelayTruncated Command = 4
	CmdDestroy        Command = 5
	CmdCover          Command = 7
)

// Cell is one decoded or to-be-encoded datagram.
//
// For ENCRYPTED cells Payload holds the raw relay payload exactly as it was
// received, so that it can be handed to the auth module untouched. Command
// is CmdInvalid while the payload is still encrypted.
type Cell struct {
	Type      Type
	CircuitID uint16

	Command  Command
	Digest   uint32
	StreamID uint16

	// Address and Port carry the next hop of a RELAY_EXTEND.
	Address netip.Addr
	Port    uint16

	// Data is the handshake of BUILD, CREATED, RELAY_EXTEND and
	// RELAY_EXTENDED cells, or the user data of RELAY_DATA.
	Data []byte

	Payload   []byte
	Malformed bool

	// Sender is filled in by the transport for received cells.
	Sender binding.Binding
}

// NewBuild returns a BUILD cell. It panics if the handshake does not fit.
func NewBuild(circuitID uint16, handshake []byte) Cell {
	mustFit(len(handshake), MaxHandshakeSize, "BUILD handshake")
	return Cell{Type: TypeBuild, CircuitID: circuitID, Data: handshake}
}

// NewCreated returns a CREATED cell. It panics if the handshake does not fit.
func NewCreated(circuitID uint16, handshake []byte) Cell {
	mustFit(len(handshake), MaxHandshakeSize, "CREATED handshake")
	return Cell{Type: TypeCreated, CircuitID: circuitID, Data: handshake}
}

// NewRelayData returns a RELAY_DATA cell.
func NewRelayData(circuitID, streamID uint16, data []byte) Cell {
	mustFit(len(data), MaxRelayDataLength, "RELAY_DATA body")
	return relay(circuitID, CmdRelayData, streamID, data)
}

// NewRelayExtend returns a RELAY_EXTEND cell asking the receiving hop to
// BUILD towards next.
func NewRelayExtend(circuitID, streamID uint16, next binding.Binding, handshake []byte) Cell {
	if next.Is4() {
		mustFit(len(handshake), MaxExtend4HandshakeLen, "RELAY_EXTEND handshake")
	} else {
		mustFit(len(handshake), MaxExtend6HandshakeLen, "RELAY_EXTEND handshake")
	}
	c := relay(circuitID, CmdRelayExtend, streamID, handshake)
	c.Address = next.Addr
	c.Port = next.Port
	return c
}

// NewRelayExtended returns a RELAY_EXTENDED cell.
func NewRelayExtended(circuitID, streamID uint16, handshake []byte) Cell {
	mustFit(len(handshake), MaxExtendedLength, "RELAY_EXTENDED handshake")
	return relay(circuitID, CmdRelayExtended, streamID, handshake)
}

// NewRelayTruncated returns a RELAY_TRUNCATED cell.
func NewRelayTruncated(circuitID, streamID uint16) Cell {
	return relay(circuitID, CmdRelayTruncated, streamID, nil)
}

// NewDestroy returns a CMD_DESTROY cell.
func NewDestroy(circuitID uint16) Cell {
	return relay(circuitID, CmdDestroy, 0, nil)
}

// NewCover returns a CMD_COVER cell. Its body is filler only.
func NewCover(circuitID uint16) Cell {
	return relay(circuitID, CmdCover, 0, nil)
}

func relay(circuitID uint16, cmd Command, streamID uint16, data []byte) Cell {
	return Cell{
		Type:      TypeEncrypted,
		CircuitID: circuitID,
		Command:   cmd,
		StreamID:  streamID,
		Data:      data,
	}
}

func mustFit(n, limit int, what string) {
	if n > limit {
		panic(fmt.Sprintf("cell: %s of %d bytes exceeds %d", what, n, limit))
	}
}

// Target returns the RELAY_EXTEND next hop as a Binding.
func (c Cell) Target() binding.Binding {
	return binding.New(c.Address, c.Port)
}

// TypeString names the cell for logs, e.g. "ENCRYPTED -> RELAY_DATA".
func (c Cell) TypeString() string {
	switch c.Type {
	case TypeBuild:
		return "BUILD"
	case TypeCreated:
		return "CREATED"
	case TypeEncrypted:
		return "ENCRYPTED -> " + c.Command.String()
	default:
		return fmt.Sprintf("INVALID(%d)", c.Type)
	}
}

func (cmd Command) String() string {
	switch cmd {
	case CmdRelayData:
		return "RELAY_DATA"
	case CmdRelayExtend:
		return "RELAY_EXTEND"
	case CmdRelayExtended:
		return "RELAY_EXTENDED"
	case CmdRelayTruncated:
		return "RELAY_TRUNCATED"
	case CmdDestroy:
		return "CMD_DESTROY"
	case CmdCover:
		return "CMD_COVER"
	default:
		return "CMD_INVALID"
	}
}

// Marshal encodes the cell into exactly Length bytes. ENCRYPTED cells are
// written in plaintext with a digest from d.
func (c Cell) Marshal(d Digester) []byte {
	switch c.Type {
	case TypeBuild, TypeCreated:
		out := make([]byte, Length)
		out[0] = byte(c.Type)
		binary.BigEndian.PutUint16(out[1:3], c.CircuitID)
		n := putBlock(out[HeaderLength:], c.Data)
		fill(out[HeaderLength+n:])
		return out
	case TypeEncrypted:
		return ComposeEncrypted(c.CircuitID, c.MarshalRelayPayload(d))
	default:
		panic(fmt.Sprintf("cell: cannot marshal cell type %d", c.Type))
	}
}

// MarshalRelayPayload encodes the plaintext relay payload of an ENCRYPTED
// cell, PayloadLength bytes, sealed with d.
func (c Cell) MarshalRelayPayload(d Digester) []byte {
	out := make([]byte, PayloadLength)
	out[0] = byte(c.Command)
	binary.BigEndian.PutUint16(out[5:7], c.StreamID)
	body := out[RelayHeaderLength:]
	n := 0
	switch c.Command {
	case CmdRelayData, CmdRelayExtended:
		n = putBlock(body, c.Data)
	case CmdRelayExtend:
		if c.Address.Is4() {
			body[0] = 4
			a := c.Address.As4()
			copy(body[1:5], a[:])
			n = 5
		} else {
			body[0] = 6
			a := c.Address.As16()
			copy(body[1:17], a[:])
			n = 17
		}
		binary.BigEndian.PutUint16(body[n:n+2], c.Port)
		n += 2
		n += putBlock(body[n:], c.Data)
	case CmdRelayTruncated, CmdDestroy, CmdCover:
	default:
		panic(fmt.Sprintf("cell: cannot marshal command %d", c.Command))
	}
	fill(body[n:])
	digester(d).Seal(out)
	return out
}

// ComposeEncrypted prefixes an opaque relay payload with the ENCRYPTED cell
// header. The payload must be exactly PayloadLength bytes.
func ComposeEncrypted(circuitID uint16, payload []byte) []byte {
	if len(payload) != PayloadLength {
		panic(fmt.Sprintf("cell: encrypted payload of %d bytes, want %d", len(payload), PayloadLength))
	}
	out := make([]byte, Length)
	out[0] = byte(TypeEncrypted)
	binary.BigEndian.PutUint16(out[1:3], circuitID)
	copy(out[HeaderLength:], payload)
	return out
}

// putBlock writes len(data) as two bytes followed by data.
func putBlock(dst, data []byte) int {
	binary.BigEndian.PutUint16(dst[0:2], uint16(len(data)))
	copy(dst[2:], data)
	return 2 + len(data)
}

func fill(b []byte) {
	for i := range b {
		b[i] = Filler
	}
}
