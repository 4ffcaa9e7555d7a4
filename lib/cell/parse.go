package cell

import (
	"encoding/binary"
	"net/netip"

	"github.com/go-i2p/logger"
)

// Parse decodes a received datagram. ENCRYPTED payloads are decoded only if
// d accepts their digest; otherwise Command stays CmdInvalid and the raw
// bytes are kept in Payload.
func Parse(buf []byte, d Digester) Cell {
	if len(buf) != Length {
		log.WithFields(logger.Fields{
			"at":       "cell.Parse",
			"reason":   "wrong_datagram_size",
			"size":     len(buf),
			"expected": Length,
		}).Debug("malformed datagram")
		return Cell{Malformed: true}
	}
	t := Type(buf[0])
	circuitID := binary.BigEndian.Uint16(buf[1:3])
	switch t {
	case TypeBuild, TypeCreated:
		data, ok := readBlock(buf[HeaderLength:])
		return Cell{Type: t, CircuitID: circuitID, Data: data, Malformed: !ok}
	case TypeEncrypted:
		payload := make([]byte, PayloadLength)
		copy(payload, buf[HeaderLength:])
		c := ParseRelayPayload(payload, circuitID, d)
		c.Payload = payload
		return c
	default:
		log.WithFields(logger.Fields{
			"at":       "cell.Parse",
			"reason":   "unknown_cell_type",
			"celltype": uint8(t),
		}).Debug("malformed datagram")
		return Cell{Type: TypeInvalid, CircuitID: circuitID, Malformed: true}
	}
}

// ParseRelayPayload decodes a (possibly still encrypted) relay payload.
func ParseRelayPayload(payload []byte, circuitID uint16, d Digester) Cell {
	c := Cell{Type: TypeEncrypted, CircuitID: circuitID, Payload: payload}
	if len(payload) != PayloadLength {
		c.Malformed = true
		return c
	}
	c.Digest = binary.BigEndian.Uint32(payload[1:5])
	c.StreamID = binary.BigEndian.Uint16(payload[5:7])
	if !digester(d).Verify(payload) {
		// still encrypted for another hop
		return c
	}

	c.Command = Command(payload[0])
	body := payload[RelayHeaderLength:]
	var ok bool
	switch c.Command {
	case CmdRelayData, CmdRelayExtended:
		c.Data, ok = readBlock(body)
	case CmdRelayExtend:
		ok = c.parseExtend(body)
	case CmdRelayTruncated, CmdDestroy, CmdCover:
		ok = true
	default:
		log.WithFields(logger.Fields{
			"at":      "cell.ParseRelayPayload",
			"reason":  "unknown_command_with_valid_digest",
			"command": uint8(c.Command),
		}).Debug("malformed relay payload")
		c.Command = CmdInvalid
	}
	c.Malformed = !ok
	return c
}

func (c *Cell) parseExtend(body []byte) bool {
	var n int
	switch body[0] {
	case 4:
		c.Address = netip.AddrFrom4([4]byte(body[1:5]))
		n = 5
	case 6:
		c.Address = netip.AddrFrom16([16]byte(body[1:17]))
		n = 17
	default:
		log.WithField("ip_version", body[0]).Debug("invalid ip version in RELAY_EXTEND")
		return false
	}
	c.Port = binary.BigEndian.Uint16(body[n : n+2])
	var ok bool
	c.Data, ok = readBlock(body[n+2:])
	return ok
}

// readBlock reads a two-byte length followed by that many bytes. Lengths
// above MaxRelayDataSize or past the end of b are rejected.
func readBlock(b []byte) ([]byte, bool) {
	if len(b) < 2 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if n > MaxRelayDataSize || n > len(b)-2 {
		log.WithFields(logger.Fields{
			"at":        "cell.readBlock",
			"reason":    "length_field_out_of_range",
			"length":    n,
			"available": len(b) - 2,
		}).Debug("rejecting length field")
		return nil, false
	}
	data := make([]byte, n)
	copy(data, b[2:2+n])
	return data, true
}
