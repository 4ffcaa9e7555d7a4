package onionapi

import (
	"errors"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/samber/oops"
)

// flagIPv6 is the V bit of TUNNEL_BUILD.
const flagIPv6 = 0x0001

// ErrUnexpectedMessage is returned when a message of the wrong type is
// parsed.
var ErrUnexpectedMessage = errors.New("unexpected message type")

// TunnelBuild is a decoded ONION_TUNNEL_BUILD.
type TunnelBuild struct {
	Destination binding.Binding
	Hostkey     []byte
}

// Message encodes the request.
func (b TunnelBuild) Message() *protocol.Message {
	var flags uint16
	if !b.Destination.Is4() {
		flags |= flagIPv6
	}
	return new(protocol.Writer).Uint16(flags).Uint16(b.Destination.Port).
		Addr(b.Destination.Addr).Bytes(b.Hostkey).Message(protocol.OnionTunnelBuild)
}

// ParseTunnelBuild decodes an ONION_TUNNEL_BUILD body.
func ParseTunnelBuild(m *protocol.Message) (TunnelBuild, error) {
	if m.Type != protocol.OnionTunnelBuild {
		return TunnelBuild{}, oops.Wrapf(ErrUnexpectedMessage, "%s", m.Type)
	}
	r := protocol.NewReader(m)
	flags := r.Uint16()
	port := r.Uint16()
	addr := r.Addr(flags&flagIPv6 != 0)
	hostkey := r.Rest()
	if r.Err != nil {
		return TunnelBuild{}, oops.Wrapf(r.Err, "ONION_TUNNEL_BUILD")
	}
	dest := binding.New(addr, port)
	if !dest.IsValid() || port == 0 {
		return TunnelBuild{}, oops.Errorf("ONION_TUNNEL_BUILD to invalid destination %s", dest)
	}
	return TunnelBuild{Destination: dest, Hostkey: hostkey}, nil
}

// TunnelData is a decoded ONION_TUNNEL_DATA.
type TunnelData struct {
	TunnelID uint32
	Data     []byte
}

// ParseTunnelData decodes an ONION_TUNNEL_DATA body.
func ParseTunnelData(m *protocol.Message) (TunnelData, error) {
	if m.Type != protocol.OnionTunnelData {
		return TunnelData{}, oops.Wrapf(ErrUnexpectedMessage, "%s", m.Type)
	}
	r := protocol.NewReader(m)
	d := TunnelData{TunnelID: r.Uint32(), Data: r.Rest()}
	if r.Err != nil {
		return TunnelData{}, oops.Wrapf(r.Err, "ONION_TUNNEL_DATA")
	}
	return d, nil
}

// ParseTunnelDestroy returns the tunnel id of an ONION_TUNNEL_DESTROY.
func ParseTunnelDestroy(m *protocol.Message) (uint32, error) {
	if m.Type != protocol.OnionTunnelDestroy {
		return 0, oops.Wrapf(ErrUnexpectedMessage, "%s", m.Type)
	}
	r := protocol.NewReader(m)
	id := r.Uint32()
	if r.Err != nil {
		return 0, oops.Wrapf(r.Err, "ONION_TUNNEL_DESTROY")
	}
	return id, nil
}

// ParseCover returns the cover traffic size of an ONION_COVER.
func ParseCover(m *protocol.Message) (uint16, error) {
	if m.Type != protocol.OnionCover {
		return 0, oops.Wrapf(ErrUnexpectedMessage, "%s", m.Type)
	}
	r := protocol.NewReader(m)
	size := r.Uint16()
	r.Uint16()
	if r.Err != nil {
		return 0, oops.Wrapf(r.Err, "ONION_COVER")
	}
	return size, nil
}

// ErrorReport is a decoded ONION_ERROR.
type ErrorReport struct {
	RequestType protocol.MessageType
	TunnelID    uint32
}

// ParseError decodes an ONION_ERROR.
func ParseError(m *protocol.Message) (ErrorReport, error) {
	if m.Type != protocol.OnionError {
		return ErrorReport{}, oops.Wrapf(ErrUnexpectedMessage, "%s", m.Type)
	}
	r := protocol.NewReader(m)
	e := ErrorReport{RequestType: protocol.MessageType(r.Uint16())}
	r.Uint16()
	e.TunnelID = r.Uint32()
	if r.Err != nil {
		return ErrorReport{}, oops.Wrapf(r.Err, "ONION_ERROR")
	}
	return e, nil
}

// TunnelReadyMessage returns an ONION_TUNNEL_READY.
func TunnelReadyMessage(tunnelID uint32, hostkey []byte) *protocol.Message {
	return new(protocol.Writer).Uint32(tunnelID).Bytes(hostkey).Message(protocol.OnionTunnelReady)
}

// TunnelIncomingMessage returns an ONION_TUNNEL_INCOMING.
func TunnelIncomingMessage(tunnelID uint32) *protocol.Message {
	return new(protocol.Writer).Uint32(tunnelID).Message(protocol.OnionTunnelIncoming)
}

// TunnelDestroyMessage returns an ONION_TUNNEL_DESTROY.
func TunnelDestroyMessage(tunnelID uint32) *protocol.Message {
	return new(protocol.Writer).Uint32(tunnelID).Message(protocol.OnionTunnelDestroy)
}

// TunnelDataMessage returns an ONION_TUNNEL_DATA.
func TunnelDataMessage(tunnelID uint32, data []byte) *protocol.Message {
	return new(protocol.Writer).Uint32(tunnelID).Bytes(data).Message(protocol.OnionTunnelData)
}

// ErrorMessage returns an ONION_ERROR for a failed request of type t.
func ErrorMessage(t protocol.MessageType, tunnelID uint32) *protocol.Message {
	return new(protocol.Writer).Uint16(uint16(t)).Uint16(0).Uint32(tunnelID).Message(protocol.OnionError)
}

// CoverMessage returns an ONION_COVER.
func CoverMessage(size uint16) *protocol.Message {
	return new(protocol.Writer).Uint16(size).Uint16(0).Message(protocol.OnionCover)
}

// ReadyReport is a decoded ONION_TUNNEL_READY.
type ReadyReport struct {
	TunnelID uint32
	Hostkey  []byte
}

// ParseTunnelReady decodes an ONION_TUNNEL_READY.
func ParseTunnelReady(m *protocol.Message) (ReadyReport, error) {
	if m.Type != protocol.OnionTunnelReady {
		return ReadyReport{}, oops.Wrapf(ErrUnexpectedMessage, "%s", m.Type)
	}
	r := protocol.NewReader(m)
	rep := ReadyReport{TunnelID: r.Uint32(), Hostkey: r.Rest()}
	if r.Err != nil {
		return ReadyReport{}, oops.Wrapf(r.Err, "ONION_TUNNEL_READY")
	}
	return rep, nil
}

// ParseTunnelIncoming returns the tunnel id of an ONION_TUNNEL_INCOMING.
func ParseTunnelIncoming(m *protocol.Message) (uint32, error) {
	if m.Type != protocol.OnionTunnelIncoming {
		return 0, oops.Wrapf(ErrUnexpectedMessage, "%s", m.Type)
	}
	r := protocol.NewReader(m)
	id := r.Uint32()
	if r.Err != nil {
		return 0, oops.Wrapf(r.Err, "ONION_TUNNEL_INCOMING")
	}
	return id, nil
}
