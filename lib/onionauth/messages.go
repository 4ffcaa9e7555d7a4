package onionauth

import (
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Handler receives the module's answers.
type Handler interface {
	OnSessionHS1(requestID uint32, sessionID uint16, handshake []byte)
	OnSessionHS2(requestID uint32, sessionID uint16, handshake []byte)
	OnEncrypted(requestID uint32, sessionID uint16, payload []byte)
	OnDecrypted(requestID uint32, payload []byte)
	OnAuthError(requestID uint32)
}

// Response is a decoded answer from the module.
type Response struct {
	Type      protocol.MessageType
	RequestID uint32
	SessionID uint16
	Payload   []byte
}

func sessionStart(requestID uint32, hostkey []byte) *protocol.Message {
	return new(protocol.Writer).Uint32(0).Uint32(requestID).Bytes(hostkey).
		Message(protocol.AuthSessionStart)
}

func incomingHS1(requestID uint32, handshake []byte) *protocol.Message {
	return new(protocol.Writer).Uint32(0).Uint32(requestID).Bytes(handshake).
		Message(protocol.AuthSessionIncomingHS1)
}

func incomingHS2(requestID uint32, sessionID uint16, handshake []byte) *protocol.Message {
	return new(protocol.Writer).Uint16(0).Uint16(sessionID).Uint32(requestID).Bytes(handshake).
		Message(protocol.AuthSessionIncomingHS2)
}

func cipher(t protocol.MessageType, requestID uint32, sessionID uint16, payload []byte) *protocol.Message {
	return new(protocol.Writer).Uint16(0).Uint16(sessionID).Uint32(requestID).Bytes(payload).Message(t)
}

func layer(t protocol.MessageType, requestID uint32, sessionIDs []uint16, payload []byte) (*protocol.Message, error) {
	if len(sessionIDs) == 0 || len(sessionIDs) > 0xFF {
		return nil, oops.Errorf("%s with %d layers", t, len(sessionIDs))
	}
	w := new(protocol.Writer).Uint16(0).Uint8(0).Uint8(uint8(len(sessionIDs))).Uint32(requestID)
	for _, id := range sessionIDs {
		w.Uint16(id)
	}
	return w.Bytes(payload).Message(t), nil
}

func sessionClose(sessionID uint16) *protocol.Message {
	return new(protocol.Writer).Uint16(0).Uint16(sessionID).Message(protocol.AuthSessionClose)
}

// ParseResponse decodes a message sent by the module.
func ParseResponse(m *protocol.Message) (Response, error) {
	r := protocol.NewReader(m)
	resp := Response{Type: m.Type}
	switch m.Type {
	case protocol.AuthSessionHS1, protocol.AuthSessionHS2, protocol.AuthCipherEncryptResp:
		r.Uint16()
		resp.SessionID = r.Uint16()
		resp.RequestID = r.Uint32()
		resp.Payload = r.Rest()
	case protocol.AuthCipherDecryptResp, protocol.AuthLayerEncryptResp, protocol.AuthLayerDecryptResp:
		r.Uint32()
		resp.RequestID = r.Uint32()
		resp.Payload = r.Rest()
	case protocol.AuthError:
		r.Uint32()
		resp.RequestID = r.Uint32()
	default:
		return Response{}, oops.Errorf("unexpected auth message %s", m.Type)
	}
	if r.Err != nil {
		return Response{}, oops.Wrapf(r.Err, "parse %s", m.Type)
	}
	return resp, nil
}

// Dispatch hands a response to h.
func (resp Response) Dispatch(h Handler) {
	switch resp.Type {
	case protocol.AuthSessionHS1:
		h.OnSessionHS1(resp.RequestID, resp.SessionID, resp.Payload)
	case protocol.AuthSessionHS2:
		h.OnSessionHS2(resp.RequestID, resp.SessionID, resp.Payload)
	case protocol.AuthCipherEncryptResp:
		h.OnEncrypted(resp.RequestID, resp.SessionID, resp.Payload)
	case protocol.AuthLayerEncryptResp:
		h.OnEncrypted(resp.RequestID, 0, resp.Payload)
	case protocol.AuthCipherDecryptResp, protocol.AuthLayerDecryptResp:
		h.OnDecrypted(resp.RequestID, resp.Payload)
	case protocol.AuthError:
		h.OnAuthError(resp.RequestID)
	}
}
