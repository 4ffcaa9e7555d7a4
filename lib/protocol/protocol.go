// Package protocol implements the framing shared by the module APIs (onion,
// auth and rps).
//
// Protocol Overview:
//   - TCP-based, one message after the other, no handshake
//   - Each message has: size (2 bytes), type (2 bytes), body
//   - size counts the 4-byte header, so the smallest message is 4 bytes
//   - All integers are big endian
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// MessageType identifies a module API message.
type MessageType uint16

// Message type constants of the onion module and its neighbours.
const (
	// RPS
	RPSQuery MessageType = 540
	RPSPeer  MessageType = 541

	// Onion API
	OnionTunnelBuild    MessageType = 560
	OnionTunnelReady    MessageType = 561
	OnionTunnelIncoming MessageType = 562
	OnionTunnelDestroy  MessageType = 563
	OnionTunnelData     MessageType = 564
	OnionError          MessageType = 565
	OnionCover          MessageType = 566

	// Onion Auth
	AuthSessionStart       MessageType = 600
	AuthSessionHS1         MessageType = 601
	AuthSessionIncomingHS1 MessageType = 602
	AuthSessionHS2         MessageType = 603
	AuthSessionIncomingHS2 MessageType = 604
	AuthLayerEncrypt       MessageType = 605
	AuthLayerDecrypt       MessageType = 606
	AuthLayerEncryptResp   MessageType = 607
	AuthLayerDecryptResp   MessageType = 608
	AuthSessionClose       MessageType = 609
	AuthError              MessageType = 610
	AuthCipherEncrypt      MessageType = 611
	AuthCipherEncryptResp  MessageType = 612
	AuthCipherDecrypt      MessageType = 613
	AuthCipherDecryptResp  MessageType = 614
)

const (
	// HeaderSize is the size and type prefix of every message.
	HeaderSize = 4
	// MaxMessageSize is the largest value the size field can hold.
	MaxMessageSize = 0xFFFF
	// MaxBodySize is the largest body that fits a message.
	MaxBodySize = MaxMessageSize - HeaderSize

	// MessageReadTimeout bounds the time between the header and the end of a
	// message so a slow sender cannot pin a connection.
	MessageReadTimeout = 30 * time.Second
)

var (
	// ErrMessageTooLarge is returned when a body does not fit the size field.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrMessageTooShort is returned for a size field below HeaderSize.
	ErrMessageTooShort = errors.New("message too short")
)

// Message is one framed module API message.
type Message struct {
	Type MessageType
	Body []byte
}

// MarshalBinary serializes the message to wire format.
// Format: size(2) + type(2) + body(variable)
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Body) > MaxBodySize {
		return nil, oops.Wrapf(ErrMessageTooLarge, "%s body of %d bytes (max %d)", m.Type, len(m.Body), MaxBodySize)
	}
	out := make([]byte, HeaderSize+len(m.Body))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(out)))
	binary.BigEndian.PutUint16(out[2:4], uint16(m.Type))
	copy(out[HeaderSize:], m.Body)
	return out, nil
}

// UnmarshalBinary deserializes a message from wire format. Trailing bytes
// beyond the declared size are ignored.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return oops.Wrapf(ErrMessageTooShort, "need at least %d bytes, got %d", HeaderSize, len(data))
	}
	size := int(binary.BigEndian.Uint16(data[0:2]))
	if size < HeaderSize {
		return oops.Wrapf(ErrMessageTooShort, "declared size %d", size)
	}
	if len(data) < size {
		return oops.Errorf("message truncated: expected %d bytes, got %d", size, len(data))
	}
	m.Type = MessageType(binary.BigEndian.Uint16(data[2:4]))
	m.Body = make([]byte, size-HeaderSize)
	copy(m.Body, data[HeaderSize:size])
	return nil
}

// ReadMessage reads one complete message. When r is a net.Conn the body must
// arrive within MessageReadTimeout of the header.
func ReadMessage(r io.Reader) (*Message, error) {
	return ReadMessageTimeout(r, MessageReadTimeout)
}

// ReadMessageTimeout is ReadMessage with a custom body deadline. A zero
// timeout waits forever.
func ReadMessageTimeout(r io.Reader, timeout time.Duration) (*Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(header[0:2]))
	msgType := MessageType(binary.BigEndian.Uint16(header[2:4]))
	if size < HeaderSize {
		log.WithFields(logger.Fields{
			"at":        "protocol.ReadMessage",
			"reason":    "size_below_header",
			"size":      size,
			"msgType":   msgType.String(),
			"headerHex": fmt.Sprintf("%x", header),
		}).Warn("invalid message size")
		return nil, oops.Wrapf(ErrMessageTooShort, "declared size %d", size)
	}

	setReaderDeadline(r, timeout)
	body := make([]byte, size-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, oops.Wrapf(err, "read %s body of %d bytes", msgType, len(body))
	}
	clearReaderDeadline(r)

	log.WithFields(logger.Fields{
		"at":      "protocol.ReadMessage",
		"msgType": msgType.String(),
		"size":    size,
	}).Debug("message_read_successfully")
	return &Message{Type: msgType, Body: body}, nil
}

// WriteMessage writes one complete message.
func WriteMessage(w io.Writer, msg *Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return oops.Wrapf(err, "write %s", msg.Type)
	}
	log.WithFields(logger.Fields{
		"at":         "protocol.WriteMessage",
		"msgType":    msg.Type.String(),
		"totalBytes": len(data),
	}).Debug("message_written_successfully")
	return nil
}

func setReaderDeadline(r io.Reader, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	if conn, ok := r.(net.Conn); ok {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			log.WithError(err).Debug("failed_to_set_read_deadline")
		}
	}
}

func clearReaderDeadline(r io.Reader) {
	if conn, ok := r.(net.Conn); ok {
		_ = conn.SetReadDeadline(time.Time{})
	}
}

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case RPSQuery:
		return "RPS_QUERY"
	case RPSPeer:
		return "RPS_PEER"
	case OnionTunnelBuild:
		return "ONION_TUNNEL_BUILD"
	case OnionTunnelReady:
		return "ONION_TUNNEL_READY"
	case OnionTunnelIncoming:
		return "ONION_TUNNEL_INCOMING"
	case OnionTunnelDestroy:
		return "ONION_TUNNEL_DESTROY"
	case OnionTunnelData:
		return "ONION_TUNNEL_DATA"
	case OnionError:
		return "ONION_ERROR"
	case OnionCover:
		return "ONION_COVER"
	case AuthSessionStart:
		return "AUTH_SESSION_START"
	case AuthSessionHS1:
		return "AUTH_SESSION_HS1"
	case AuthSessionIncomingHS1:
		return "AUTH_SESSION_INCOMING_HS1"
	case AuthSessionHS2:
		return "AUTH_SESSION_HS2"
	case AuthSessionIncomingHS2:
		return "AUTH_SESSION_INCOMING_HS2"
	case AuthLayerEncrypt:
		return "AUTH_LAYER_ENCRYPT"
	case AuthLayerDecrypt:
		return "AUTH_LAYER_DECRYPT"
	case AuthLayerEncryptResp:
		return "AUTH_LAYER_ENCRYPT_RESP"
	case AuthLayerDecryptResp:
		return "AUTH_LAYER_DECRYPT_RESP"
	case AuthSessionClose:
		return "AUTH_SESSION_CLOSE"
	case AuthError:
		return "AUTH_ERROR"
	case AuthCipherEncrypt:
		return "AUTH_CIPHER_ENCRYPT"
	case AuthCipherEncryptResp:
		return "AUTH_CIPHER_ENCRYPT_RESP"
	case AuthCipherDecrypt:
		return "AUTH_CIPHER_DECRYPT"
	case AuthCipherDecryptResp:
		return "AUTH_CIPHER_DECRYPT_RESP"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
}
