package protocol

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/samber/oops"
)

// ErrShortBody is returned when a body ends before a fixed field.
var ErrShortBody = errors.New("message body too short")

// Writer appends big-endian fields to a message body.
type Writer struct {
	buf []byte
}

func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Addr appends the 4 or 16 address bytes.
func (w *Writer) Addr(a netip.Addr) *Writer {
	return w.Bytes(a.AsSlice())
}

// Message wraps the body into a message of type t.
func (w *Writer) Message(t MessageType) *Message {
	return &Message{Type: t, Body: w.buf}
}

// Reader consumes big-endian fields from a message body. The first short
// read sets Err and every later call returns zero values.
type Reader struct {
	buf []byte
	Err error
}

// NewReader reads the body of m.
func NewReader(m *Message) *Reader {
	return &Reader{buf: m.Body}
}

func (r *Reader) take(n int) []byte {
	if r.Err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.Err = oops.Wrapf(ErrShortBody, "need %d more bytes, have %d", n, len(r.buf))
		r.buf = nil
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *Reader) Uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) Uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) Uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// Addr reads a 16-byte address if ipv6 is set, otherwise 4 bytes.
func (r *Reader) Addr(ipv6 bool) netip.Addr {
	if ipv6 {
		if b := r.take(16); b != nil {
			return netip.AddrFrom16([16]byte(b))
		}
		return netip.Addr{}
	}
	if b := r.take(4); b != nil {
		return netip.AddrFrom4([4]byte(b))
	}
	return netip.Addr{}
}

// Rest returns a copy of the unread bytes.
func (r *Reader) Rest() []byte {
	if r.Err != nil {
		return nil
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	r.buf = nil
	return out
}
