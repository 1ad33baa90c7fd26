package lib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
)

// HeaderSize is the size in bytes of an encoded frame header.
const HeaderSize = 4 + 4

var (
	// ErrBufferUnderflow is returned when extracting more bytes than a body holds.
	ErrBufferUnderflow = errors.New("buffer underflow")

	// ErrNotFlat is returned when a value has no fixed-size binary representation.
	ErrNotFlat = errors.New("value is not fixed-size")

	// ErrKindRange is returned for a header whose kind does not fit the kind type.
	ErrKindRange = errors.New("message kind out of range")
)

// Kind is the set of enumeration types usable as a message discriminant.
type Kind interface {
	~uint8 | ~uint16 | ~uint32
}

// Header prefixes every frame on the wire.
type Header[K Kind] struct {
	Kind K      // message discriminant
	Size uint32 // body length in bytes
}

func (h Header[K]) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(h.Kind))
	dst = bytesutil.AppendUint32BE(dst, h.Size)
	return dst
}

func UnmarshalHeader[K Kind](buf []byte) (Header[K], error) {
	var h Header[K]
	if len(buf) < HeaderSize {
		return h, io.ErrUnexpectedEOF
	}
	kind := bytesutil.Uint32BE(buf[:4])
	if uint32(K(kind)) != kind {
		return h, fmt.Errorf("%w: %d", ErrKindRange, kind)
	}
	h.Kind = K(kind)
	h.Size = bytesutil.Uint32BE(buf[4:8])
	return h, nil
}

// Message is a framed unit of data. Values are appended to and extracted from
// the body in stack order: the last value appended is the first extracted.
//
// Body values are stored little-endian, byte for byte, and are only meant to
// be read back by peers using the same layout.
type Message[K Kind] struct {
	Header Header[K]
	Body   []byte
}

// NewMessage returns an empty message of the given kind.
func NewMessage[K Kind](kind K) *Message[K] {
	return &Message[K]{Header: Header[K]{Kind: kind}}
}

// Kind returns the message discriminant.
func (m *Message[K]) Kind() K { return m.Header.Kind }

// Size returns the body length, header excluded.
func (m *Message[K]) Size() int { return len(m.Body) }

// Append pushes the raw bytes of v onto the body. v must be fixed-size: a
// number, a bool, or an array, struct or slice made only of those.
func (m *Message[K]) Append(v any) error {
	if binary.Size(v) < 0 {
		return fmt.Errorf("append %T: %w", v, ErrNotFlat)
	}
	body, err := binary.Append(m.Body, binary.LittleEndian, v)
	if err != nil {
		return fmt.Errorf("append %T: %w", v, err)
	}
	m.setBody(body)
	return nil
}

// AppendBytes pushes raw bytes onto the body.
func (m *Message[K]) AppendBytes(b []byte) {
	m.setBody(append(m.Body, b...))
}

// Extract pops the last binary.Size(v) bytes of the body into v, which must be
// a pointer to a fixed-size value or a fixed-size slice. The message is left
// untouched if the body is too short.
func (m *Message[K]) Extract(v any) error {
	n := binary.Size(v)
	if n < 0 {
		return fmt.Errorf("extract %T: %w", v, ErrNotFlat)
	}
	if n > len(m.Body) {
		return fmt.Errorf("extract %T: need %d bytes, have %d: %w", v, n, len(m.Body), ErrBufferUnderflow)
	}
	i := len(m.Body) - n
	if _, err := binary.Decode(m.Body[i:], binary.LittleEndian, v); err != nil {
		return fmt.Errorf("extract %T: %w", v, err)
	}
	m.setBody(m.Body[:i])
	return nil
}

// Reader returns a cursor reading the body front to back, in append order.
// It does not modify the message.
func (m *Message[K]) Reader() *BodyReader {
	return &BodyReader{buf: m.Body}
}

// AppendTo encodes the whole frame, header and body, onto dst.
func (m *Message[K]) AppendTo(dst []byte) []byte {
	dst = Header[K]{Kind: m.Header.Kind, Size: uint32(len(m.Body))}.AppendTo(dst)
	dst = append(dst, m.Body...)
	return dst
}

func (m *Message[K]) String() string {
	return fmt.Sprintf("kind:%d size:%d", m.Header.Kind, len(m.Body))
}

func (m *Message[K]) setBody(body []byte) {
	m.Body = body
	m.Header.Size = uint32(len(body))
}

// BodyReader reads fixed-size values from a message body in the order they
// were appended.
type BodyReader struct {
	buf []byte
	off int
}

func (r *BodyReader) Read(v any) error {
	n := binary.Size(v)
	if n < 0 {
		return fmt.Errorf("read %T: %w", v, ErrNotFlat)
	}
	if n > r.Remaining() {
		return fmt.Errorf("read %T: need %d bytes, have %d: %w", v, n, r.Remaining(), ErrBufferUnderflow)
	}
	if _, err := binary.Decode(r.buf[r.off:r.off+n], binary.LittleEndian, v); err != nil {
		return fmt.Errorf("read %T: %w", v, err)
	}
	r.off += n
	return nil
}

// Remaining returns the number of unread body bytes.
func (r *BodyReader) Remaining() int { return len(r.buf) - r.off }
