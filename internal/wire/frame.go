// Package wire is the framing used on the control channel between the
// inference process and the CAN-owning process.
//
// Every frame is a 4-byte big-endian length, a 1-byte type and a msgpack
// payload. The length counts the type byte and the payload.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds the length field of a single frame.
const MaxFrameSize = 1 << 20

const headerSize = 4

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize in either
	// direction. The stream cannot be resynchronised afterwards.
	ErrFrameTooLarge = errors.New("wire: frame too large")
	// ErrUnknownType is returned for a frame whose type byte is not known.
	ErrUnknownType = errors.New("wire: unknown frame type")
	// ErrEmptyFrame is returned for a zero length field.
	ErrEmptyFrame = errors.New("wire: empty frame")
)

// Type tags a frame.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeWelcome
	TypeControlUpdate
	TypeTelemetry
	TypeHeartbeat
	TypeGoodbye
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeWelcome:
		return "welcome"
	case TypeControlUpdate:
		return "control_update"
	case TypeTelemetry:
		return "telemetry"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeGoodbye:
		return "goodbye"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	return t >= TypeHello && t <= TypeGoodbye
}

// Frame is one undecoded frame read from the stream.
type Frame struct {
	Type    Type
	Payload []byte
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v interface{}) error {
	if err := msgpack.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Encoder writes frames to an io.Writer. It is not safe for concurrent use.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as a single frame of type t. The header and
// payload go out in one Write call.
func (e *Encoder) Encode(t Type, v interface{}) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", t, err)
	}
	n := len(payload) + 1
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	e.buf = e.buf[:0]
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(n))
	e.buf = append(e.buf, byte(t))
	e.buf = append(e.buf, payload...)
	_, err = e.w.Write(e.buf)
	return err
}

// Decoder reads frames from an io.Reader. It is not safe for concurrent use.
type Decoder struct {
	r   *bufio.Reader
	hdr [headerSize]byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next reads one frame. A clean end of stream between frames returns io.EOF;
// a stream cut mid-frame returns io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(d.hdr[:])
	if n == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	f := Frame{Type: Type(body[0]), Payload: body[1:]}
	if !f.Type.Valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, body[0])
	}
	return f, nil
}
