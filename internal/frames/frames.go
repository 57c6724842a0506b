// Package frames implements the AMQP 1.0 frame header and the
// performative and terminus composite types carried in frame bodies.
package frames

import (
	"encoding/binary"
	"fmt"

	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/encoding"
)

// Type identifies the frame's extended-header dialect.
type Type uint8

const (
	TypeAMQP Type = 0x0
	TypeSASL Type = 0x1
)

// HeaderSize is the fixed 8-byte frame header size.
const HeaderSize = 8

// Header is the fixed frame header: total size, data offset (in 4-byte
// words, counting the header itself), frame type, and channel.
type Header struct {
	Size       uint32
	DataOffset uint8
	FrameType  Type
	Channel    uint16
}

// Marshal writes the header in its 8-byte wire form.
func (h Header) Marshal(wr *buffer.Buffer) {
	wr.AppendUint32(h.Size)
	wr.AppendByte(h.DataOffset)
	wr.AppendByte(byte(h.FrameType))
	wr.AppendUint16(h.Channel)
}

// ParseHeader decodes an 8-byte frame header from buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("frames: short header, need %d bytes, got %d", HeaderSize, len(buf))
	}
	h := Header{
		Size:       binary.BigEndian.Uint32(buf[0:4]),
		DataOffset: buf[4],
		FrameType:  Type(buf[5]),
		Channel:    binary.BigEndian.Uint16(buf[6:8]),
	}
	if h.DataOffset < 2 {
		return Header{}, fmt.Errorf("frames: malformed data offset %d", h.DataOffset)
	}
	if h.Size < HeaderSize {
		return Header{}, fmt.Errorf("frames: malformed frame size %d", h.Size)
	}
	return h, nil
}

// FrameBody is implemented by every performative and SASL frame body.
type FrameBody interface {
	fmt.Stringer
	Marshal(wr *buffer.Buffer) error
}

// Frame pairs a decoded header, channel, and body for hand-off between
// the connection reader and the per-session/per-link dispatchers.
type Frame struct {
	Type    Type
	Channel uint16
	Body    FrameBody
}

// ParseBody reads the descriptor of a frame body and dispatches to the
// matching performative/SASL type's Unmarshal.
func ParseBody(r *buffer.Buffer) (FrameBody, error) {
	code, err := peekDescriptor(r)
	if err != nil {
		return nil, err
	}

	var body FrameBody
	switch encoding.AMQPType(code) {
	case encoding.TypeCodeOpen:
		body = new(PerformOpen)
	case encoding.TypeCodeBegin:
		body = new(PerformBegin)
	case encoding.TypeCodeAttach:
		body = new(PerformAttach)
	case encoding.TypeCodeFlow:
		body = new(PerformFlow)
	case encoding.TypeCodeTransfer:
		body = new(PerformTransfer)
	case encoding.TypeCodeDisposition:
		body = new(PerformDisposition)
	case encoding.TypeCodeDetach:
		body = new(PerformDetach)
	case encoding.TypeCodeEnd:
		body = new(PerformEnd)
	case encoding.TypeCodeClose:
		body = new(PerformClose)
	case encoding.TypeCodeSASLMechanisms:
		body = new(SASLMechanisms)
	case encoding.TypeCodeSASLInit:
		body = new(SASLInit)
	case encoding.TypeCodeSASLChallenge:
		body = new(SASLChallenge)
	case encoding.TypeCodeSASLResponse:
		body = new(SASLResponse)
	case encoding.TypeCodeSASLOutcome:
		body = new(SASLOutcome)
	default:
		return nil, fmt.Errorf("frames: unknown performative descriptor %#02x", code)
	}

	if u, ok := body.(interface {
		Unmarshal(r *buffer.Buffer) error
	}); ok {
		if err := u.Unmarshal(r); err != nil {
			return nil, err
		}
		return body, nil
	}
	return nil, fmt.Errorf("frames: body %T missing Unmarshal", body)
}

// peekDescriptor reads past the 0x0 descriptor-constructor and small-ulong
// (or ulong) code without consuming bytes from r, returning the
// descriptor code.
func peekDescriptor(r *buffer.Buffer) (uint64, error) {
	buf, ok := r.Peek(3)
	if !ok {
		return 0, fmt.Errorf("frames: buffer underrun peeking descriptor")
	}
	if buf[0] != 0x0 {
		return 0, fmt.Errorf("frames: expected descriptor constructor, got %#02x", buf[0])
	}
	switch encoding.AMQPType(buf[1]) {
	case encoding.TypeCodeSmallUlong:
		return uint64(buf[2]), nil
	case encoding.TypeCodeUlong:
		b, ok := r.Peek(10)
		if !ok {
			return 0, fmt.Errorf("frames: buffer underrun peeking ulong descriptor")
		}
		return binary.BigEndian.Uint64(b[2:10]), nil
	default:
		return 0, fmt.Errorf("frames: unsupported descriptor encoding %#02x", buf[1])
	}
}
