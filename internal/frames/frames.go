// Package frames implements the AMQP 1.0 frame codec: the 8-byte
// transport frame header, the protocol header exchanged at connection
// start, and the described-list performatives (open/begin/attach/flow/
// transfer/disposition/detach/end/close) plus the SASL frame bodies.
//
// Everything here reads and writes through internal/encoding, which
// owns the AMQP type system; this package only knows the shapes of
// the composite performatives themselves.
package frames

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
)

// Frame types, carried in the transport header's type octet.
const (
	TypeAMQP uint8 = 0x0
	TypeSASL uint8 = 0x1

	HeaderSize = 8
)

// Performative descriptor codes (amqp:<name>:list, domain 0x00000000).
const (
	TypeCodeOpen         uint64 = 0x10
	TypeCodeBegin        uint64 = 0x11
	TypeCodeAttach       uint64 = 0x12
	TypeCodeFlow         uint64 = 0x13
	TypeCodeTransfer     uint64 = 0x14
	TypeCodeDisposition  uint64 = 0x15
	TypeCodeDetach       uint64 = 0x16
	TypeCodeEnd          uint64 = 0x17
	TypeCodeClose        uint64 = 0x18
	TypeCodeSASLMechanisms uint64 = 0x40
	TypeCodeSASLInit       uint64 = 0x41
	TypeCodeSASLChallenge  uint64 = 0x42
	TypeCodeSASLResponse   uint64 = 0x43
	TypeCodeSASLOutcome    uint64 = 0x44
)

// Frame is the decoded representation of one transport frame: a type,
// a channel, and a body. Extended headers (doff > 2) are skipped on
// read and never produced on write.
type Frame struct {
	Type    uint8
	Channel uint16
	Body    Body

	// Done is neither set nor read by Write or by the connection's
	// writer; a Transfer's completion is signalled through
	// PerformTransfer.Done instead.
	Done chan encoding.DeliveryState
}

// Body adds type safety to the set of things that can ride in a Frame.
type Body interface {
	frameBody()
}

// Write encodes fr to wr, patching in the final size once the body is
// known. wr must be otherwise empty; Write always begins at offset 0.
func Write(wr *buffer.Buffer, fr Frame) error {
	wr.Write([]byte{
		0, 0, 0, 0, // size, patched below
		2, // data offset in 4-byte words; no extended header
		fr.Type,
	})
	wr.WriteUint16(fr.Channel)

	// A nil Body produces a truly empty frame (heartbeat): the 8-byte
	// header with nothing after it, not an encoded AMQP null.
	if fr.Body != nil {
		if err := encoding.WriteFrameBody(wr, fr.Body); err != nil {
			return err
		}
	}

	if uint(wr.Len()) > math.MaxUint32 {
		return errors.New("frames: frame too large to encode")
	}

	b := wr.Bytes()
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	return nil
}

// Header is the 8-byte fixed transport frame header.
type Header struct {
	Size       uint32
	DataOffset uint8
	Type       uint8
	Channel    uint16
}

// ReadHeader parses the fixed 8-byte frame header from r.
func ReadHeader(r *buffer.Buffer) (Header, error) {
	buf, err := r.Next(HeaderSize)
	if err != nil {
		return Header{}, err
	}
	h := Header{
		Size:       binary.BigEndian.Uint32(buf[0:4]),
		DataOffset: buf[4],
		Type:       buf[5],
		Channel:    binary.BigEndian.Uint16(buf[6:8]),
	}
	if h.Size < HeaderSize {
		return Header{}, fmt.Errorf("frames: malformed header, size %d smaller than header", h.Size)
	}
	if h.DataOffset < 2 {
		return Header{}, fmt.Errorf("frames: malformed header, doff %d smaller than 2", h.DataOffset)
	}
	return h, nil
}

// ReadBody reads a performative or SASL frame body from r, dispatching
// on the composite's descriptor code. r must contain exactly the frame
// body (the caller has already consumed the transport header and any
// extended header words).
func ReadBody(r *buffer.Buffer) (Body, error) {
	if r.Len() == 0 {
		// keep-alive / heartbeat: an empty frame has no body at all.
		return nil, nil
	}

	code, err := encoding.PeekDescriptorCode(r)
	if err != nil {
		return nil, err
	}

	var body Body
	switch code {
	case TypeCodeOpen:
		body = new(PerformOpen)
	case TypeCodeBegin:
		body = new(PerformBegin)
	case TypeCodeAttach:
		body = new(PerformAttach)
	case TypeCodeFlow:
		body = new(PerformFlow)
	case TypeCodeTransfer:
		body = new(PerformTransfer)
	case TypeCodeDisposition:
		body = new(PerformDisposition)
	case TypeCodeDetach:
		body = new(PerformDetach)
	case TypeCodeEnd:
		body = new(PerformEnd)
	case TypeCodeClose:
		body = new(PerformClose)
	case TypeCodeSASLMechanisms:
		body = new(SASLMechanisms)
	case TypeCodeSASLInit:
		body = new(SASLInit)
	case TypeCodeSASLChallenge:
		body = new(SASLChallenge)
	case TypeCodeSASLResponse:
		body = new(SASLResponse)
	case TypeCodeSASLOutcome:
		body = new(SASLOutcome)
	default:
		return nil, fmt.Errorf("frames: unknown performative descriptor %#x", code)
	}

	if um, ok := body.(unmarshaler); ok {
		if err := um.unmarshal(r); err != nil {
			return nil, err
		}
	}
	return body, nil
}

type unmarshaler interface {
	unmarshal(*buffer.Buffer) error
}

// UnmarshalField pairs a destination with a callback invoked when the
// field is missing (because the list was too short) or explicitly
// null. Composites with mandatory fields return an error from
// HandleNull; composites with defaulted fields set the default there.
type UnmarshalField struct {
	Field      interface{}
	HandleNull func() error
}

// UnmarshalComposite verifies the descriptor matches want, then reads
// each field positionally, applying HandleNull for short/null fields.
func UnmarshalComposite(r *buffer.Buffer, want uint64, fields ...UnmarshalField) error {
	code, err := encoding.PeekDescriptorCode(r)
	if err != nil {
		return err
	}
	if code != want {
		return fmt.Errorf("frames: expected descriptor %#x, got %#x", want, code)
	}
	if _, err := encoding.ReadDescriptor(r); err != nil {
		return err
	}
	n, err := encoding.ReadListHeader(r)
	if err != nil {
		return err
	}

	for i, f := range fields {
		if uint32(i) >= n || encoding.TryReadNull(r) {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if err := encoding.Unmarshal(r, f.Field); err != nil {
			return err
		}
	}
	return nil
}

func formatUint16Ptr(p *uint16) string {
	if p == nil {
		return "<nil>"
	}
	return strconv.FormatUint(uint64(*p), 10)
}

func formatUint32Ptr(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return strconv.FormatUint(uint64(*p), 10)
}
