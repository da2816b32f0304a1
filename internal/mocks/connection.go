// Package mocks provides a fake net.Conn driven by a responder callback,
// plus frame-builder helpers, so the connection/session/link state
// machines can be exercised without a real broker.
package mocks

import (
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
)

// NewNetConn creates a new instance of NetConn. resp is invoked by Write
// whenever a frame is received from the code under test; returning a
// nil slice and nil error swallows the frame, a non-nil error simulates
// a write failure, and a non-nil slice queues that many bytes to be
// read back as though the peer sent them.
func NewNetConn(resp func(frames.Body) ([]byte, error)) *NetConn {
	return &NetConn{
		resp: resp,
		// During shutdown the reader and writer goroutines both exit on
		// readClose being closed, so there's some non-determinism in
		// which exits first; a buffered channel keeps a write that
		// races with shutdown from blocking forever.
		readData:  make(chan []byte, 10),
		readClose: make(chan struct{}),
	}
}

// NetConn is a mock connection that satisfies the net.Conn interface.
type NetConn struct {
	resp      func(frames.Body) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool
}

// SendFrame queues b to be read back by the connection under test, as
// though the peer had sent it unsolicited (e.g. a Flow echo).
func (m *NetConn) SendFrame(b []byte) {
	m.readData <- b
}

func (m *NetConn) Read(b []byte) (n int, err error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}

	dl := m.readDL
	var dlC <-chan time.Time
	if dl != nil {
		dlC = dl.C
	}

	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	case <-dlC:
		return 0, errors.New("mock connection read deadline exceeded")
	case rd := <-m.readData:
		return copy(b, rd), nil
	}
}

// Write is invoked whenever the code under test sends frame data. Every
// call decodes the frame and invokes resp with it.
func (m *NetConn) Write(b []byte) (n int, err error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}

	frame, err := decodeFrame(b)
	if err != nil {
		return 0, err
	}
	resp, err := m.resp(frame)
	if err != nil {
		return 0, err
	}
	if resp != nil {
		m.readData <- resp
	}
	return len(b), nil
}

func (m *NetConn) Close() error {
	if m.closed {
		return errors.New("double close")
	}
	m.closed = true
	close(m.readClose)
	return nil
}

func (m *NetConn) LocalAddr() net.Addr {
	return &net.IPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func (m *NetConn) RemoteAddr() net.Addr {
	return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)}
}

func (m *NetConn) SetDeadline(t time.Time) error {
	return errors.New("not used")
}

func (m *NetConn) SetReadDeadline(t time.Time) error {
	if m.readDL != nil {
		m.readDL.Stop()
	}
	m.readDL = time.NewTimer(time.Until(t))
	return nil
}

func (m *NetConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// FrameAMQP and FrameSASL mirror the transport frame type octet.
const (
	FrameAMQP = frames.TypeAMQP
	FrameSASL = frames.TypeSASL
)

// EncodeFrame encodes body as frame type t on channel into a complete
// wire frame (header + body), as the peer's responder would send it.
func EncodeFrame(t uint8, channel uint16, body frames.Body) ([]byte, error) {
	wr := buffer.New(nil)
	if err := frames.Write(wr, frames.Frame{Type: t, Channel: channel, Body: body}); err != nil {
		return nil, err
	}
	return wr.Detach(), nil
}

// AMQPProto is the pseudo frame body decodeFrame produces for the
// 8-byte protocol header exchanged at connection start. It embeds
// frames.Body purely to satisfy the interface's unexported marker
// method; it is never dispatched through it.
type AMQPProto struct {
	frames.Body
	Header [8]byte
}

// KeepAlive is the pseudo frame body decodeFrame produces for an empty
// (heartbeat) frame.
type KeepAlive struct {
	frames.Body
}

func decodeFrame(b []byte) (frames.Body, error) {
	if len(b) >= 8 && b[0] == 'A' && b[1] == 'M' && b[2] == 'Q' && b[3] == 'P' {
		var p AMQPProto
		copy(p.Header[:], b)
		return &p, nil
	}
	r := buffer.New(b)
	header, err := frames.ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if header.Size == frames.HeaderSize {
		return &KeepAlive{}, nil
	}
	return frames.ReadBody(r)
}

// ProtoHeader builds the 8-byte protocol header response for id
// (0x0 AMQP, 0x2 AMQP-TLS, 0x3 AMQP-SASL).
func ProtoHeader(id uint8) ([]byte, error) {
	return []byte{'A', 'M', 'Q', 'P', id, 1, 0, 0}, nil
}

// PerformOpen builds an Open response frame.
func PerformOpen(containerID string) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformOpen{ContainerID: containerID})
}

// PerformBegin builds a Begin response frame bound to remoteChannel.
func PerformBegin(remoteChannel uint16) ([]byte, error) {
	return EncodeFrame(FrameAMQP, remoteChannel, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      math.MaxInt16,
	})
}

// PerformEnd builds an End response frame, optionally carrying err.
func PerformEnd(channel uint16, err *encoding.Error) ([]byte, error) {
	return EncodeFrame(FrameAMQP, channel, &frames.PerformEnd{Error: err})
}

// PerformAttach builds an Attach response frame for a sender-role peer
// (i.e. the local side is a Receiver).
func PerformAttach(channel uint16, linkName string, linkHandle uint32, mode encoding.ReceiverSettleMode) ([]byte, error) {
	return EncodeFrame(FrameAMQP, channel, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleSender,
		Source: &encoding.Source{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpirySessionEnd,
		},
		ReceiverSettleMode: &mode,
		MaxMessageSize:     math.MaxUint32,
	})
}

// PerformTransfer builds a Transfer response carrying payload as a
// single ApplicationData section.
func PerformTransfer(channel uint16, linkHandle, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	body := buffer.New(nil)
	if err := encoding.Marshal(body, &encoding.DescribedType{Descriptor: encoding.TypeCodeApplicationData, Value: payload}); err != nil {
		return nil, err
	}
	return EncodeFrame(FrameAMQP, channel, &frames.PerformTransfer{
		Handle:        linkHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Payload:       body.Detach(),
	})
}

// PerformDisposition builds a Disposition response settling deliveryID
// with state.
func PerformDisposition(channel uint16, deliveryID uint32, state encoding.DeliveryState) ([]byte, error) {
	return EncodeFrame(FrameAMQP, channel, &frames.PerformDisposition{
		Role:    encoding.RoleSender,
		First:   deliveryID,
		Settled: true,
		State:   state,
	})
}

// SASLOutcome builds a sasl-outcome response frame.
func SASLOutcome(code frames.SASLCode) ([]byte, error) {
	return EncodeFrame(FrameSASL, 0, &frames.SASLOutcome{Code: code})
}

// SASLMechanisms builds a sasl-mechanisms response frame.
func SASLMechanisms(mechanisms ...string) ([]byte, error) {
	ms := make(encoding.Multiple[encoding.Symbol], len(mechanisms))
	for i, m := range mechanisms {
		ms[i] = encoding.Symbol(m)
	}
	return EncodeFrame(FrameSASL, 0, &frames.SASLMechanisms{Mechanisms: ms})
}

var errUnhandledFrame = errors.New("mocks: unhandled frame")

// UnhandledFrameError formats an error for a frame type the test's
// responder didn't expect.
func UnhandledFrameError(fr frames.Body) error {
	return fmt.Errorf("%w: %T", errUnhandledFrame, fr)
}
