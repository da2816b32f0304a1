package amqp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
	"github.com/thornwright/amqp1/internal/mocks"
)

// receiverHandshakeResponder answers the handshake and auto-credit Flow
// with the bare minimum to get a Receiver attached and running;
// dispositionHandler is consulted for Disposition frames the Receiver
// sends back when settling a delivery.
func receiverHandshakeResponder(dispositionHandler func(*frames.PerformDisposition) ([]byte, error)) func(frames.Body) ([]byte, error) {
	return func(req frames.Body) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformEnd:
			return mocks.PerformEnd(0, nil)
		case *frames.PerformAttach:
			return mocks.PerformAttach(0, tt.Name, tt.Handle, ModeFirst)
		case *frames.PerformFlow:
			// the Receiver's auto-issued credit Flow; nothing to answer.
			return nil, nil
		case *frames.PerformDisposition:
			if dispositionHandler != nil {
				return dispositionHandler(tt)
			}
			return nil, nil
		case *frames.PerformDetach:
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformDetach{Handle: tt.Handle, Closed: true})
		case *frames.PerformClose:
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformClose{})
		default:
			return nil, mocks.UnhandledFrameError(req)
		}
	}
}

func newAttachedReceiver(t *testing.T, dispositionHandler func(*frames.PerformDisposition) ([]byte, error), opts ...LinkOption) (*Client, *Session, *Receiver, *mocks.NetConn) {
	t.Helper()
	netConn := mocks.NewNetConn(receiverHandshakeResponder(dispositionHandler))

	client, err := New(netConn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	session, err := client.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	rcv, err := session.NewReceiver(ctx, "source", opts...)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	return client, session, rcv, netConn
}

func sendTransfer(t *testing.T, netConn *mocks.NetConn, handle, deliveryID uint32, payload []byte) {
	t.Helper()
	b, err := mocks.PerformTransfer(0, handle, deliveryID, payload)
	if err != nil {
		t.Fatal(err)
	}
	netConn.SendFrame(b)
}

func TestReceiverReceive(t *testing.T) {
	defer leaktest.Check(t)()

	client, _, rcv, netConn := newAttachedReceiver(t, nil)
	defer client.Close()

	sendTransfer(t, netConn, rcv.handle, 0, []byte("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Data) != 1 || string(msg.Data[0]) != "hello" {
		t.Errorf("unexpected message body %+v", msg.Data)
	}
}

func TestReceiverAccept(t *testing.T) {
	defer leaktest.Check(t)()

	settled := make(chan *frames.PerformDisposition, 1)
	client, _, rcv, netConn := newAttachedReceiver(t, func(d *frames.PerformDisposition) ([]byte, error) {
		settled <- d
		return nil, nil
	})
	defer client.Close()

	sendTransfer(t, netConn, rcv.handle, 7, []byte("payload"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := rcv.Accept(ctx, msg); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-settled:
		if !d.Settled {
			t.Error("expected disposition to be settled")
		}
		if d.First != 7 {
			t.Errorf("First = %d, want 7", d.First)
		}
		if _, ok := d.State.(*encoding.StateAccepted); !ok {
			t.Errorf("State = %T, want *encoding.StateAccepted", d.State)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disposition")
	}
}

func TestReceiverReject(t *testing.T) {
	defer leaktest.Check(t)()

	settled := make(chan *frames.PerformDisposition, 1)
	client, _, rcv, netConn := newAttachedReceiver(t, func(d *frames.PerformDisposition) ([]byte, error) {
		settled <- d
		return nil, nil
	})
	defer client.Close()

	sendTransfer(t, netConn, rcv.handle, 1, []byte("bad"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := rcv.Reject(ctx, msg, &Error{Condition: "rejected", Description: "no good"}); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-settled:
		rej, ok := d.State.(*encoding.StateRejected)
		if !ok {
			t.Fatalf("State = %T, want *encoding.StateRejected", d.State)
		}
		if rej.Error == nil || rej.Error.Condition != "rejected" {
			t.Errorf("Error = %+v, want condition \"rejected\"", rej.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disposition")
	}
}

func TestReceiverSettleUnknownDeliveryErrors(t *testing.T) {
	defer leaktest.Check(t)()

	client, _, rcv, _ := newAttachedReceiver(t, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg := &Message{DeliveryTag: []byte("never-received")}
	if err := rcv.Accept(ctx, msg); err == nil {
		t.Fatal("expected an error for a delivery tag that was never received")
	}
}

func TestReceiverSendSettledNoDisposition(t *testing.T) {
	defer leaktest.Check(t)()

	dispositionSeen := make(chan struct{}, 1)
	client, _, rcv, netConn := newAttachedReceiver(t, func(*frames.PerformDisposition) ([]byte, error) {
		dispositionSeen <- struct{}{}
		return nil, nil
	})
	defer client.Close()

	format := uint32(0)
	b, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformTransfer{
		Handle:        rcv.handle,
		DeliveryTag:   []byte("settled-tag"),
		MessageFormat: &format,
		Settled:       true,
		Payload:       transferPayload(t, []byte("pre-settled")),
	})
	if err != nil {
		t.Fatal(err)
	}
	netConn.SendFrame(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.SendSettled {
		t.Fatal("expected SendSettled to be true")
	}
	// Accept on an already-settled delivery is a no-op and should not
	// send a Disposition.
	if err := rcv.Accept(ctx, msg); err != nil {
		t.Fatal(err)
	}
	select {
	case <-dispositionSeen:
		t.Fatal("unexpected Disposition for a pre-settled delivery")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceiverMultiFrameTransfer(t *testing.T) {
	defer leaktest.Check(t)()

	client, _, rcv, netConn := newAttachedReceiver(t, nil)
	defer client.Close()

	format := uint32(0)
	deliveryID := uint32(3)
	dataSection := transferPayload(t, []byte("first-part-second-part"))
	mid := len(dataSection) / 2

	first, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformTransfer{
		Handle:        rcv.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("multi"),
		MessageFormat: &format,
		More:          true,
		Payload:       dataSection[:mid],
	})
	if err != nil {
		t.Fatal(err)
	}
	netConn.SendFrame(first)

	second, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformTransfer{
		Handle:  rcv.handle,
		Payload: dataSection[mid:],
	})
	if err != nil {
		t.Fatal(err)
	}
	netConn.SendFrame(second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Data) != 1 || string(msg.Data[0]) != "first-part-second-part" {
		t.Errorf("unexpected reassembled body %+v", msg.Data)
	}
}

func TestReceiverManualCredit(t *testing.T) {
	defer leaktest.Check(t)()

	client, _, rcv, _ := newAttachedReceiver(t, nil, LinkWithManualCredits(), LinkCredit(0))
	defer client.Close()

	if err := rcv.IssueCredit(3); err != nil {
		t.Fatal(err)
	}
	// give the mux a moment to process the manual-creditor's pending Flow.
	time.Sleep(50 * time.Millisecond)
}

func TestReceiverReceiveOnClosed(t *testing.T) {
	defer leaktest.Check(t)()

	client, _, rcv, _ := newAttachedReceiver(t, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rcv.Close(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := rcv.Receive(context.Background())
	if !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("err = %v, want ErrLinkClosed", err)
	}
}

// transferPayload encodes body as a single ApplicationData section, the
// same way mocks.PerformTransfer does internally, for tests that need to
// control the Transfer performative's other fields directly.
func transferPayload(t *testing.T, body []byte) []byte {
	t.Helper()
	buf := buffer.New(nil)
	if err := encoding.Marshal(buf, &encoding.DescribedType{Descriptor: encoding.TypeCodeApplicationData, Value: body}); err != nil {
		t.Fatal(err)
	}
	return buf.Detach()
}
