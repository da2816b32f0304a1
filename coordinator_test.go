package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
	"github.com/thornwright/amqp1/internal/mocks"
)

// coordinatorValuePayload encodes value as a single amqp-value body, the
// way a TransactionController posts Declare/Discharge requests.
func coordinatorValuePayload(t *testing.T, value interface{}) []byte {
	t.Helper()
	var buf buffer.Buffer
	if err := (&Message{Value: value}).Marshal(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// coordinatorAttachFrame builds the Attach a remote TransactionController
// sends to open a coordinator link.
func coordinatorAttachFrame(name string, handle uint32) ([]byte, error) {
	return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformAttach{
		Name:   name,
		Handle: handle,
		Role:   encoding.RoleSender,
		Target: &encoding.Coordinator{Capabilities: encoding.Multiple[encoding.Symbol]{encoding.TxnCapLocalTransactions}},
	})
}

// coordinatorTransferFrame builds the Transfer a remote TransactionController
// sends to post a Declare/Discharge value under deliveryID.
func coordinatorTransferFrame(t *testing.T, remoteHandle, deliveryID uint32, value interface{}) []byte {
	t.Helper()
	format := uint32(0)
	b, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformTransfer{
		Handle:        remoteHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("txn-tag"),
		MessageFormat: &format,
		Payload:       coordinatorValuePayload(t, value),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// newAcceptedCoordinator drives a Session through accepting a remote
// coordinator-target Attach and returns the resulting Coordinator plus
// channels the test can use to observe what the Coordinator sends back.
func newAcceptedCoordinator(t *testing.T) (client *Client, netConn *mocks.NetConn, coordinator *Coordinator, remoteHandle uint32, dispositions chan *frames.PerformDisposition, detaches chan *frames.PerformDetach) {
	t.Helper()
	remoteHandle = 0
	dispositions = make(chan *frames.PerformDisposition, 4)
	detaches = make(chan *frames.PerformDetach, 4)

	netConn = mocks.NewNetConn(func(req frames.Body) ([]byte, error) {
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
			// the Coordinator's reply to our injected remote Attach.
			return nil, nil
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformDisposition:
			dispositions <- tt
			return nil, nil
		case *frames.PerformDetach:
			detaches <- tt
			return nil, nil
		case *frames.PerformClose:
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformClose{})
		default:
			return nil, mocks.UnhandledFrameError(req)
		}
	})

	var err error
	client, err = New(netConn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	session, err := client.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	b, err := coordinatorAttachFrame("remote-controller", remoteHandle)
	if err != nil {
		t.Fatal(err)
	}
	netConn.SendFrame(b)

	coordinator, err = session.AcceptCoordinator(ctx)
	if err != nil {
		t.Fatalf("AcceptCoordinator: %v", err)
	}
	return client, netConn, coordinator, remoteHandle, dispositions, detaches
}

func TestCoordinatorDeclareAllocatesTxnID(t *testing.T) {
	defer leaktest.Check(t)()

	client, netConn, _, remoteHandle, dispositions, _ := newAcceptedCoordinator(t)
	defer client.Close()

	netConn.SendFrame(coordinatorTransferFrame(t, remoteHandle, 0, &encoding.Declare{}))

	select {
	case d := <-dispositions:
		declared, ok := d.State.(*encoding.StateDeclared)
		if !ok {
			t.Fatalf("State = %T, want *encoding.StateDeclared", d.State)
		}
		if len(declared.TxnID) == 0 {
			t.Error("expected a non-empty allocated TxnID")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Declare disposition")
	}
}

func TestCoordinatorEnlistRunsCommitOnDischarge(t *testing.T) {
	defer leaktest.Check(t)()

	client, netConn, coordinator, remoteHandle, dispositions, _ := newAcceptedCoordinator(t)
	defer client.Close()

	netConn.SendFrame(coordinatorTransferFrame(t, remoteHandle, 0, &encoding.Declare{}))
	var txnID []byte
	select {
	case d := <-dispositions:
		txnID = d.State.(*encoding.StateDeclared).TxnID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Declare disposition")
	}

	committed := make(chan struct{}, 1)
	rolledBack := make(chan struct{}, 1)
	if err := coordinator.Enlist(txnID, func() { committed <- struct{}{} }, func() { rolledBack <- struct{}{} }); err != nil {
		t.Fatal(err)
	}

	netConn.SendFrame(coordinatorTransferFrame(t, remoteHandle, 1, &encoding.Discharge{TxnID: txnID, Fail: false}))

	select {
	case <-dispositions:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Discharge disposition")
	}

	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatal("commit callback was never run")
	}
	select {
	case <-rolledBack:
		t.Fatal("rollback callback ran for a committed transaction")
	default:
	}
}

func TestCoordinatorEnlistRunsRollbackOnFailDischarge(t *testing.T) {
	defer leaktest.Check(t)()

	client, netConn, coordinator, remoteHandle, dispositions, _ := newAcceptedCoordinator(t)
	defer client.Close()

	netConn.SendFrame(coordinatorTransferFrame(t, remoteHandle, 0, &encoding.Declare{}))
	var txnID []byte
	select {
	case d := <-dispositions:
		txnID = d.State.(*encoding.StateDeclared).TxnID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Declare disposition")
	}

	committed := make(chan struct{}, 1)
	rolledBack := make(chan struct{}, 1)
	if err := coordinator.Enlist(txnID, func() { committed <- struct{}{} }, func() { rolledBack <- struct{}{} }); err != nil {
		t.Fatal(err)
	}

	netConn.SendFrame(coordinatorTransferFrame(t, remoteHandle, 1, &encoding.Discharge{TxnID: txnID, Fail: true}))

	select {
	case <-dispositions:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Discharge disposition")
	}

	select {
	case <-rolledBack:
	case <-time.After(time.Second):
		t.Fatal("rollback callback was never run")
	}
	select {
	case <-committed:
		t.Fatal("commit callback ran for a rolled-back transaction")
	default:
	}
}

func TestCoordinatorEnlistUnknownTxnErrors(t *testing.T) {
	defer leaktest.Check(t)()

	client, _, coordinator, _, _, _ := newAcceptedCoordinator(t)
	defer client.Close()

	if err := coordinator.Enlist([]byte{9, 9, 9, 9}, func() {}, nil); err == nil {
		t.Fatal("expected an error enlisting against an unknown transaction id")
	}
}

func TestCoordinatorNonValueBodyClosesLink(t *testing.T) {
	defer leaktest.Check(t)()

	client, netConn, _, remoteHandle, _, detaches := newAcceptedCoordinator(t)
	defer client.Close()

	netConn.SendFrame(coordinatorTransferFrame(t, remoteHandle, 0, "not a Declare or Discharge"))

	select {
	case d := <-detaches:
		if !d.Closed {
			t.Error("expected the link to be closed")
		}
		if d.Error == nil || d.Error.Condition != ErrCondDecodeError {
			t.Errorf("Error = %+v, want condition %q", d.Error, ErrCondDecodeError)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Detach")
	}
}
