package amqp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
	"github.com/thornwright/amqp1/internal/mocks"
)

// txnControllerAttach builds an Attach response as a coordinator peer
// would send it back to a TransactionController's Attach.
func txnControllerAttach(channel uint16, linkName string, linkHandle uint32) ([]byte, error) {
	return mocks.EncodeFrame(mocks.FrameAMQP, channel, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleReceiver,
		Target: &encoding.Coordinator{Capabilities: encoding.Multiple[encoding.Symbol]{encoding.TxnCapLocalTransactions}},
	})
}

// txnControllerResponder answers the handshake and hands every posted
// Declare/Discharge message to handler.
func txnControllerResponder(handler func(tr *frames.PerformTransfer, value interface{}) ([]byte, error)) func(frames.Body) ([]byte, error) {
	var handle uint32
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
			handle = tt.Handle
			return txnControllerAttach(0, tt.Name, tt.Handle)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformTransfer:
			var msg Message
			if err := msg.Unmarshal(buffer.New(tt.Payload)); err != nil {
				return nil, err
			}
			return handler(tt, msg.Value)
		case *frames.PerformDetach:
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformDetach{Handle: handle, Closed: true})
		case *frames.PerformClose:
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformClose{})
		default:
			return nil, mocks.UnhandledFrameError(req)
		}
	}
}

func newAttachedTxnController(t *testing.T, handler func(tr *frames.PerformTransfer, value interface{}) ([]byte, error)) (*Client, *Session, *TransactionController) {
	t.Helper()
	netConn := mocks.NewNetConn(txnControllerResponder(handler))

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
	tc, err := session.NewTransactionController(ctx)
	if err != nil {
		t.Fatalf("NewTransactionController: %v", err)
	}
	// the coordinator grants credit, as Declare/Discharge need it to send.
	b, err := senderFlow(0, tc.handle, 10)
	if err != nil {
		t.Fatal(err)
	}
	netConnSendFrame(t, client, b)
	return client, session, tc
}

func TestTransactionControllerDeclare(t *testing.T) {
	txnID := []byte{0, 0, 0, 1}
	client, _, tc := newAttachedTxnController(t, func(tr *frames.PerformTransfer, value interface{}) ([]byte, error) {
		if _, ok := value.(*encoding.Declare); !ok {
			t.Fatalf("posted value = %T, want *encoding.Declare", value)
		}
		return mocks.PerformDisposition(0, *tr.DeliveryID, &encoding.StateDeclared{TxnID: txnID})
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := tc.Declare(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(txnID) {
		t.Errorf("Declare() = %x, want %x", got, txnID)
	}
}

func TestTransactionControllerDeclareRejected(t *testing.T) {
	client, _, tc := newAttachedTxnController(t, func(tr *frames.PerformTransfer, value interface{}) ([]byte, error) {
		return mocks.PerformDisposition(0, *tr.DeliveryID, &encoding.StateRejected{
			Error: &Error{Condition: ErrCondTransactionUnknownID, Description: "distributed transactions unsupported"},
		})
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tc.Declare(ctx)
	var te *TransactionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v (%T), want *TransactionError", err, err)
	}
	if te.Cond != ErrCondTransactionUnknownID {
		t.Errorf("Cond = %q, want %q", te.Cond, ErrCondTransactionUnknownID)
	}
}

func TestTransactionControllerDischargeCommit(t *testing.T) {
	txnID := []byte{0, 0, 0, 7}
	client, _, tc := newAttachedTxnController(t, func(tr *frames.PerformTransfer, value interface{}) ([]byte, error) {
		d, ok := value.(*encoding.Discharge)
		if !ok {
			t.Fatalf("posted value = %T, want *encoding.Discharge", value)
		}
		if d.Fail {
			t.Error("Discharge.Fail = true, want false for a commit")
		}
		return mocks.PerformDisposition(0, *tr.DeliveryID, &encoding.StateAccepted{})
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tc.Discharge(ctx, txnID, false); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionControllerDischargeRollback(t *testing.T) {
	txnID := []byte{0, 0, 0, 8}
	client, _, tc := newAttachedTxnController(t, func(tr *frames.PerformTransfer, value interface{}) ([]byte, error) {
		d, ok := value.(*encoding.Discharge)
		if !ok {
			t.Fatalf("posted value = %T, want *encoding.Discharge", value)
		}
		if !d.Fail {
			t.Error("Discharge.Fail = false, want true for a rollback")
		}
		return mocks.PerformDisposition(0, *tr.DeliveryID, &encoding.StateAccepted{})
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tc.Discharge(ctx, txnID, true); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionControllerDischargeFailRejected(t *testing.T) {
	client, _, tc := newAttachedTxnController(t, func(tr *frames.PerformTransfer, value interface{}) ([]byte, error) {
		return mocks.PerformDisposition(0, *tr.DeliveryID, &encoding.StateRejected{
			Error: &Error{Condition: ErrCondTransactionUnknownID, Description: "unknown transaction"},
		})
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := tc.Discharge(ctx, []byte{0, 0, 0, 9}, true)
	var te *TransactionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v (%T), want *TransactionError", err, err)
	}
	// per Discharge, a Rejected outcome for a fail=true request doesn't
	// get reclassified as a rollback condition.
	if te.Cond != "" {
		t.Errorf("Cond = %q, want empty", te.Cond)
	}
}

// TestSenderSendWithTxnWrapsState verifies SendWithTxn carries the
// transaction id on the wire and unwraps the coordinator's outcome from
// inside the TransactionalState it comes back in.
func TestSenderSendWithTxnWrapsState(t *testing.T) {
	txnID := []byte{0, 0, 0, 3}
	var gotState *encoding.TransactionalState
	client, _, snd := newAttachedSender(t, ModeUnsettled, func(tr *frames.PerformTransfer) ([]byte, error) {
		ts, ok := tr.State.(*encoding.TransactionalState)
		if !ok {
			t.Fatalf("Transfer.State = %T, want *encoding.TransactionalState", tr.State)
		}
		gotState = ts
		return mocks.PerformDisposition(0, *tr.DeliveryID, &encoding.TransactionalState{
			TxnID:   ts.TxnID,
			Outcome: &encoding.StateAccepted{},
		})
	})
	defer client.Close()

	b, err := senderFlow(0, snd.handle, 10)
	if err != nil {
		t.Fatal(err)
	}
	netConnSendFrame(t, client, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := snd.SendWithTxn(ctx, &Message{Data: [][]byte{[]byte("test")}}, txnID); err != nil {
		t.Fatal(err)
	}
	if gotState == nil || string(gotState.TxnID) != string(txnID) {
		t.Errorf("posted TxnID = %x, want %x", gotState.TxnID, txnID)
	}
}

func TestSenderSendWithTxnRejectedUnwraps(t *testing.T) {
	txnID := []byte{0, 0, 0, 4}
	client, _, snd := newAttachedSender(t, ModeUnsettled, func(tr *frames.PerformTransfer) ([]byte, error) {
		return mocks.PerformDisposition(0, *tr.DeliveryID, &encoding.TransactionalState{
			TxnID: txnID,
			Outcome: &encoding.StateRejected{
				Error: &Error{Condition: "rejected", Description: "bad message"},
			},
		})
	})
	defer client.Close()

	b, err := senderFlow(0, snd.handle, 10)
	if err != nil {
		t.Fatal(err)
	}
	netConnSendFrame(t, client, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = snd.SendWithTxn(ctx, &Message{Data: [][]byte{[]byte("test")}}, txnID)
	var de *DetachError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v (%T), want *DetachError", err, err)
	}
	if de.RemoteError == nil || de.RemoteError.Condition != "rejected" {
		t.Errorf("RemoteError = %+v, want condition \"rejected\"", de.RemoteError)
	}
}
