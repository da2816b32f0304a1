package amqp

import (
	"context"
	"fmt"

	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
	"github.com/thornwright/amqp1/internal/shared"
)

// TransactionController is a Sender attached to a peer's transaction
// coordinator, letting a session Declare a new transaction and later
// Discharge it (commit, or roll back on Fail).
type TransactionController struct {
	*Sender
}

func newTransactionController(ctx context.Context, session *Session, opts []LinkOption) (*TransactionController, error) {
	settled := ModeUnsettled
	s := &Sender{
		link: link{
			key:                      linkKey{name: shared.RandString(40), role: encoding.RoleSender},
			source:                   new(encoding.Source),
			senderSettleMode:         &settled,
			detachOnDispositionError: true,
		},
	}
	for _, opt := range opts {
		if err := opt(&s.link); err != nil {
			return nil, err
		}
	}

	coordinator := &encoding.Coordinator{
		Capabilities: encoding.Multiple[encoding.Symbol]{encoding.TxnCapLocalTransactions},
	}

	if err := s.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		pa.Target = coordinator
	}, nil); err != nil {
		return nil, err
	}

	s.transfers = make(chan frames.PerformTransfer)
	go s.mux()

	return &TransactionController{Sender: s}, nil
}

// Declare starts a new transaction and returns the transaction id the
// coordinator assigned it. Every Transfer and Disposition posted under
// the transaction must wrap its outcome in a TransactionalState
// carrying this id.
func (tc *TransactionController) Declare(ctx context.Context) ([]byte, error) {
	msg := &Message{Value: &encoding.Declare{}}
	done, err := tc.send(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	select {
	case state := <-done:
		switch state := state.(type) {
		case *encoding.StateDeclared:
			return state.TxnID, nil
		case *encoding.StateRejected:
			return nil, &TransactionError{Cond: ErrCondTransactionUnknownID, Err: state.Error}
		default:
			return nil, fmt.Errorf("amqp: unexpected outcome %T for Declare", state)
		}
	case <-tc.detached:
		return nil, tc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Discharge ends the transaction identified by txnID: committing it,
// or rolling it back when fail is true.
func (tc *TransactionController) Discharge(ctx context.Context, txnID []byte, fail bool) error {
	msg := &Message{Value: &encoding.Discharge{TxnID: txnID, Fail: fail}}
	done, err := tc.send(ctx, msg, nil)
	if err != nil {
		return err
	}
	select {
	case state := <-done:
		if rej, ok := state.(*encoding.StateRejected); ok {
			cond := ErrCondTransactionRollback
			if fail {
				cond = ""
			}
			return &TransactionError{Cond: cond, Err: rej.Error}
		}
		return nil
	case <-tc.detached:
		return tc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
