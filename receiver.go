package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
	"github.com/thornwright/amqp1/internal/shared"
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link

	autoSendFlow bool
	credit       uint32 // initial/target link-credit when autoSendFlow is set

	unsettledMessages map[string]uint32 // delivery tag -> delivery id, pending settlement
	msgBuf            buffer.Buffer     // reused across fragmented-Transfer reassembly
	mu                sync.Mutex        // protects unsettledMessages
}

// LinkCredit sets the link-credit issued to the sender. Ignored when
// combined with LinkWithManualCredits, which instead requires explicit
// IssueCredit calls.
func LinkCredit(credit uint32) LinkOption {
	return func(l *link) error {
		l.initialCredit = credit
		return nil
	}
}

func newReceiver(ctx context.Context, source string, session *Session, opts []LinkOption) (*Receiver, error) {
	r := &Receiver{
		link: link{
			key:           linkKey{name: shared.RandString(40), role: encoding.RoleReceiver},
			source:        &encoding.Source{Address: source},
			target:        new(encoding.Target),
			initialCredit: defaultLinkCredit,
		},
		autoSendFlow:      true,
		unsettledMessages: make(map[string]uint32),
	}

	for _, opt := range opts {
		if err := opt(&r.link); err != nil {
			return nil, err
		}
	}
	if r.manualCreditor != nil {
		r.autoSendFlow = false
		r.initialCredit = defaultLinkCredit
	}
	r.credit = r.initialCredit
	r.link.messages = make(chan Message, r.credit)

	if err := r.attach(ctx, session); err != nil {
		return nil, err
	}
	return r, nil
}

const defaultLinkCredit = 1000

func (r *Receiver) attach(ctx context.Context, session *Session) error {
	if err := r.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source == nil {
			pa.Source = new(encoding.Source)
		}
		pa.Source.Dynamic = r.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if r.dynamicAddr && pa.Source != nil {
			r.source.Address = pa.Source.Address
		}
	}); err != nil {
		return err
	}

	go r.mux()

	if r.autoSendFlow {
		if err := r.muxFlow(r.credit, false); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks until a Message arrives, ctx is done, or the link
// detaches.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-r.messages:
		if !ok {
			return nil, r.err
		}
		if r.autoSendFlow {
			r.deliveryCount++
			if r.linkCredit > 0 {
				r.linkCredit--
			}
			if r.linkCredit < r.credit/2 {
				if err := r.muxFlow(r.credit, false); err != nil {
					return nil, err
				}
			}
		}
		return &msg, nil
	case <-r.detached:
		return nil, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept notifies the sender that msg was accepted.
func (r *Receiver) Accept(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateAccepted{})
}

// Reject notifies the sender that msg was rejected.
func (r *Receiver) Reject(ctx context.Context, msg *Message, e *Error) error {
	return r.settle(ctx, msg, &encoding.StateRejected{Error: e})
}

// Release notifies the sender that msg was released without being
// processed, making it available for redelivery.
func (r *Receiver) Release(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateReleased{})
}

// Modify notifies the sender that msg should be redelivered (or,
// if undeliverableHere, never redelivered to this receiver), optionally
// replacing its annotations.
func (r *Receiver) Modify(ctx context.Context, msg *Message, deliveryFailed, undeliverableHere bool, annotations map[string]interface{}) error {
	return r.settle(ctx, msg, &encoding.StateModified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: mapStringToAny(annotations),
	})
}

// SettleTxn notifies the sender of msg's outcome under the transaction
// msg.TxnID identifies, and enlists onCommit/onRollback with
// coordinator so one of them runs once that transaction is discharged.
// msg must have been received with a non-empty TxnID (i.e. posted by
// its sender via Sender.SendWithTxn).
func (r *Receiver) SettleTxn(ctx context.Context, msg *Message, outcome encoding.DeliveryState, coordinator *Coordinator, onCommit, onRollback func()) error {
	if len(msg.TxnID) == 0 {
		return fmt.Errorf("amqp: message %q was not posted under a transaction", msg.DeliveryTag)
	}
	if err := coordinator.Enlist(msg.TxnID, onCommit, onRollback); err != nil {
		return err
	}
	return r.settle(ctx, msg, &encoding.TransactionalState{TxnID: msg.TxnID, Outcome: outcome})
}

// AcceptTxn is Accept under a transaction: see SettleTxn.
func (r *Receiver) AcceptTxn(ctx context.Context, msg *Message, coordinator *Coordinator, onCommit, onRollback func()) error {
	return r.SettleTxn(ctx, msg, &encoding.StateAccepted{}, coordinator, onCommit, onRollback)
}

// RejectTxn is Reject under a transaction: see SettleTxn.
func (r *Receiver) RejectTxn(ctx context.Context, msg *Message, e *Error, coordinator *Coordinator, onCommit, onRollback func()) error {
	return r.SettleTxn(ctx, msg, &encoding.StateRejected{Error: e}, coordinator, onCommit, onRollback)
}

// ReleaseTxn is Release under a transaction: see SettleTxn.
func (r *Receiver) ReleaseTxn(ctx context.Context, msg *Message, coordinator *Coordinator, onCommit, onRollback func()) error {
	return r.SettleTxn(ctx, msg, &encoding.StateReleased{}, coordinator, onCommit, onRollback)
}

func (r *Receiver) settle(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	if msg.SendSettled {
		return nil
	}
	r.mu.Lock()
	deliveryID, ok := r.unsettledMessages[string(msg.DeliveryTag)]
	if ok {
		delete(r.unsettledMessages, string(msg.DeliveryTag))
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("amqp: delivery %q is not outstanding", msg.DeliveryTag)
	}
	disp := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: true,
		State:   state,
	}
	return r.session.txFrame(disp, nil)
}

// Close closes the Receiver and the underlying AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.closeLink(ctx)
}

func (r *Receiver) mux() {
	defer r.muxDetach(nil, nil)

	var current *Message
	var currentDeliveryID uint32

	for {
		select {
		case fr := <-r.rx:
			switch fr := fr.(type) {
			case *frames.PerformTransfer:
				if current == nil {
					current = &Message{}
					r.msgBuf.Reset()
					current.DeliveryTag = fr.DeliveryTag
					if fr.MessageFormat != nil {
						current.Format = *fr.MessageFormat
					}
					current.SendSettled = fr.Settled
					// only the first frame of a (possibly fragmented)
					// transfer carries the delivery-id; continuation
					// frames leave it nil.
					if fr.DeliveryID != nil {
						currentDeliveryID = *fr.DeliveryID
					} else {
						currentDeliveryID = 0
					}
				}
				if ts, ok := fr.State.(*encoding.TransactionalState); ok {
					current.TxnID = ts.TxnID
				}
				_, _ = r.msgBuf.Write(fr.Payload)

				if fr.More {
					continue
				}

				if err := current.Unmarshal(&r.msgBuf); err != nil {
					r.err = err
					return
				}

				if !current.SendSettled {
					r.mu.Lock()
					r.unsettledMessages[string(current.DeliveryTag)] = currentDeliveryID
					r.mu.Unlock()
				}

				select {
				case r.messages <- *current:
				case <-r.close:
					r.err = ErrLinkClosed
					return
				case <-r.session.done:
					r.err = r.session.err
					return
				}
				current = nil

			case *frames.PerformFlow:
				if fr.Echo {
					linkCredit := r.linkCredit
					deliveryCount := r.deliveryCount
					_ = r.session.txFrame(&frames.PerformFlow{
						Handle:        &r.handle,
						DeliveryCount: &deliveryCount,
						LinkCredit:    &linkCredit,
					}, nil)
				}
				if r.manualCreditor != nil && fr.Drain {
					r.manualCreditor.EndDrain()
				}

			default:
				if err := r.link.muxHandleFrame(fr); err != nil {
					r.err = err
					return
				}
			}

			if r.manualCreditor != nil {
				drain, credits := r.manualCreditor.FlowBits()
				if credits > 0 || drain {
					if err := r.muxFlow(r.linkCredit+credits, drain); err != nil {
						r.err = err
						return
					}
				}
			}

		case <-r.close:
			r.err = ErrLinkClosed
			return
		case <-r.session.done:
			r.err = r.session.err
			return
		}
	}
}
