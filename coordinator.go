package amqp

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
)

// Coordinator is the server/broker side of a transaction-coordinator
// control link: a receiver whose target advertises TxnCapability and
// whose incoming messages are Declare or Discharge requests from a
// TransactionController peer.
//
// It allocates transaction ids, tracks the commit/rollback callbacks
// posted work on other links registers via Enlist, and runs them when
// the owning transaction is discharged.
type Coordinator struct {
	link

	mu        sync.Mutex
	nextTxnID uint32
	open      map[string]*openTxn

	msgBuf buffer.Buffer
}

type openTxn struct {
	commit   []func()
	rollback []func()
}

// AcceptCoordinator waits for a peer to attach a link whose target
// advertises the transaction-coordinator capability, completes the
// Attach handshake in the receiver role, and returns the Coordinator.
func (s *Session) AcceptCoordinator(ctx context.Context) (*Coordinator, error) {
	select {
	case fr := <-s.coordinatorAttach:
		return newCoordinator(ctx, s, fr)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.err
	}
}

func newCoordinator(ctx context.Context, s *Session, remoteAttach *frames.PerformAttach) (*Coordinator, error) {
	c := &Coordinator{
		link: link{
			key:           linkKey{name: remoteAttach.Name, role: encoding.RoleReceiver},
			source:        new(encoding.Source),
			initialCredit: defaultLinkCredit,
		},
		open: make(map[string]*openTxn),
	}
	c.linkCredit = c.initialCredit

	handle, ok := s.handles.Next()
	if !ok {
		return nil, fmt.Errorf("amqp: reached session handle-max (%d)", s.handles.Max())
	}
	c.handle = handle
	c.session = s
	c.rx = make(chan frames.Body, 1)
	c.close = make(chan struct{})
	c.detached = make(chan struct{})
	c.messages = make(chan Message, c.initialCredit)

	s.mu.Lock()
	s.linksByKey[c.key] = &c.link
	s.linksByHandle[handle] = &c.link
	s.mu.Unlock()

	coordinator := &encoding.Coordinator{
		Capabilities: encoding.Multiple[encoding.Symbol]{
			encoding.TxnCapLocalTransactions,
		},
	}
	reply := &frames.PerformAttach{
		Name:               remoteAttach.Name,
		Handle:             c.handle,
		Role:               encoding.RoleReceiver,
		Target:             coordinator,
		Source:             c.source,
		ReceiverSettleMode: c.receiverSettleMode,
	}
	if err := s.txFrame(reply, nil); err != nil {
		s.freeLink(&c.link)
		return nil, err
	}

	go c.mux()

	deliveryCount := c.deliveryCount
	linkCredit := c.linkCredit
	if err := s.txFrame(&frames.PerformFlow{
		Handle:        &c.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit,
	}, nil); err != nil {
		return nil, err
	}

	return c, nil
}

// Enlist registers commit and rollback callbacks for work posted under
// txnID by some other link on the session (a Transfer or Disposition
// carrying a TransactionalState). commit runs if the transaction is
// later discharged without fail, rollback if discharged with fail=true
// or if Close is called with the transaction still open. A detach or
// session end that stops the link without Close runs neither.
func (c *Coordinator) Enlist(txnID []byte, commit, rollback func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.open[string(txnID)]
	if !ok {
		return fmt.Errorf("amqp: unknown transaction id %x", txnID)
	}
	if commit != nil {
		tx.commit = append(tx.commit, commit)
	}
	if rollback != nil {
		tx.rollback = append(tx.rollback, rollback)
	}
	return nil
}

// Close detaches the coordinator link, rolling back any transactions
// still open.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	remaining := make([]*openTxn, 0, len(c.open))
	for _, tx := range c.open {
		remaining = append(remaining, tx)
	}
	c.open = make(map[string]*openTxn)
	c.mu.Unlock()
	for _, tx := range remaining {
		for _, f := range tx.rollback {
			f()
		}
	}
	return c.closeLink(ctx)
}

func (c *Coordinator) mux() {
	defer c.muxDetach(nil, nil)

	var current *Message
	var currentDeliveryID uint32

	for {
		select {
		case fr := <-c.rx:
			switch fr := fr.(type) {
			case *frames.PerformTransfer:
				if current == nil {
					current = &Message{}
					c.msgBuf.Reset()
					current.DeliveryTag = fr.DeliveryTag
					if fr.DeliveryID != nil {
						currentDeliveryID = *fr.DeliveryID
					} else {
						currentDeliveryID = 0
					}
				}
				_, _ = c.msgBuf.Write(fr.Payload)
				if fr.More {
					continue
				}
				if err := current.Unmarshal(&c.msgBuf); err != nil {
					c.err = err
					return
				}

				deliveryID := currentDeliveryID
				c.deliveryCount++

				state, _, fatal := c.dispatch(current.Value)
				if fatal != nil {
					c.err = &DetachError{RemoteError: fatal}
					_ = c.session.txFrame(&frames.PerformDetach{Handle: c.handle, Closed: true, Error: fatal}, nil)
					return
				}
				disp := &frames.PerformDisposition{
					Role:    encoding.RoleReceiver,
					First:   deliveryID,
					Settled: true,
					State:   state,
				}
				if err := c.session.txFrame(disp, nil); err != nil {
					c.err = err
					return
				}
				current = nil

			default:
				if err := c.link.muxHandleFrame(fr); err != nil {
					c.err = err
					return
				}
			}

		case <-c.close:
			c.err = ErrLinkClosed
			return
		case <-c.session.done:
			c.err = c.session.err
			return
		}
	}
}

// dispatch handles a decoded Declare or Discharge message body,
// returning the DeliveryState to disposition the posting Transfer with.
// A non-nil fatal means the body wasn't a recognized control message at
// all; the caller must close the link rather than disposition it, per
// the coordinator's requirement that every delivery be a single
// amqp-value body.
func (c *Coordinator) dispatch(body interface{}) (state encoding.DeliveryState, rolledBack bool, fatal *Error) {
	switch body := body.(type) {
	case *encoding.Declare:
		if body.GlobalID != nil {
			return &encoding.StateRejected{Error: &Error{
				Condition:   ErrCondTransactionUnknownID,
				Description: "amqp: distributed (global-id) transactions are not supported",
			}}, false, nil
		}
		id := atomic.AddUint32(&c.nextTxnID, 1) - 1
		txnID := make([]byte, 4)
		binary.BigEndian.PutUint32(txnID, id)
		c.mu.Lock()
		c.open[string(txnID)] = &openTxn{}
		c.mu.Unlock()
		return &encoding.StateDeclared{TxnID: txnID}, false, nil

	case *encoding.Discharge:
		c.mu.Lock()
		tx, ok := c.open[string(body.TxnID)]
		delete(c.open, string(body.TxnID))
		c.mu.Unlock()
		if !ok {
			return &encoding.StateRejected{Error: &Error{
				Condition:   ErrCondTransactionUnknownID,
				Description: "amqp: discharge of unknown transaction id",
			}}, false, nil
		}
		if body.Fail {
			for _, f := range tx.rollback {
				f()
			}
			return &encoding.StateAccepted{}, true, nil
		}
		for _, f := range tx.commit {
			f()
		}
		return &encoding.StateAccepted{}, false, nil

	default:
		return nil, false, &Error{
			Condition:   ErrCondDecodeError,
			Description: "amqp: transaction coordinator requires a single amqp-value body",
		}
	}
}
