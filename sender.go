package amqp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
	"github.com/thornwright/amqp1/internal/shared"
)

// Sender sends messages on a single AMQP link.
type Sender struct {
	link
	transfers chan frames.PerformTransfer // sender uses to send transfer frames

	mu              sync.Mutex // protects buf and nextDeliveryTag
	buf             buffer.Buffer
	nextDeliveryTag uint64
}

// LinkName is the name of the link used for this Sender.
func (s *Sender) LinkName() string {
	return s.key.name
}

// MaxMessageSize is the maximum size of a single message accepted by
// the peer, or 0 if unlimited.
func (s *Sender) MaxMessageSize() uint64 {
	return s.maxMessageSize
}

// Address returns the link's target address.
func (s *Sender) Address() string {
	if s.target == nil {
		return ""
	}
	return s.target.Address
}

// Send sends a Message, blocking until it has been sent, ctx is done,
// or the link detaches.
//
// Send is safe for concurrent use; since only one message can be
// in-flight at a time on a link, concurrent callers are most useful
// when the receiver settle mode is Second, letting additional sends
// proceed while earlier ones await confirmation.
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	select {
	case <-s.detached:
		return s.err
	default:
	}

	done, err := s.send(ctx, msg, nil)
	if err != nil {
		return err
	}

	return s.awaitOutcome(ctx, done)
}

// SendWithTxn sends msg as part of the transaction identified by txnID,
// wrapping the delivery's terminal outcome in a TransactionalState so
// the receiving coordinator or link enlists it under that transaction
// instead of settling it immediately.
func (s *Sender) SendWithTxn(ctx context.Context, msg *Message, txnID []byte) error {
	select {
	case <-s.detached:
		return s.err
	default:
	}

	done, err := s.send(ctx, msg, &encoding.TransactionalState{TxnID: txnID})
	if err != nil {
		return err
	}

	return s.awaitOutcome(ctx, done)
}

func (s *Sender) awaitOutcome(ctx context.Context, done chan encoding.DeliveryState) error {
	select {
	case state := <-done:
		if txn, ok := state.(*encoding.TransactionalState); ok {
			state = txn.Outcome
		}
		if state, ok := state.(*encoding.StateRejected); ok {
			if s.detachOnRejectDisp() {
				return &DetachError{RemoteError: state.Error}
			}
			return state.Error
		}
		return nil
	case <-s.detached:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send is separated from Send so the mutex can be unlocked before
// waiting on confirmation. txnState, if non-nil, is set as the final
// transfer frame's own state, posting the delivery under a transaction
// instead of letting the receiver settle it outright.
func (s *Sender) send(ctx context.Context, msg *Message, txnState encoding.DeliveryState) (chan encoding.DeliveryState, error) {
	const maxDeliveryTagLength = 32
	if len(msg.DeliveryTag) > maxDeliveryTagLength {
		return nil, fmt.Errorf("delivery tag is over the allowed %v bytes, len: %v", maxDeliveryTagLength, len(msg.DeliveryTag))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	if err := msg.Marshal(&s.buf); err != nil {
		return nil, err
	}

	if s.maxMessageSize != 0 && uint64(s.buf.Len()) > s.maxMessageSize {
		return nil, fmt.Errorf("encoded message size exceeds max of %d", s.maxMessageSize)
	}

	var (
		maxPayloadSize = int(s.session.conn.peerMaxFrameSize) - maxTransferFrameHeader
		sndSettleMode  = s.senderSettleMode
		senderSettled  = sndSettleMode != nil && (*sndSettleMode == ModeSettled || (*sndSettleMode == ModeMixed && msg.SendSettled))
	)

	deliveryTag := msg.DeliveryTag
	if len(deliveryTag) == 0 {
		deliveryTag = make([]byte, 8)
		binary.BigEndian.PutUint64(deliveryTag, s.nextDeliveryTag)
		s.nextDeliveryTag++
	}

	format := msg.Format
	var deliveryID uint32
	fr := frames.PerformTransfer{
		Handle:        s.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   deliveryTag,
		MessageFormat: &format,
		More:          s.buf.Len() > 0,
	}

	for fr.More {
		buf, _ := s.buf.Next(maxPayloadSize)
		fr.Payload = append([]byte(nil), buf...)
		fr.More = s.buf.Len() > 0
		if !fr.More {
			fr.Settled = senderSettled
			fr.Done = make(chan encoding.DeliveryState, 1)
			fr.State = txnState
		}

		select {
		case s.transfers <- fr:
		case <-s.detached:
			return nil, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// only the first Transfer of a fragmented message carries these.
		fr.DeliveryID = nil
		fr.DeliveryTag = nil
		fr.MessageFormat = nil
	}

	return fr.Done, nil
}

// Close closes the Sender and the underlying AMQP link.
func (s *Sender) Close(ctx context.Context) error {
	return s.closeLink(ctx)
}

// newSender creates a new sending link and attaches it to the session.
func newSender(ctx context.Context, target string, session *Session, opts []LinkOption) (*Sender, error) {
	s := &Sender{
		link: link{
			key:                      linkKey{name: shared.RandString(40), role: encoding.RoleSender},
			target:                   &encoding.Target{Address: target},
			source:                   new(encoding.Source),
			detachOnDispositionError: true,
		},
	}

	for _, opt := range opts {
		if err := opt(&s.link); err != nil {
			return nil, err
		}
	}

	if err := s.attach(ctx, session); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sender) attach(ctx context.Context, session *Session) error {
	// Sending unsettled messages while the receiver is in ModeSecond
	// requires a three-way handshake this implementation doesn't drive
	// to completion, so it's disallowed up front.
	if senderSettleModeValue(s.senderSettleMode) != ModeSettled && receiverSettleModeValue(s.receiverSettleMode) == ModeSecond {
		return errors.New("sender does not support exactly-once guarantee")
	}

	if err := s.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		if pa.Target == nil {
			pa.Target = new(encoding.Target)
		}
		pa.Target.Dynamic = s.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if s.target == nil {
			s.target = new(encoding.Target)
		}
		if s.dynamicAddr && pa.Target != nil {
			s.target.Address = pa.Target.Address
		}
	}); err != nil {
		return err
	}

	s.transfers = make(chan frames.PerformTransfer)

	go s.mux()

	return nil
}

func (s *Sender) mux() {
	defer s.muxDetach(nil, nil)

Loop:
	for {
		var outgoingTransfers chan frames.PerformTransfer
		if s.linkCredit > 0 {
			debugLog(slog.LevelDebug, "sender: credit", "linkCredit", s.linkCredit, "deliveryCount", s.deliveryCount)
			outgoingTransfers = s.transfers
		}

		select {
		case fr := <-s.rx:
			if err := s.muxHandleFrame(fr); err != nil {
				s.err = err
				return
			}

		case tr := <-outgoingTransfers:
			for {
				select {
				case s.session.txTransfer <- &tr:
					if !tr.More {
						s.deliveryCount++
						s.linkCredit--
					}
					continue Loop
				case fr := <-s.rx:
					if err := s.muxHandleFrame(fr); err != nil {
						s.err = err
						return
					}
				case <-s.close:
					s.err = ErrLinkClosed
					return
				case <-s.session.done:
					s.err = s.session.err
					return
				}
			}

		case <-s.close:
			s.err = ErrLinkClosed
			return
		case <-s.session.done:
			s.err = s.session.err
			return
		}
	}
}

// muxHandleFrame processes fr according to its type.
func (s *Sender) muxHandleFrame(fr frames.Body) error {
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		linkCredit := *fr.LinkCredit - s.deliveryCount
		if fr.DeliveryCount != nil {
			// DeliveryCount can be nil if the peer hasn't processed the
			// Attach yet; some brokers send a Flow that early anyway.
			linkCredit += *fr.DeliveryCount
		}
		s.linkCredit = linkCredit

		if !fr.Echo {
			return nil
		}

		deliveryCount := s.deliveryCount
		resp := &frames.PerformFlow{
			Handle:        &s.handle,
			DeliveryCount: &deliveryCount,
			LinkCredit:    &linkCredit,
		}
		return s.session.txFrame(resp, nil)

	case *frames.PerformDisposition:
		if rej, ok := fr.State.(*encoding.StateRejected); ok && s.detachOnRejectDisp() {
			return &DetachError{RemoteError: rej.Error}
		}
		if fr.Settled {
			return nil
		}
		resp := &frames.PerformDisposition{
			Role:    encoding.RoleSender,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}
		return s.session.txFrame(resp, nil)

	default:
		return s.link.muxHandleFrame(fr)
	}
}

func (s *Sender) detachOnRejectDisp() bool {
	return s.detachOnDispositionError && (s.receiverSettleMode == nil || *s.receiverSettleMode == ModeFirst)
}
