package amqp

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/thornwright/amqp1/internal/bitmap"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
)

const defaultWindow = 5000

// Session represents an AMQP session: a sequenced, reliable stream of
// frames multiplexed over a Connection, and in turn the multiplexer of
// any number of Sender/Receiver Links. The four-cursor windowing
// (nextOutgoingID, remoteIncomingWindow, nextIncomingID, incomingWindow)
// implements flow control at the session level, independent of the
// per-link credit scheme.
type Session struct {
	conn    *conn
	channel uint16

	mu            sync.Mutex
	linksByKey    map[linkKey]*link
	linksByHandle map[uint32]*link
	handles       *bitmap.Bitmap

	// deliveryIDToHandle maps an in-flight deliveryID (assigned by this
	// session as transfers are sent) to the sending link's handle, so an
	// incoming Disposition settling a range of delivery-ids can be
	// routed to the links that sent them.
	deliveryIDToHandle map[uint32]uint32

	// pendingDone maps an in-flight deliveryID this session sent to the
	// Done channel Sender.Send is blocked on, so the first Disposition
	// naming that deliveryID can hand its outcome back to the waiting
	// caller, independent of whether the disposition also settles the
	// delivery.
	pendingDone map[uint32]chan encoding.DeliveryState

	// inFlightDeliveryID tracks, per sending link handle, the real
	// delivery-id assigned to the delivery currently being fragmented
	// across multiple Transfer frames, so continuation frames (which
	// carry no DeliveryID of their own) are bookkept under it too.
	inFlightDeliveryID map[uint32]uint32

	nextDeliveryID uint32 // atomic

	incomingWindow uint32
	outgoingWindow uint32

	// remoteIncomingWindow and nextIncomingID are two of the four
	// cursors of §4.5's windowing model; they are only ever touched
	// from mux, the same way link.go confines linkCredit/deliveryCount
	// to its own mux goroutine. nextDeliveryID above doubles as
	// next-outgoing-id: the AMQP spec assigns a transfer-id to every
	// Transfer frame (continuations included), and delivery-id is just
	// that id captured on a delivery's first frame.
	remoteIncomingWindow uint32
	nextIncomingID       uint32

	rx         chan frames.Body
	txTransfer chan *frames.PerformTransfer

	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error

	// coordinatorAttach carries an incoming Attach whose target is a
	// transaction coordinator, for a pending AcceptCoordinator call to
	// pick up.
	coordinatorAttach chan *frames.PerformAttach
}

func newSession(c *conn, channel uint16) *Session {
	return &Session{
		conn:               c,
		channel:            channel,
		linksByKey:         make(map[linkKey]*link),
		linksByHandle:      make(map[uint32]*link),
		handles:            bitmap.New(math.MaxInt16),
		deliveryIDToHandle: make(map[uint32]uint32),
		pendingDone:        make(map[uint32]chan encoding.DeliveryState),
		inFlightDeliveryID: make(map[uint32]uint32),
		incomingWindow:     defaultWindow,
		outgoingWindow:     defaultWindow,
		rx:                 make(chan frames.Body, 1),
		txTransfer:         make(chan *frames.PerformTransfer),
		close:              make(chan struct{}),
		done:               make(chan struct{}),
		coordinatorAttach:  make(chan *frames.PerformAttach, 1),
	}
}

// SessionOption configures a Session at creation time.
type SessionOption func(*Session) error

// SessionIncomingWindow sets the maximum number of incoming transfer
// frames the session will accept before the peer must stop sending.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.incomingWindow = window
		return nil
	}
}

// SessionOutgoingWindow sets the session's outgoing transfer window.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindow = window
		return nil
	}
}

// SessionMaxLinks sets the maximum number of concurrent links
// (Senders and Receivers combined) the session will allow.
func SessionMaxLinks(n int) SessionOption {
	return func(s *Session) error {
		if n < 1 || n > math.MaxInt16+1 {
			return fmt.Errorf("amqp: SessionMaxLinks value must be between 1 and %d", math.MaxInt16+1)
		}
		s.handles = bitmap.New(uint32(n - 1))
		return nil
	}
}

// begin sends the Begin performative and waits for the peer's reply,
// recording the remote session's windowing cursors.
func (s *Session) begin(ctx context.Context) error {
	begin := &frames.PerformBegin{
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handles.Max(),
	}
	if err := s.conn.txFrame(s.channel, begin, nil); err != nil {
		return err
	}

	select {
	case fr := <-s.rx:
		remoteBegin, ok := fr.(*frames.PerformBegin)
		if !ok {
			return fmt.Errorf("amqp: session: expected Begin, got %T", fr)
		}
		s.nextIncomingID = remoteBegin.NextOutgoingID
		s.remoteIncomingWindow = remoteBegin.IncomingWindow
	case <-ctx.Done():
		return ctx.Err()
	case <-s.conn.done:
		return s.conn.err
	}

	go s.mux()
	return nil
}

// NewSender opens a new sending link on the session.
func (s *Session) NewSender(ctx context.Context, target string, opts ...LinkOption) (*Sender, error) {
	return newSender(ctx, target, s, opts)
}

// NewReceiver opens a new receiving link on the session.
func (s *Session) NewReceiver(ctx context.Context, source string, opts ...LinkOption) (*Receiver, error) {
	return newReceiver(ctx, source, s, opts)
}

// NewTransactionController opens a link to the remote transaction
// coordinator, allowing this session to declare and discharge
// transactions.
func (s *Session) NewTransactionController(ctx context.Context, opts ...LinkOption) (*TransactionController, error) {
	return newTransactionController(ctx, s, opts)
}

// Close ends the session, detaching any remaining links.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.close)
		select {
		case <-s.done:
			err = s.err
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	if err == ErrSessionClosed {
		return nil
	}
	return err
}

func (s *Session) freeLink(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.linksByKey, l.key)
	delete(s.linksByHandle, l.handle)
	s.handles.Clear(l.handle)
}

// txFrame hands fr to the connection's writer, tagging it with this
// session's channel. done is passed through to conn.txFrame, which
// does not use it.
func (s *Session) txFrame(fr frames.Body, done chan encoding.DeliveryState) error {
	return s.conn.txFrame(s.channel, fr, done)
}

// mux is the session's event loop: it demultiplexes incoming frames to
// their link by handle, and serializes outgoing link frames (Attach,
// Flow, Disposition, Detach, and batched Transfers) onto the
// connection, maintaining the next-outgoing-id/incoming-window
// bookkeeping the spec requires.
func (s *Session) mux() {
	defer close(s.done)
	defer s.muxDetachLinks()

	for {
		// §4.5: never send a Transfer while remoteIncomingWindow is
		// zero; gate the channel the same way link.go gates credit.
		var txTransfer chan *frames.PerformTransfer
		if s.remoteIncomingWindow > 0 {
			txTransfer = s.txTransfer
		}

		select {
		case fr := <-s.rx:
			if err := s.muxHandleFrame(fr); err != nil {
				s.err = err
				return
			}

		case tr := <-txTransfer:
			transferID := atomic.AddUint32(&s.nextDeliveryID, 1) - 1

			// Only the first frame of a (possibly fragmented) delivery
			// carries a non-nil DeliveryID; it's the delivery's real id,
			// the one the peer will reference in its Disposition.
			// Continuation frames still consume a transfer-id (the
			// counter above), but must be bookkept under that same
			// delivery id, not their own.
			s.mu.Lock()
			deliveryID := transferID
			if tr.DeliveryID != nil {
				*tr.DeliveryID = deliveryID
				s.inFlightDeliveryID[tr.Handle] = deliveryID
			} else if id, ok := s.inFlightDeliveryID[tr.Handle]; ok {
				deliveryID = id
			}
			s.deliveryIDToHandle[deliveryID] = tr.Handle
			if tr.Done != nil {
				s.pendingDone[deliveryID] = tr.Done
				delete(s.inFlightDeliveryID, tr.Handle)
			}
			s.mu.Unlock()
			s.remoteIncomingWindow--
			if err := s.conn.txFrame(s.channel, tr, tr.Done); err != nil {
				s.err = err
				return
			}
			// A settled delivery gets no Disposition: its Done is closed
			// once the last frame has been written.
			if tr.Settled && tr.Done != nil {
				s.mu.Lock()
				delete(s.pendingDone, deliveryID)
				delete(s.deliveryIDToHandle, deliveryID)
				s.mu.Unlock()
				close(tr.Done)
			}

		case <-s.close:
			s.err = ErrSessionClosed
			_ = s.conn.txFrame(s.channel, &frames.PerformEnd{}, nil)
			return

		case <-s.conn.done:
			s.err = &ConnectionError{inner: s.conn.err}
			return
		}
	}
}

func (s *Session) muxHandleFrame(fr frames.Body) error {
	switch fr := fr.(type) {
	case *frames.PerformAttach:
		s.mu.Lock()
		l, ok := s.linksByKey[linkKey{fr.Name, !fr.Role}]
		s.mu.Unlock()
		if !ok {
			if _, isCoordinatorTarget := fr.Target.(*encoding.Coordinator); isCoordinatorTarget {
				select {
				case s.coordinatorAttach <- fr:
					return nil
				default:
				}
			}
			return fmt.Errorf("amqp: session: received Attach for unknown link %q", fr.Name)
		}
		select {
		case l.rx <- fr:
		default:
		}
		return nil

	case *frames.PerformFlow:
		// Every Flow carries the sender's session-level cursors, even
		// one targeting a specific link, so the remote-incoming-window
		// this side may send against is always refreshed here.
		s.remoteIncomingWindow = fr.IncomingWindow
		if fr.NextIncomingID != nil {
			sent := atomic.LoadUint32(&s.nextDeliveryID)
			s.remoteIncomingWindow = fr.IncomingWindow - (sent - *fr.NextIncomingID)
		}

		if fr.Handle == nil {
			return nil
		}
		s.mu.Lock()
		l, ok := s.linksByHandle[*fr.Handle]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case l.rx <- fr:
		case <-l.close:
		}
		return nil

	case *frames.PerformTransfer:
		s.mu.Lock()
		l, ok := s.linksByHandle[fr.Handle]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("amqp: session: received Transfer for unknown handle %d", fr.Handle)
		}

		if fr.DeliveryID != nil {
			s.nextIncomingID = *fr.DeliveryID + 1
		} else {
			s.nextIncomingID++
		}
		if s.incomingWindow > 0 {
			s.incomingWindow--
		}
		if s.incomingWindow == 0 {
			s.incomingWindow = defaultWindow
			nextOutgoingID := atomic.LoadUint32(&s.nextDeliveryID)
			flow := &frames.PerformFlow{
				NextIncomingID: &s.nextIncomingID,
				IncomingWindow: s.incomingWindow,
				NextOutgoingID: nextOutgoingID,
				OutgoingWindow: s.outgoingWindow,
			}
			if err := s.conn.txFrame(s.channel, flow, nil); err != nil {
				return err
			}
		}

		select {
		case l.rx <- fr:
		case <-l.close:
		}
		return nil

	case *frames.PerformDisposition:
		s.mu.Lock()
		first, last := fr.First, fr.First
		if fr.Last != nil {
			last = *fr.Last
		}
		seen := make(map[uint32]struct{})
		var dones []chan encoding.DeliveryState
		for id := first; id <= last; id++ {
			if handle, ok := s.deliveryIDToHandle[id]; ok {
				seen[handle] = struct{}{}
				if fr.Settled {
					delete(s.deliveryIDToHandle, id)
				}
			}
			if done, ok := s.pendingDone[id]; ok {
				dones = append(dones, done)
				delete(s.pendingDone, id)
			}
		}
		links := make([]*link, 0, len(seen))
		for handle := range seen {
			if l, ok := s.linksByHandle[handle]; ok {
				links = append(links, l)
			}
		}
		s.mu.Unlock()

		// Each matched Done unblocks the Sender.Send call waiting on this
		// delivery's outcome; the disposition is still forwarded to the
		// link below so it can detach on a Rejected outcome.
		state := fr.State
		if state == nil {
			state = &encoding.StateAccepted{}
		}
		for _, done := range dones {
			select {
			case done <- state:
			default:
			}
		}

		for _, l := range links {
			select {
			case l.rx <- fr:
			case <-l.close:
			}
		}
		return nil

	case *frames.PerformDetach:
		s.mu.Lock()
		l, ok := s.linksByHandle[fr.Handle]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("amqp: session: received Detach for unknown handle %d", fr.Handle)
		}
		select {
		case l.rx <- fr:
		default:
		}
		return nil

	case *frames.PerformEnd:
		if fr.Error != nil {
			return &SessionError{RemoteErr: fr.Error}
		}
		return ErrSessionClosed

	default:
		return fmt.Errorf("amqp: session: unexpected frame type %T", fr)
	}
}

// muxDetachLinks notifies every remaining link that the session is
// gone so no Send/Receive call blocks forever.
func (s *Session) muxDetachLinks() {
	s.mu.Lock()
	links := make([]*link, 0, len(s.linksByHandle))
	for _, l := range s.linksByHandle {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		l.muxDetach(s.err, nil)
	}
}
