package amqp

import (
	"context"
	"fmt"

	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
)

// linkKey uniquely identifies a link on a session: the link name plus
// the local role. Two links with the same name but opposite roles (one
// sender, one receiver) are permitted to coexist, per the spec.
type linkKey struct {
	name string
	role encoding.Role
}

// link holds the state shared by Sender and Receiver: its attach
// identity, the negotiated source/target, flow-control counters, and
// the plumbing that ties it to its Session's mux.
type link struct {
	key     linkKey
	handle  uint32
	session *Session

	source      *encoding.Source
	target      *encoding.Target
	properties  map[encoding.Symbol]interface{}
	dynamicAddr bool

	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode

	maxMessageSize uint64

	// deliveryCount and linkCredit track this link's half of the AMQP
	// flow-control protocol (§2.6.7 in spec terms): deliveryCount is the
	// running count of transfers, linkCredit the remaining budget the
	// peer has granted us (sender) or we've granted the peer (receiver).
	deliveryCount uint32
	linkCredit    uint32

	// messages buffers deliveries a Receiver has not yet handed to the
	// caller via Receive. Unused by Sender.
	messages chan Message

	manualCreditor *manualCreditor
	initialCredit  uint32

	// detachOnDispositionError controls whether a Sender detaches when
	// a delivery it sent comes back Rejected. Unused by Receiver.
	detachOnDispositionError bool

	rx       chan frames.Body
	close    chan struct{}
	closed   bool
	detached chan struct{}
	err      error
}

// attachLink negotiates the Attach exchange for l: it allocates a
// handle, sends a PerformAttach built by applying local (filling in
// role/fields only the concrete Sender/Receiver know), waits for the
// peer's PerformAttach reply, takes the peer's source, target and
// (smaller) max-message-size from it, and applies remote to the reply.
func (l *link) attachLink(ctx context.Context, s *Session, local func(*frames.PerformAttach), remote func(*frames.PerformAttach)) error {
	l.session = s

	s.mu.Lock()
	if existing, ok := s.linksByKey[l.key]; ok {
		select {
		case <-existing.detached:
			// previous holder of this name/role is gone; safe to reuse.
		default:
			s.mu.Unlock()
			return &Error{
				Condition:   ErrCondHandleInUse,
				Description: fmt.Sprintf("amqp: link name %q is already attached", l.key.name),
			}
		}
	}
	s.mu.Unlock()

	handle, ok := s.handles.Next()
	if !ok {
		return fmt.Errorf("amqp: reached session handle-max (%d)", s.handles.Max())
	}
	l.handle = handle
	l.rx = make(chan frames.Body, 1)
	l.close = make(chan struct{})
	l.detached = make(chan struct{})

	s.mu.Lock()
	s.linksByKey[l.key] = l
	s.linksByHandle[handle] = l
	s.mu.Unlock()

	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		Properties:         l.properties,
		MaxMessageSize:     l.maxMessageSize,
	}
	if local != nil {
		local(attach)
	}

	if err := s.txFrame(attach, nil); err != nil {
		s.freeLink(l)
		return err
	}

	select {
	case fr := <-l.rx:
		if d, ok := fr.(*frames.PerformDetach); ok {
			// the peer refused the link: complete the detach handshake.
			s.freeLink(l)
			_ = s.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true}, nil)
			return &DetachError{RemoteError: d.Error}
		}
		resp, ok := fr.(*frames.PerformAttach)
		if !ok {
			s.freeLink(l)
			return fmt.Errorf("amqp: expected Attach response, got %T", fr)
		}
		if resp.Source != nil {
			l.source = resp.Source
		}
		if t, ok := resp.Target.(*encoding.Target); ok {
			l.target = t
		}
		if resp.MaxMessageSize != 0 && (l.maxMessageSize == 0 || resp.MaxMessageSize < l.maxMessageSize) {
			l.maxMessageSize = resp.MaxMessageSize
		}
		if remote != nil {
			remote(resp)
		}
		return nil
	case <-s.done:
		s.freeLink(l)
		return s.err
	case <-ctx.Done():
		s.freeLink(l)
		return ctx.Err()
	}
}

// muxHandleFrame applies the default handling shared by Sender and
// Receiver for frame types neither overrides: a Detach is the only
// thing that reaches here unhandled.
func (l *link) muxHandleFrame(fr frames.Body) error {
	switch fr := fr.(type) {
	case *frames.PerformDetach:
		if !l.closed {
			// peer-initiated detach: mirror it back, closed.
			_ = l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true}, nil)
		}
		if fr.Error != nil {
			return &DetachError{RemoteError: fr.Error}
		}
		return ErrLinkClosed
	default:
		return fmt.Errorf("amqp: link: unexpected frame type %T", fr)
	}
}

// muxDetach tears down l: it signals detachment to any blocked
// callers and frees the link's handle and bookkeeping on the session.
// It sends no frame; closeLink and muxHandleFrame send the Detach.
func (l *link) muxDetach(err error, dispositionError *Error) {
	if l.err == nil {
		l.err = err
	}
	select {
	case <-l.detached:
	default:
		close(l.detached)
	}
	if l.session != nil {
		l.session.freeLink(l)
	}
}

// closeLink sends a Detach(closed=true) and waits for the peer's
// matching Detach, or for ctx to expire, or for the link to already be
// detached for some other reason.
func (l *link) closeLink(ctx context.Context) error {
	select {
	case <-l.detached:
		return nil
	default:
	}
	l.closed = true
	err := l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true}, nil)
	if err == nil {
		select {
		case <-l.detached:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	close(l.close)
	if err != nil {
		return err
	}
	if l.err == ErrLinkClosed {
		return nil
	}
	if de, ok := l.err.(*DetachError); ok && de.RemoteError == nil {
		return nil
	}
	return l.err
}

// DrainCredit requests the peer drain any outstanding link-credit (for
// links configured with LinkWithManualCredits) and blocks until the
// drain completes, ctx expires, or the link detaches.
func (l *link) DrainCredit(ctx context.Context) error {
	if l.manualCreditor == nil {
		return fmt.Errorf("amqp: drain can only be used with manual credit management")
	}
	return l.manualCreditor.Drain(ctx, l)
}

// IssueCredit queues additional link-credit to be sent on the next
// Flow frame. Requires manual credit management.
func (l *link) IssueCredit(credits uint32) error {
	if l.manualCreditor == nil {
		return fmt.Errorf("amqp: issue credit can only be used with manual credit management")
	}
	return l.manualCreditor.IssueCredit(credits, l)
}

// muxFlow sends a Flow frame advertising linkCredit (and, if draining,
// the drain flag) to the peer.
func (l *link) muxFlow(linkCredit uint32, drain bool) error {
	var (
		deliveryCount = l.deliveryCount
		handle        = l.handle
	)
	if !drain {
		l.linkCredit = linkCredit
	}
	fr := &frames.PerformFlow{
		Handle:        &handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit,
		Drain:         drain,
	}
	return l.session.txFrame(fr, nil)
}

// LinkOption configures a Sender or Receiver at construction time.
type LinkOption func(*link) error

// LinkName sets the link's name. If unset, a random name is generated.
func LinkName(name string) LinkOption {
	return func(l *link) error {
		l.key.name = name
		return nil
	}
}

// LinkSourceAddress sets the Source address for a link (only
// meaningful on a Receiver; Senders use LinkTargetAddress).
func LinkSourceAddress(addr string) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(encoding.Source)
		}
		l.source.Address = addr
		return nil
	}
}

// LinkTargetAddress sets the Target address for a link (only
// meaningful on a Sender).
func LinkTargetAddress(addr string) LinkOption {
	return func(l *link) error {
		if l.target == nil {
			l.target = new(encoding.Target)
		}
		l.target.Address = addr
		return nil
	}
}

// LinkSenderSettle sets the requested sender settlement mode.
func LinkSenderSettle(mode SenderSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeMixed {
			return fmt.Errorf("invalid SenderSettleMode %d", mode)
		}
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle sets the requested receiver settlement mode.
func LinkReceiverSettle(mode ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeSecond {
			return fmt.Errorf("invalid ReceiverSettleMode %d", mode)
		}
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkProperty sets a string-valued link property.
func LinkProperty(key, value string) LinkOption {
	return linkProperty(key, value)
}

// LinkPropertyInt64 sets an int64-valued link property.
func LinkPropertyInt64(key string, value int64) LinkOption {
	return linkProperty(key, value)
}

// LinkPropertyInt32 sets an int32-valued link property.
func LinkPropertyInt32(key string, value int32) LinkOption {
	return linkProperty(key, value)
}

func linkProperty(key string, value interface{}) LinkOption {
	return func(l *link) error {
		if key == "" {
			return fmt.Errorf("amqp: link property key must not be empty")
		}
		if l.properties == nil {
			l.properties = make(map[encoding.Symbol]interface{})
		}
		l.properties[encoding.Symbol(key)] = value
		return nil
	}
}

// LinkSourceCapabilities sets the Source's offered capabilities.
func LinkSourceCapabilities(capabilities ...string) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(encoding.Source)
		}
		for _, c := range capabilities {
			l.source.Capabilities = append(l.source.Capabilities, encoding.Symbol(c))
		}
		return nil
	}
}

// LinkSourceFilter adds a named filter to the Source's filter-set. code
// is the filter's descriptor (usually a well-known Symbol name).
func LinkSourceFilter(name string, code uint64, value interface{}) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(encoding.Source)
		}
		if l.source.Filter == nil {
			l.source.Filter = make(encoding.Filter)
		}
		l.source.Filter[encoding.Symbol(name)] = &encoding.DescribedType{
			Descriptor: code,
			Value:      value,
		}
		return nil
	}
}

// LinkSelectorFilter adds a SQL-92 style selector filter to the
// Source's filter-set.
func LinkSelectorFilter(filter string) LinkOption {
	const selectorFilterCode uint64 = 0x0000468C00000004
	return LinkSourceFilter("apache.org:selector-filter:string", selectorFilterCode, filter)
}

// LinkIgnoreDispositionErrors keeps a Sender's link open across
// Rejected dispositions instead of detaching it, for peers where
// per-message rejection (e.g. throttling) is routine rather than fatal.
func LinkIgnoreDispositionErrors() LinkOption {
	return func(l *link) error {
		l.detachOnDispositionError = false
		return nil
	}
}

// LinkWithManualCredits disables automatic credit replenishment on a
// Receiver, requiring the caller to call Receiver.IssueCredit.
func LinkWithManualCredits() LinkOption {
	return func(l *link) error {
		l.manualCreditor = &manualCreditor{}
		return nil
	}
}
