package amqp

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
	"github.com/thornwright/amqp1/internal/mocks"
)

// newTestLink builds a link with just enough wiring (rx/close/detached
// channels, a Session backed by a real conn over a mock net.Conn that
// silently swallows whatever it's sent) to exercise the credit/flow
// bookkeeping in isolation, without a real broker on the other end.
func newTestLink(t *testing.T) *link {
	t.Helper()
	netConn := mocks.NewNetConn(func(frames.Body) ([]byte, error) { return nil, nil })
	c := &conn{net: netConn}
	s := &Session{
		conn:       c,
		txTransfer: make(chan *frames.PerformTransfer),
		done:       make(chan struct{}),
	}
	return &link{
		key:      linkKey{name: "test-link", role: encoding.RoleReceiver},
		messages: make(chan Message, 10),
		rx:       make(chan frames.Body, 1),
		close:    make(chan struct{}),
		detached: make(chan struct{}),
		session:  s,
	}
}

func TestMuxFlowTracksLinkCredit(t *testing.T) {
	l := newTestLink(t)
	if err := LinkWithManualCredits()(l); err != nil {
		t.Fatal(err)
	}

	l.linkCredit = 101

	// a draining flow leaves linkCredit untouched.
	if err := l.muxFlow(0, true); err != nil {
		t.Fatal(err)
	}
	if l.linkCredit != 101 {
		t.Errorf("linkCredit = %d, want 101 (unchanged while draining)", l.linkCredit)
	}

	// a non-draining flow adopts the new credit total.
	if err := l.muxFlow(501, false); err != nil {
		t.Fatal(err)
	}
	if l.linkCredit != 501 {
		t.Errorf("linkCredit = %d, want 501", l.linkCredit)
	}
}

func TestManualCreditorDrain(t *testing.T) {
	l := newTestLink(t)
	if err := LinkWithManualCredits()(l); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		close(started)
		result <- l.DrainCredit(context.Background())
	}()
	<-started

	// spin until Drain has registered itself, then end it; deterministic
	// since there's only ever one writer of mc.drained at a time.
	for {
		l.manualCreditor.mu.Lock()
		ready := l.manualCreditor.drained != nil
		l.manualCreditor.mu.Unlock()
		if ready {
			break
		}
	}
	l.manualCreditor.EndDrain()

	if err := <-result; err != nil {
		t.Fatal(err)
	}
}

func TestManualCreditorAlreadyDraining(t *testing.T) {
	mc := &manualCreditor{drained: make(chan struct{})}
	l := newTestLink(t)
	l.manualCreditor = mc

	err := mc.Drain(context.Background(), l)
	if err != errAlreadyDraining {
		t.Fatalf("err = %v, want errAlreadyDraining", err)
	}
}

func TestManualCreditorIssueCreditWhileDraining(t *testing.T) {
	mc := &manualCreditor{drained: make(chan struct{})}
	err := mc.IssueCredit(5, newTestLink(t))
	if err != errLinkDraining {
		t.Fatalf("err = %v, want errLinkDraining", err)
	}
	_ = mc
}

func TestManualCreditorIssueCreditExceedsBuffer(t *testing.T) {
	l := newTestLink(t)
	l.messages = make(chan Message, 4)
	l.linkCredit = 2
	mc := &manualCreditor{}
	l.manualCreditor = mc

	if err := mc.IssueCredit(1, l); err != nil {
		t.Fatalf("unexpected error for credit within capacity: %v", err)
	}
	if err := mc.IssueCredit(10, l); err != ErrCreditLimitExceeded {
		t.Fatalf("err = %v, want ErrCreditLimitExceeded", err)
	}
}

func TestManualCreditorFlowBitsResets(t *testing.T) {
	mc := &manualCreditor{}
	if err := mc.IssueCredit(7, newTestLink(t)); err != nil {
		t.Fatal(err)
	}
	drain, credits := mc.FlowBits()
	if drain {
		t.Error("expected drain = false")
	}
	if credits != 7 {
		t.Errorf("credits = %d, want 7", credits)
	}
	// a second call observes the reset state.
	drain, credits = mc.FlowBits()
	if drain || credits != 0 {
		t.Errorf("FlowBits did not reset: drain=%v credits=%d", drain, credits)
	}
}

func TestLinkOptions(t *testing.T) {
	tests := []struct {
		label string
		opts  []LinkOption

		wantSourceAddr string
		wantFilter     string
		wantProperties map[encoding.Symbol]interface{}
	}{
		{label: "no options"},
		{
			label: "properties and filters",
			opts: []LinkOption{
				LinkSelectorFilter("amqp.annotation.x-opt-offset > '100'"),
				LinkProperty("x-opt-test1", "test1"),
				LinkProperty("x-opt-test2", "test2"),
				LinkProperty("x-opt-test1", "test3"),
				LinkPropertyInt64("x-opt-test4", 1),
				LinkPropertyInt32("x-opt-test5", 2),
			},
			wantFilter: "amqp.annotation.x-opt-offset > '100'",
			wantProperties: map[encoding.Symbol]interface{}{
				"x-opt-test1": "test3",
				"x-opt-test2": "test2",
				"x-opt-test4": int64(1),
				"x-opt-test5": int32(2),
			},
		},
		{
			label:          "source address",
			opts:           []LinkOption{LinkSourceAddress("queue-one")},
			wantSourceAddr: "queue-one",
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			l := &link{}
			for _, opt := range tt.opts {
				if err := opt(l); err != nil {
					t.Fatal(err)
				}
			}
			if tt.wantSourceAddr != "" {
				if l.source == nil || l.source.Address != tt.wantSourceAddr {
					t.Errorf("source address = %+v, want %q", l.source, tt.wantSourceAddr)
				}
			}
			if tt.wantFilter != "" {
				if l.source == nil || l.source.Filter == nil {
					t.Fatalf("expected a filter, got none")
				}
				dt, ok := l.source.Filter["apache.org:selector-filter:string"]
				if !ok {
					t.Fatalf("missing selector filter in %+v", l.source.Filter)
				}
				if dt.Value != tt.wantFilter {
					t.Errorf("filter value = %v, want %q", dt.Value, tt.wantFilter)
				}
			}
			if tt.wantProperties != nil {
				if diff := cmp.Diff(tt.wantProperties, l.properties); diff != "" {
					t.Errorf("properties don't match expected (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestLinkName(t *testing.T) {
	const name = "source-name"
	l := &link{}
	if err := LinkName(name)(l); err != nil {
		t.Fatal(err)
	}
	if l.key.name != name {
		t.Errorf("link key name = %q, want %q", l.key.name, name)
	}
}

func TestLinkSenderSettleValidation(t *testing.T) {
	l := &link{}
	if err := LinkSenderSettle(SenderSettleMode(99))(l); err == nil {
		t.Fatal("expected an error for an out-of-range SenderSettleMode")
	}
	if err := LinkSenderSettle(ModeMixed)(l); err != nil {
		t.Fatal(err)
	}
	if l.senderSettleMode == nil || *l.senderSettleMode != ModeMixed {
		t.Errorf("senderSettleMode = %v, want ModeMixed", l.senderSettleMode)
	}
}

func TestLinkReceiverSettleValidation(t *testing.T) {
	l := &link{}
	if err := LinkReceiverSettle(ReceiverSettleMode(99))(l); err == nil {
		t.Fatal("expected an error for an out-of-range ReceiverSettleMode")
	}
	if err := LinkReceiverSettle(ModeSecond)(l); err != nil {
		t.Fatal(err)
	}
	if l.receiverSettleMode == nil || *l.receiverSettleMode != ModeSecond {
		t.Errorf("receiverSettleMode = %v, want ModeSecond", l.receiverSettleMode)
	}
}

func TestLinkDetachHandlesPeerError(t *testing.T) {
	l := newTestLink(t)
	l.handle = 3
	// mark as already closing locally so muxHandleFrame doesn't mirror a
	// Detach back to the mock peer; only the returned error is checked.
	l.closed = true

	cond := encoding.ErrCond("amqp:link:detach-forced")
	err := l.muxHandleFrame(&frames.PerformDetach{Handle: l.handle, Error: &encoding.Error{Condition: cond}})

	var de *DetachError
	if !asDetachError(err, &de) {
		t.Fatalf("err = %v, want *DetachError", err)
	}
	if de.RemoteError == nil || de.RemoteError.Condition != cond {
		t.Errorf("RemoteError = %+v, want condition %q", de.RemoteError, cond)
	}
}

func asDetachError(err error, target **DetachError) bool {
	de, ok := err.(*DetachError)
	if ok {
		*target = de
	}
	return ok
}
