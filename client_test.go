package amqp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/thornwright/amqp1/internal/frames"
	"github.com/thornwright/amqp1/internal/mocks"
)

type mockDialer struct {
	resp func(frames.Body) ([]byte, error)
}

func (m mockDialer) NetDialerDial(c *conn, host, port string) error {
	c.net = mocks.NewNetConn(m.resp)
	return nil
}

func (mockDialer) TLSDialWithDialer(c *conn, host, port string) error {
	panic("nyi")
}

func ammqpHeader() []byte {
	return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}
}

func TestClientDial(t *testing.T) {
	responder := func(req frames.Body) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return ammqpHeader(), nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	client, err := Dial(context.Background(), "amqp://localhost", connDialer(mockDialer{resp: responder}))
	if err != nil {
		t.Fatal(err)
	}
	if client == nil {
		t.Fatal("unexpected nil client")
	}
	time.Sleep(50 * time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	// error case: the peer refuses to Open.
	responder = func(req frames.Body) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return ammqpHeader(), nil
		case *frames.PerformOpen:
			return nil, errors.New("mock read failed")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	client, err = Dial(context.Background(), "amqp://localhost", connDialer(mockDialer{resp: responder}))
	if err == nil {
		t.Fatal("unexpected nil error")
	}
	if client != nil {
		t.Fatal("unexpected non-nil client")
	}
}

func TestClientClose(t *testing.T) {
	defer leaktest.Check(t)()

	responder := func(req frames.Body) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return ammqpHeader(), nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	client, err := Dial(context.Background(), "amqp://localhost", connDialer(mockDialer{resp: responder}))
	if err != nil {
		t.Fatal(err)
	}
	if client == nil {
		t.Fatal("unexpected nil client")
	}
	time.Sleep(50 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
	// closing twice must not error or panic.
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionOptions(t *testing.T) {
	tests := []struct {
		label  string
		opt    SessionOption
		verify func(t *testing.T, s *Session)
		fails  bool
	}{
		{
			label: "SessionIncomingWindow",
			opt:   SessionIncomingWindow(5000),
			verify: func(t *testing.T, s *Session) {
				if s.incomingWindow != 5000 {
					t.Errorf("unexpected incoming window %d", s.incomingWindow)
				}
			},
		},
		{
			label: "SessionOutgoingWindow",
			opt:   SessionOutgoingWindow(6000),
			verify: func(t *testing.T, s *Session) {
				if s.outgoingWindow != 6000 {
					t.Errorf("unexpected outgoing window %d", s.outgoingWindow)
				}
			},
		},
		{
			label: "SessionMaxLinksTooSmall",
			opt:   SessionMaxLinks(0),
			fails: true,
		},
		{
			label: "SessionMaxLinksTooLarge",
			opt:   SessionMaxLinks(math.MaxInt),
			fails: true,
		},
		{
			label: "SessionMaxLinks",
			opt:   SessionMaxLinks(4096),
			verify: func(t *testing.T, s *Session) {
				if s.handles.Max() != 4096-1 {
					t.Errorf("unexpected max links %d", s.handles.Max())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			session := newSession(nil, 0)
			err := tt.opt(session)
			if tt.fails {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.verify(t, session)
		})
	}
}

func TestClientNewSession(t *testing.T) {
	const channelNum = 0
	const incomingWindow = 5000
	const outgoingWindow = 6000

	responder := func(req frames.Body) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return ammqpHeader(), nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			if tt.IncomingWindow != incomingWindow {
				return nil, fmt.Errorf("unexpected incoming window %d", tt.IncomingWindow)
			}
			if tt.OutgoingWindow != outgoingWindow {
				return nil, fmt.Errorf("unexpected outgoing window %d", tt.OutgoingWindow)
			}
			return mocks.PerformBegin(channelNum)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	session, err := client.NewSession(context.Background(), SessionIncomingWindow(incomingWindow), SessionOutgoingWindow(outgoingWindow))
	if err != nil {
		t.Fatal(err)
	}
	if session == nil {
		t.Fatal("unexpected nil session")
	}
	if sc := session.channel; sc != channelNum {
		t.Fatalf("unexpected channel number %d", sc)
	}
	time.Sleep(50 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
	// creating a session after the connection has been closed returns an error.
	session, err = client.NewSession(context.Background())
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("unexpected error %v", err)
	}
	if session != nil {
		t.Fatal("expected nil session")
	}
}

func TestClientMultipleSessions(t *testing.T) {
	defer leaktest.Check(t)()

	channelNum := uint16(0)

	responder := func(req frames.Body) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return ammqpHeader(), nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			b, err := mocks.PerformBegin(channelNum)
			channelNum++
			return b, err
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	session1, err := client.NewSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if session1 == nil {
		t.Fatal("unexpected nil session")
	}
	if sc := session1.channel; sc != 0 {
		t.Fatalf("unexpected channel number %d", sc)
	}

	session2, err := client.NewSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if session2 == nil {
		t.Fatal("unexpected nil session")
	}
	if sc := session2.channel; sc != 1 {
		t.Fatalf("unexpected channel number %d", sc)
	}
	time.Sleep(50 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestClientTooManySessions(t *testing.T) {
	channelNum := uint16(0)

	responder := func(req frames.Body) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return ammqpHeader(), nil
		case *frames.PerformOpen:
			// advertise a tiny channel-max so a third session is refused.
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformOpen{
				ChannelMax:   1,
				ContainerID:  "test",
				IdleTimeout:  time.Minute,
				MaxFrameSize: 4294967295,
			})
		case *frames.PerformBegin:
			b, err := mocks.PerformBegin(channelNum)
			channelNum++
			return b, err
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint16(0); i < 3; i++ {
		session, err := client.NewSession(context.Background())
		if i < 2 {
			if err != nil {
				t.Fatal(err)
			}
			if session == nil {
				t.Fatal("unexpected nil session")
			}
		} else {
			if err == nil {
				t.Fatal("unexpected nil error")
			}
			if session != nil {
				t.Fatal("expected nil session")
			}
		}
	}
	time.Sleep(50 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestClientNewSessionInvalidOption(t *testing.T) {
	responder := func(req frames.Body) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return ammqpHeader(), nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	session, err := client.NewSession(context.Background(), SessionMaxLinks(0))
	if err == nil {
		t.Fatal("unexpected nil error")
	}
	if session != nil {
		t.Fatal("expected nil session")
	}
	time.Sleep(50 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestClientNewSessionInvalidInitialResponse(t *testing.T) {
	responder := func(req frames.Body) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return ammqpHeader(), nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			// respond with the wrong frame type
			return mocks.PerformOpen("bad")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	session, err := client.NewSession(context.Background())
	if err == nil {
		t.Fatal("unexpected nil error")
	}
	if session != nil {
		t.Fatal("expected nil session")
	}
}
