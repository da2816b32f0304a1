package amqp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thornwright/amqp1/internal/bitmap"
	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
)

const (
	protoAMQP uint8 = 0x0
	protoTLS  uint8 = 0x2
	protoSASL uint8 = 0x3

	defaultMaxFrameSize = 65536
	defaultChannelMax   = 65535
	defaultIdleTimeout  = 0 // disabled unless ConnIdleTimeout is set
	minMaxFrameSize     = 512
)

// dialer abstracts the network/TLS dial calls so tests can substitute
// a mock net.Conn without a real socket.
type dialer interface {
	NetDialerDial(c *conn, host, port string) error
	TLSDialWithDialer(c *conn, host, port string) error
}

type netDialer struct {
	tlsConfig *tls.Config
	timeout   time.Duration
}

func (d *netDialer) NetDialerDial(c *conn, host, port string) error {
	nd := &net.Dialer{Timeout: d.timeout}
	nc, err := nd.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	c.net = nc
	return nil
}

func (d *netDialer) TLSDialWithDialer(c *conn, host, port string) error {
	nd := &net.Dialer{Timeout: d.timeout}
	nc, err := tls.DialWithDialer(nd, "tcp", net.JoinHostPort(host, port), d.tlsConfig)
	if err != nil {
		return err
	}
	c.net = nc
	return nil
}

// conn is a single AMQP connection: it owns the network socket, the
// protocol-header and SASL handshakes, and the mux loop that routes
// incoming frames to Sessions by channel and serializes outgoing
// frames from every Session back onto the wire.
type conn struct {
	net  net.Conn
	wbuf buffer.Buffer
	rbuf *bufio.Reader

	containerID string
	hostname    string

	maxFrameSize uint32
	channelMax   uint16
	idleTimeout  time.Duration

	peerMaxFrameSize uint32
	peerChannelMax   uint16
	peerIdleTimeout  time.Duration

	saslConfig *saslConfig
	dialer     dialer

	// wmu serializes frame composition and the underlying net.Conn.Write
	// call: sessions/links each call txFrame from their own mux
	// goroutine, and c.wbuf is shared scratch space reused across calls.
	wmu sync.Mutex

	mu                sync.Mutex
	sessionsByChannel map[uint16]*Session
	channels          *bitmap.Bitmap

	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error

	// lastSendUnixNano is updated on every successful txFrameType write
	// (including by session/link goroutines outside the mux loop) so the
	// mux's heartbeat ticker can tell whether traffic already covered
	// the current half-idle-timeout window.
	lastSendUnixNano int64
}

// ConnOption configures a connection at Dial time.
type ConnOption func(*conn) error

// ConnContainerID sets the container-id advertised in the Open
// performative. If unset, a random id is generated.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnMaxFrameSize sets the largest frame this connection will accept.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < minMaxFrameSize {
			return fmt.Errorf("amqp: max frame size must be %d bytes or greater, got %d", minMaxFrameSize, n)
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnIdleTimeout sets how often this connection expects a frame (a
// heartbeat if nothing else) from the peer before declaring the
// connection dead.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return fmt.Errorf("amqp: idle timeout must not be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnSASLPlain configures SASL PLAIN authentication.
func ConnSASLPlain(username, password string) ConnOption {
	return func(c *conn) error {
		c.saslConfig = &saslConfig{kind: saslKindPlain, username: username, password: password}
		return nil
	}
}

// ConnSASLAnonymous configures SASL ANONYMOUS authentication.
func ConnSASLAnonymous() ConnOption {
	return func(c *conn) error {
		c.saslConfig = &saslConfig{kind: saslKindAnonymous}
		return nil
	}
}

// connDialer overrides the dialer used to establish the underlying
// net.Conn, letting tests substitute a fake socket.
func connDialer(d dialer) ConnOption {
	return func(c *conn) error {
		c.dialer = d
		return nil
	}
}

func newConn(netConn net.Conn, opts []ConnOption) (*conn, error) {
	c := &conn{
		net:               netConn,
		rbuf:              bufio.NewReader(netConn),
		maxFrameSize:      defaultMaxFrameSize,
		channelMax:        defaultChannelMax,
		idleTimeout:       defaultIdleTimeout,
		peerMaxFrameSize:  defaultMaxFrameSize,
		sessionsByChannel: make(map[uint16]*Session),
		channels:          bitmap.New(defaultChannelMax),
		close:             make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.containerID == "" {
		c.containerID = generateContainerID()
	}
	return c, nil
}

func dialConn(ctx context.Context, addr string, opts []ConnOption) (*conn, error) {
	u, err := parseURL(addr)
	if err != nil {
		return nil, err
	}

	c, err := newConn(nil, opts)
	if err != nil {
		return nil, err
	}
	c.hostname = u.Hostname
	if c.dialer == nil {
		c.dialer = &netDialer{}
	}

	switch u.Scheme {
	case "amqp", "":
		port := u.Port
		if port == "" {
			port = "5672"
		}
		if err := c.dialer.NetDialerDial(c, u.Hostname, port); err != nil {
			return nil, err
		}
	case "amqps":
		port := u.Port
		if port == "" {
			port = "5671"
		}
		if err := c.dialer.TLSDialWithDialer(c, u.Hostname, port); err != nil {
			return nil, err
		}
	case "amqpws", "amqpwss":
		return nil, fmt.Errorf("amqp: %s requires a WebSocket-wrapped net.Conn; dial one yourself and pass it to New", u.Scheme)
	default:
		return nil, fmt.Errorf("amqp: unsupported URL scheme %q", u.Scheme)
	}
	c.rbuf = bufio.NewReader(c.net)

	if u.User != nil {
		password, _ := u.User.Password()
		c.saslConfig = &saslConfig{kind: saslKindPlain, username: u.User.Username(), password: password}
	}

	if err := c.start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// start performs the protocol header exchange, optional SASL
// negotiation, the AMQP Open exchange, and launches the mux loop.
func (c *conn) start(ctx context.Context) error {
	if c.saslConfig != nil {
		if err := c.negotiateSASL(ctx); err != nil {
			return err
		}
	}

	if err := c.writeProtoHeader(protoAMQP); err != nil {
		return err
	}
	if _, err := c.readProtoHeader(); err != nil {
		return err
	}

	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		Hostname:     c.hostname,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout,
	}
	if err := c.txFrame(0, open, nil); err != nil {
		return err
	}

	fr, err := c.readFrame()
	if err != nil {
		return err
	}
	remoteOpen, ok := fr.(*frames.PerformOpen)
	if !ok {
		return fmt.Errorf("amqp: expected Open frame, got %T", fr)
	}
	if remoteOpen.MaxFrameSize > 0 {
		c.peerMaxFrameSize = remoteOpen.MaxFrameSize
	}
	c.peerChannelMax = remoteOpen.ChannelMax
	c.peerIdleTimeout = remoteOpen.IdleTimeout
	if remoteOpen.ChannelMax < c.channelMax {
		// negotiated channel-max is the smaller of both sides' declared
		// values; local channel allocation must respect it even though
		// the bitmap itself was sized to this side's own declared max.
		c.channelMax = remoteOpen.ChannelMax
	}

	go c.mux()
	return nil
}

func (c *conn) writeProtoHeader(id uint8) error {
	_, err := c.net.Write([]byte{'A', 'M', 'Q', 'P', id, 1, 0, 0})
	return err
}

func (c *conn) readProtoHeader() ([8]byte, error) {
	var hdr [8]byte
	_, err := io.ReadFull(c.rbuf, hdr[:])
	return hdr, err
}

// readHeader reads and parses the next 8-byte frame header from c.rbuf.
func (c *conn) readHeader() (frames.Header, error) {
	var raw [frames.HeaderSize]byte
	if _, err := io.ReadFull(c.rbuf, raw[:]); err != nil {
		return frames.Header{}, err
	}
	return frames.ReadHeader(buffer.New(raw[:]))
}

func (c *conn) readFrame() (frames.Body, error) {
	header, err := c.readHeader()
	if err != nil {
		return nil, err
	}
	rawBody := make([]byte, header.Size-frames.HeaderSize)
	if _, err := io.ReadFull(c.rbuf, rawBody); err != nil {
		return nil, err
	}
	return frames.ReadBody(buffer.New(rawBody))
}

// txFrame serializes fr and writes it on channel. Callers from any
// goroutine may call this directly (session/link mux goroutines, and
// the initial handshake before the mux exists): txFrameType holds wmu
// around every compose and net.Conn.Write.
func (c *conn) txFrame(channel uint16, body frames.Body, done chan encoding.DeliveryState) error {
	return c.txFrameType(protoAMQP, channel, body, done)
}

func (c *conn) txFrameType(typ uint8, channel uint16, body frames.Body, done chan encoding.DeliveryState) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.wbuf.Reset()
	if err := frames.Write(&c.wbuf, frames.Frame{Type: typ, Channel: channel, Body: body}); err != nil {
		return err
	}
	_, err := c.net.Write(c.wbuf.Bytes())
	if err == nil {
		atomic.StoreInt64(&c.lastSendUnixNano, time.Now().UnixNano())
	}
	if done != nil {
		// Done is never touched here: the session closes it after
		// writing a settled transfer, or hands it the outcome from the
		// first Disposition naming an unsettled one.
		_ = done
	}
	return err
}

// NewSession opens a new Session (AMQP "channel") on the connection.
func (c *conn) NewSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	c.mu.Lock()
	chIdx, ok := c.channels.Next()
	if ok && chIdx > uint32(c.channelMax) {
		c.channels.Clear(chIdx)
		ok = false
	}
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("amqp: reached connection channel-max (%d)", c.channelMax)
	}
	channel := uint16(chIdx)
	s := newSession(c, channel)
	c.mu.Unlock()

	for _, opt := range opts {
		if err := opt(s); err != nil {
			c.mu.Lock()
			c.channels.Clear(chIdx)
			c.mu.Unlock()
			return nil, err
		}
	}

	c.mu.Lock()
	c.sessionsByChannel[channel] = s
	c.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		c.mu.Lock()
		delete(c.sessionsByChannel, channel)
		c.channels.Clear(chIdx)
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Close has the mux send the Close performative, waits for the mux to
// exit, then closes the socket. It does not wait for the peer's Close
// reply.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.close)
		<-c.done
		err = c.net.Close()
		if c.err != nil && c.err != ErrConnClosed {
			err = c.err
		}
	})
	return err
}

// mux is the connection's central event loop: it reads frames off the
// wire and routes them by channel to the owning Session, and tears
// down every Session when the connection itself ends.
func (c *conn) mux() {
	defer close(c.done)
	defer c.muxClose()

	var lastRecvUnixNano int64
	now := time.Now().UnixNano()
	atomic.StoreInt64(&lastRecvUnixNano, now)
	atomic.StoreInt64(&c.lastSendUnixNano, now)

	rxErr := make(chan error, 1)
	rx := make(chan struct {
		channel uint16
		body    frames.Body
	}, 1)
	go func() {
		for {
			header, err := c.readHeader()
			if err != nil {
				rxErr <- err
				return
			}
			atomic.StoreInt64(&lastRecvUnixNano, time.Now().UnixNano())
			if header.Size == frames.HeaderSize {
				continue // heartbeat: counts as traffic, carries no body
			}
			raw := make([]byte, header.Size-frames.HeaderSize)
			if _, err := io.ReadFull(c.rbuf, raw); err != nil {
				rxErr <- err
				return
			}
			body, err := frames.ReadBody(buffer.New(raw))
			if err != nil {
				rxErr <- err
				return
			}
			select {
			case rx <- struct {
				channel uint16
				body    frames.Body
			}{header.Channel, body}:
			case <-c.close:
				return
			}
		}
	}()

	// idleCheck polls at a quarter of the tightest deadline in play so
	// that both the incoming idle-timeout (local's own declared value,
	// §4.3) and the outgoing heartbeat deadline (half the peer's
	// declared value) are noticed promptly without a timer per frame.
	var idleCheck *time.Ticker
	var idleCheckC <-chan time.Time
	if c.idleTimeout > 0 || c.peerIdleTimeout > 0 {
		interval := c.idleTimeout
		if c.peerIdleTimeout > 0 && (interval == 0 || c.peerIdleTimeout/2 < interval) {
			interval = c.peerIdleTimeout / 2
		}
		interval /= 4
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		idleCheck = time.NewTicker(interval)
		idleCheckC = idleCheck.C
		defer idleCheck.Stop()
	}

	for {
		select {
		case fr := <-rx:
			if _, ok := fr.body.(*frames.PerformClose); ok {
				c.err = ErrConnClosed
				return
			}
			if uint32(fr.channel) > uint32(c.channelMax) {
				c.err = fmt.Errorf("amqp: connection: channel %d exceeds negotiated channel-max %d", fr.channel, c.channelMax)
				_ = c.txFrame(0, &frames.PerformClose{Error: &encoding.Error{
					Condition:   ErrCondFramingError,
					Description: c.err.Error(),
				}}, nil)
				return
			}
			c.mu.Lock()
			s, ok := c.sessionsByChannel[fr.channel]
			c.mu.Unlock()
			if !ok {
				c.err = fmt.Errorf("amqp: connection: frame for unknown channel %d", fr.channel)
				_ = c.txFrame(0, &frames.PerformClose{Error: &encoding.Error{
					Condition:   ErrCondNotFound,
					Description: c.err.Error(),
				}}, nil)
				return
			}
			select {
			case s.rx <- fr.body:
			case <-s.done:
			}

		case err := <-rxErr:
			c.err = err
			return

		case <-idleCheckC:
			now := time.Now()
			if c.idleTimeout > 0 {
				last := time.Unix(0, atomic.LoadInt64(&lastRecvUnixNano))
				if now.Sub(last) > c.idleTimeout {
					c.err = fmt.Errorf("amqp: connection idle timeout exceeded")
					_ = c.txFrame(0, &frames.PerformClose{Error: &encoding.Error{
						Condition:   ErrCondConnectionForced,
						Description: c.err.Error(),
					}}, nil)
					return
				}
			}
			if c.peerIdleTimeout > 0 {
				last := time.Unix(0, atomic.LoadInt64(&c.lastSendUnixNano))
				if now.Sub(last) >= c.peerIdleTimeout/2 {
					if err := c.txFrame(0, nil, nil); err != nil {
						c.err = err
						return
					}
				}
			}

		case <-c.close:
			_ = c.txFrame(0, &frames.PerformClose{}, nil)
			c.err = ErrConnClosed
			return
		}
	}
}

// muxClose records c.err on every still-registered session so it's
// visible as soon as each session's own mux goroutine wakes on
// s.conn.done and returns. It must not close s.done itself: that
// channel has exactly one closer, the session's own mux (deferred at
// session.go), and a session whose mux is still running when the
// connection dies will always wake on <-s.conn.done right after this
// runs, so there is nothing to gain by racing it here.
func (c *conn) muxClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessionsByChannel {
		s.err = c.err
	}
}

var containerIDCounter uint64

func generateContainerID() string {
	return "amqp1-" + strconv.FormatUint(atomic.AddUint64(&containerIDCounter, 1), 36)
}
