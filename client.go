package amqp

import (
	"context"
	"net"
)

// Client is a connection to an AMQP broker or peer.
type Client struct {
	conn *conn
}

// Dial connects to addr (an amqp:// or amqps:// URL), performs the
// protocol header, optional SASL, and Open exchange, and returns a
// ready-to-use Client.
func Dial(ctx context.Context, addr string, opts ...ConnOption) (*Client, error) {
	c, err := dialConn(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// New wraps an already-established net.Conn (e.g. a TLS or WebSocket
// stream dialed by the caller) and performs the AMQP handshake over it.
func New(netConn net.Conn, opts ...ConnOption) (*Client, error) {
	c, err := newConn(netConn, opts)
	if err != nil {
		return nil, err
	}
	if err := c.start(context.Background()); err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// NewSession opens a new Session on the connection.
func (c *Client) NewSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	select {
	case <-c.conn.done:
		return nil, ErrConnClosed
	default:
	}
	return c.conn.NewSession(ctx, opts...)
}

// Close closes the Client's connection, ending every Session and
// detaching every Link still open on it.
func (c *Client) Close() error {
	return c.conn.Close()
}
