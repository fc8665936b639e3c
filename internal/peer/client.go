package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/protocol"
	"github.com/chronologos/ddnet/internal/transport"
)

// ErrNoReply is returned when the server closed the exchange without a
// reply frame.
var ErrNoReply = errors.New("no reply")

// ConnectError wraps a failure to establish the connection, as opposed to
// a failure on an established one.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Addr, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// ClientConfig holds client configuration.
type ClientConfig struct {
	Addr    string
	Mode    transport.DialMode
	Options transport.Options
	Log     *slog.Logger
}

// Client owns at most one connection to a server and reuses it across
// exchanges for as long as the server keeps it alive. Calls are
// serialized.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu   sync.Mutex
	conn *transport.TimedConn
}

// NewClient creates a client. No connection is made until the first call.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg: cfg,
		log: logging.OrDiscard(cfg.Log).With("peer", cfg.Addr),
	}
}

// Connect establishes the connection if there is none.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := transport.Dial(ctx, c.cfg.Mode, c.cfg.Addr, c.cfg.Options)
	if err != nil {
		return &ConnectError{Addr: c.cfg.Addr, Err: err}
	}
	c.log.Debug("connected", "mode", c.cfg.Mode)
	c.conn = conn
	return nil
}

// dropLocked closes the connection so the next call reconnects.
func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Send writes msg without waiting for a reply. The server is told not to
// answer, so the connection stays in step for later exchanges.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	out := msg.Clone().Set(protocol.FieldNoReply, true)
	if err := c.conn.WriteMessage(protocol.TypeMessage, out); err != nil {
		c.dropLocked()
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// SendAndAwaitReply writes msg and reads the reply on the same connection.
// An error reply from the server is returned as a message, not an error.
func (c *Client) SendAndAwaitReply(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	if err := c.conn.WriteMessage(protocol.TypeMessage, msg); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("send: %w", err)
	}
	msgType, reply, err := c.conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		if errors.Is(err, protocol.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %w", ErrNoReply, err)
		}
		return nil, fmt.Errorf("await reply: %w", err)
	}
	if msgType != protocol.TypeReply {
		c.dropLocked()
		return nil, &protocol.ProtocolError{Kind: protocol.BadFraming, Err: fmt.Errorf("reply frame type %d", msgType)}
	}
	if !reply.Bool(protocol.FieldKeepAlive) {
		c.dropLocked()
	}
	return reply, nil
}

// Test sends a TypeTest frame and returns the echoed payload.
func (c *Client) Test(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	if err := c.conn.WriteFrame(protocol.TypeTest, payload); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("send test: %w", err)
	}
	msgType, echo, err := c.conn.ReadFrame()
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("await test reply: %w", err)
	}
	if msgType != protocol.TypeReply {
		c.dropLocked()
		return nil, &protocol.ProtocolError{Kind: protocol.BadFraming, Err: fmt.Errorf("reply frame type %d", msgType)}
	}
	return echo, nil
}

// Connected reports whether a connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
