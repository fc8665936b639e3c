package peer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/chronologos/ddnet/internal/protocol"
	"github.com/chronologos/ddnet/internal/transport"
)

// Status summarizes the outcome of a Messenger exchange for callers that
// show it to a user or decide whether to retry.
type Status int

const (
	StatusOK Status = iota
	StatusConnectFailed
	StatusTimeout
	StatusUnknownHost
	StatusClosed
	StatusProtocol
	StatusServerError
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConnectFailed:
		return "connect failed"
	case StatusTimeout:
		return "timeout"
	case StatusUnknownHost:
		return "unknown host"
	case StatusClosed:
		return "connection closed"
	case StatusProtocol:
		return "protocol error"
	case StatusServerError:
		return "server error"
	default:
		return "error"
	}
}

// Retryable reports whether a fresh connection might succeed.
func (s Status) Retryable() bool {
	return s == StatusTimeout || s == StatusClosed || s == StatusConnectFailed
}

// StatusOf classifies err. A nil err is StatusOK.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return StatusUnknownHost
	}
	if errors.Is(err, protocol.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return StatusConnectFailed
	}
	if errors.Is(err, protocol.ErrConnectionClosed) || errors.Is(err, ErrNoReply) {
		return StatusClosed
	}
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) {
		return StatusProtocol
	}
	return StatusError
}

// Messenger keeps one Client per server address and reuses it.
type Messenger struct {
	mode transport.DialMode
	opts transport.Options
	log  *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewMessenger creates a messenger dialing with mode and opts.
func NewMessenger(mode transport.DialMode, opts transport.Options, log *slog.Logger) *Messenger {
	return &Messenger{
		mode:    mode,
		opts:    opts,
		log:     log,
		clients: make(map[string]*Client),
	}
}

func (m *Messenger) client(addr string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[addr]
	if !ok {
		c = NewClient(ClientConfig{Addr: addr, Mode: m.mode, Options: m.opts, Log: m.log})
		m.clients[addr] = c
	}
	return c
}

// Exchange sends msg to addr and returns the reply with its status. An
// error reply from the server yields StatusServerError with a nil error.
func (m *Messenger) Exchange(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Message, Status, error) {
	reply, err := m.client(addr).SendAndAwaitReply(ctx, msg)
	if err != nil {
		return nil, StatusOf(err), err
	}
	if reply.IsError() {
		return reply, StatusServerError, nil
	}
	return reply, StatusOK, nil
}

// Notify sends msg to addr without waiting for a reply.
func (m *Messenger) Notify(ctx context.Context, addr string, msg *protocol.Message) (Status, error) {
	err := m.client(addr).Send(ctx, msg)
	return StatusOf(err), err
}

// Close closes every held connection.
func (m *Messenger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, c := range m.clients {
		c.Close()
		delete(m.clients, addr)
	}
}
