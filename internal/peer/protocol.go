// Package peer carries request/reply exchanges of protocol.Message frames
// between a client and a server over transport.TimedConn.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/protocol"
	"github.com/chronologos/ddnet/internal/transport"
)

// Handler processes one request and returns the reply to send, or nil for
// no reply. An *AppError becomes an error reply and keeps the connection
// open; any other error closes it.
type Handler interface {
	Handle(ctx context.Context, remote string, msg *protocol.Message) (*protocol.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, remote string, msg *protocol.Message) (*protocol.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, remote string, msg *protocol.Message) (*protocol.Message, error) {
	return f(ctx, remote, msg)
}

// AppError is an application-level failure reported to the peer in a
// normal reply.
type AppError struct {
	Text string
}

func (e *AppError) Error() string { return e.Text }

// Errorf builds an AppError.
func Errorf(format string, args ...any) *AppError {
	return &AppError{Text: fmt.Sprintf(format, args...)}
}

// Protocol is the per-connection strategy a Dispatcher drives. One value
// serves one connection; the dispatcher calls Init once, then loops
// ReadRequest, Process, Reply until ShouldKeepAlive reports false or a step
// fails.
type Protocol interface {
	Init(conn *transport.TimedConn)
	ReadRequest() error
	Process(ctx context.Context) error
	Reply() error
	ShouldKeepAlive() bool
}

// FrameProtocol answers protocol.Message frames with a Handler and echoes
// TypeTest frames unchanged.
type FrameProtocol struct {
	Handler Handler
	// KeepAlive is the connection policy when the handler's reply does not
	// set protocol.FieldKeepAlive itself.
	KeepAlive bool
	Log       *slog.Logger

	conn      *transport.TimedConn
	remote    string
	reqType   int32
	raw       []byte
	req       *protocol.Message
	reply     *protocol.Message
	keepAlive bool
}

// Init binds the protocol to its connection.
func (p *FrameProtocol) Init(conn *transport.TimedConn) {
	p.conn = conn
	p.remote = conn.RemoteAddr().String()
	p.Log = logging.OrDiscard(p.Log)
}

// ReadRequest reads the next frame. A payload that does not decode is
// reported as bad framing, which closes the connection.
func (p *FrameProtocol) ReadRequest() error {
	p.req, p.reply, p.raw = nil, nil, nil
	p.keepAlive = p.KeepAlive

	msgType, payload, err := p.conn.ReadFrame()
	if err != nil {
		return err
	}
	p.reqType = msgType
	if msgType == protocol.TypeTest {
		p.raw = payload
		return nil
	}
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		return &protocol.ProtocolError{Kind: protocol.BadFraming, Err: err}
	}
	p.req = msg
	return nil
}

// Process runs the handler.
func (p *FrameProtocol) Process(ctx context.Context) error {
	switch p.reqType {
	case protocol.TypeTest:
		return nil
	case protocol.TypeMessage:
	default:
		p.reply = protocol.NewError(p.req.GameID, fmt.Sprintf("unexpected frame type %d", p.reqType))
		return nil
	}

	reply, err := p.Handler.Handle(ctx, p.remote, p.req)
	if err != nil {
		var appErr *AppError
		if errors.As(err, &appErr) {
			p.Log.Warn("application error", "remote", p.remote, "msg", p.req.Summary(), "err", appErr.Text)
			p.reply = protocol.NewError(p.req.GameID, appErr.Text)
			return nil
		}
		p.keepAlive = false
		p.reply = protocol.NewError(p.req.GameID, "internal error")
		return err
	}
	if reply != nil && reply.IsError() {
		p.Log.Warn("error reply", "remote", p.remote, "msg", p.req.Summary(), "err", reply.String(protocol.FieldError))
	}
	p.reply = reply
	return nil
}

// Reply writes the reply frame, if any, stamped with the keep-alive
// decision so the client knows whether to reuse the connection.
func (p *FrameProtocol) Reply() error {
	if p.reqType == protocol.TypeTest {
		return p.conn.WriteFrame(protocol.TypeReply, p.raw)
	}
	if p.reply == nil || (p.req != nil && p.req.Bool(protocol.FieldNoReply)) {
		return nil
	}
	if p.reply.Has(protocol.FieldKeepAlive) {
		p.keepAlive = p.keepAlive && p.reply.Bool(protocol.FieldKeepAlive)
	}
	p.reply.Set(protocol.FieldKeepAlive, p.keepAlive)
	return p.conn.WriteMessage(protocol.TypeReply, p.reply)
}

// ShouldKeepAlive reports whether to read another request.
func (p *FrameProtocol) ShouldKeepAlive() bool {
	return p.keepAlive
}
