package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/ddnet/internal/protocol"
)

// stream is the subset of net.Conn and *quic.Stream the timed loops need.
type stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// TimedConn turns a stream into boundedly-blocking frame I/O.
//
// Every Read and Write is attempted with a deadline of one poll interval.
// An attempt that makes no progress is a stall; stalls accumulate and any
// progress resets the total. When the total reaches the read or write
// timeout the operation fails with protocol.ErrTimeout. A single stall
// therefore never costs more than one poll interval past the timeout.
type TimedConn struct {
	s      stream
	remote net.Addr
	local  net.Addr
	mode   DialMode
	opts   Options

	readMu  sync.Mutex
	writeMu sync.Mutex

	// release tears down what the stream lives on (QUIC connection and
	// transport). nil for TCP.
	release   func() error
	closeOnce sync.Once
	closeErr  error
}

func newTimedConn(s stream, mode DialMode, local, remote net.Addr, opts Options, release func() error) *TimedConn {
	return &TimedConn{
		s:       s,
		mode:    mode,
		local:   local,
		remote:  remote,
		opts:    opts.withDefaults(),
		release: release,
	}
}

// Mode returns the transport this connection runs over.
func (c *TimedConn) Mode() DialMode { return c.mode }

// RemoteAddr returns the peer address.
func (c *TimedConn) RemoteAddr() net.Addr { return c.remote }

// LocalAddr returns the local address.
func (c *TimedConn) LocalAddr() net.Addr { return c.local }

// Options returns the effective timeouts.
func (c *TimedConn) Options() Options { return c.opts }

// ReadFrame reads one frame, failing with protocol.ErrTimeout if the peer
// stalls for longer than the read timeout.
func (c *TimedConn) ReadFrame() (int32, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var header [protocol.HeaderSize]byte
	if err := c.readFull(header[:]); err != nil {
		return 0, nil, err
	}
	h, err := protocol.ParseHeader(header[:])
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, h.Length)
	if err := c.readFull(payload); err != nil {
		return 0, nil, err
	}
	return h.Type, payload, nil
}

// WriteFrame writes one frame, failing with protocol.ErrTimeout if the peer
// stops draining for longer than the write timeout.
func (c *TimedConn) WriteFrame(msgType int32, payload []byte) error {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeAll(frame)
}

// ReadMessage reads a frame and decodes its payload as a protocol.Message.
func (c *TimedConn) ReadMessage() (int32, *protocol.Message, error) {
	msgType, payload, err := c.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		return msgType, nil, err
	}
	return msgType, msg, nil
}

// WriteMessage encodes msg and writes it as one frame.
func (c *TimedConn) WriteMessage(msgType int32, msg *protocol.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	return c.WriteFrame(msgType, payload)
}

func (c *TimedConn) readFull(buf []byte) error {
	var stalled time.Duration
	for off := 0; off < len(buf); {
		start := time.Now()
		c.s.SetReadDeadline(start.Add(c.opts.PollInterval))
		n, err := c.s.Read(buf[off:])
		off += n
		if n > 0 {
			stalled = 0
		}
		if err == nil && n == 0 {
			// No data yet and no deadline wait happened: sleep instead.
			time.Sleep(c.opts.PollInterval)
		}
		if err != nil && !isDeadline(err) {
			return classify(err)
		}
		if n == 0 {
			stalled += time.Since(start)
			if stalled >= c.opts.ReadTimeout {
				return &protocol.ProtocolError{
					Kind: protocol.Timeout,
					Err:  fmt.Errorf("read stalled %v with %d of %d bytes", stalled.Round(time.Millisecond), off, len(buf)),
				}
			}
		}
	}
	return nil
}

func (c *TimedConn) writeAll(buf []byte) error {
	var stalled time.Duration
	for off := 0; off < len(buf); {
		start := time.Now()
		c.s.SetWriteDeadline(start.Add(c.opts.PollInterval))
		n, err := c.s.Write(buf[off:])
		off += n
		if n > 0 {
			stalled = 0
		}
		if err == nil && n == 0 {
			time.Sleep(c.opts.PollInterval)
		}
		if err != nil && !isDeadline(err) {
			return classify(err)
		}
		if n == 0 {
			stalled += time.Since(start)
			if stalled >= c.opts.WriteTimeout {
				return &protocol.ProtocolError{
					Kind: protocol.Timeout,
					Err:  fmt.Errorf("write stalled %v with %d of %d bytes", stalled.Round(time.Millisecond), off, len(buf)),
				}
			}
		}
	}
	return nil
}

// isDeadline reports whether err is an expired per-attempt deadline, as
// opposed to a dead connection.
func isDeadline(err error) bool {
	var idle *quic.IdleTimeoutError
	if errors.As(err, &idle) {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isReset reports whether the peer tore the connection down.
func isReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var (
		streamErr *quic.StreamError
		appErr    *quic.ApplicationError
		idle      *quic.IdleTimeoutError
	)
	return errors.As(err, &streamErr) || errors.As(err, &appErr) || errors.As(err, &idle)
}

// classify maps end-of-stream conditions to protocol.ErrConnectionClosed.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return &protocol.ProtocolError{Kind: protocol.ConnectionClosed, Err: err}
	case isReset(err):
		return &protocol.ProtocolError{Kind: protocol.ConnectionClosed, Err: err}
	}
	return err
}

// Close closes the stream and whatever it runs on. Safe to call more than
// once.
func (c *TimedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.s.Close()
		if c.release != nil {
			if err := c.release(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// awaitConnect runs start in the background and polls for its result every
// poll interval until it completes or the connect timeout passes. A
// connection that completes after the timeout is closed.
func awaitConnect[T any](ctx context.Context, opts Options, start func(context.Context) (T, error), discard func(T)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := start(ctx)
		ch <- result{v, err}
	}()

	abandon := func() {
		go func() {
			if res := <-ch; res.err == nil {
				discard(res.v)
			}
		}()
	}

	deadline := time.Now().Add(opts.ConnectTimeout)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var zero T
	for {
		select {
		case res := <-ch:
			return res.v, res.err
		case <-ctx.Done():
			abandon()
			return zero, ctx.Err()
		case now := <-ticker.C:
			if !now.Before(deadline) {
				cancel()
				abandon()
				return zero, &protocol.ProtocolError{
					Kind: protocol.Timeout,
					Err:  fmt.Errorf("connect not complete after %v", opts.ConnectTimeout),
				}
			}
		}
	}
}
