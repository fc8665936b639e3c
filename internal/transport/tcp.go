package transport

import (
	"context"
	"fmt"
	"net"
)

// dialTCP connects to addr over plain TCP. The connect itself runs in the
// background and is polled until it completes or opts.ConnectTimeout passes.
func dialTCP(ctx context.Context, addr string, opts Options) (*TimedConn, error) {
	conn, err := awaitConnect(ctx, opts,
		func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		func(c net.Conn) { c.Close() },
	)
	if err != nil {
		return nil, fmt.Errorf("TCP dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return newTimedConn(conn, DialTCP, conn.LocalAddr(), conn.RemoteAddr(), opts, nil), nil
}

// tcpListener accepts plain TCP connections for the server side.
type tcpListener struct {
	ln   net.Listener
	port int
	opts Options
}

func listenTCP(addr string, opts Options) (*tcpListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	return &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
		opts: opts,
	}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *tcpListener) Port() int {
	return l.port
}

// Addr returns the bound address.
func (l *tcpListener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits for a new TCP connection or for ctx to end.
func (l *tcpListener) Accept(ctx context.Context) (*TimedConn, error) {
	// Use a channel so we can respect context cancellation
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept TCP connection: %w", res.err)
		}
		if tc, ok := res.conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return newTimedConn(res.conn, DialTCP, res.conn.LocalAddr(), res.conn.RemoteAddr(), l.opts, nil), nil
	case <-ctx.Done():
		// The goroutine stays blocked in Accept until the listener is
		// closed. A connection it accepts in the meantime is dropped.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts down the TCP listener.
func (l *tcpListener) Close() error {
	return l.ln.Close()
}
