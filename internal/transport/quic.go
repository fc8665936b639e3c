package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// dialQUIC connects to a QUIC listener and opens the single bidirectional
// stream frames travel on. Connection setup is polled like a TCP connect.
func dialQUIC(ctx context.Context, addr string, opts Options) (*TimedConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	// Use a fresh UDP socket for the client
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}

	qconn, err := awaitConnect(ctx, opts,
		func(ctx context.Context) (*quic.Conn, error) {
			return tr.Dial(ctx, udpAddr, ClientTLSConfig(), quicConfig())
		},
		func(c *quic.Conn) { c.CloseWithError(0, "connect timeout") },
	)
	if err != nil {
		tr.Close()
		udpConn.Close()
		return nil, fmt.Errorf("QUIC dial %s: %w", addr, err)
	}

	// QUIC doesn't send STREAM frames until the first Write, so the server
	// sees this stream when the first frame goes out.
	s, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		udpConn.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	release := func() error {
		s.CancelRead(0)
		qconn.CloseWithError(0, "closed")
		err := tr.Close()
		udpConn.Close()
		return err
	}
	return newTimedConn(s, DialQUIC, qconn.LocalAddr(), qconn.RemoteAddr(), opts, release), nil
}

// quicListener accepts QUIC connections and waits for each one's first
// stream in the background, so a client that never writes cannot hold up
// the accept path.
type quicListener struct {
	tr      *quic.Transport
	ln      *quic.Listener
	udpConn *net.UDPConn
	port    int
	opts    Options

	connCh chan acceptRes
	cancel context.CancelFunc
}

type acceptRes struct {
	conn *TimedConn
	err  error
}

// listenQUIC creates a QUIC listener using the provided TLS certificate.
func listenQUIC(addr string, opts Options, cert tls.Certificate) (*quicListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		tr:      tr,
		ln:      ln,
		udpConn: udpConn,
		port:    udpConn.LocalAddr().(*net.UDPAddr).Port,
		opts:    opts,
		connCh:  make(chan acceptRes, 4),
		cancel:  cancel,
	}
	go l.acceptLoop(ctx)
	return l, nil
}

func (l *quicListener) acceptLoop(ctx context.Context) {
	for {
		qconn, err := l.ln.Accept(ctx)
		if err != nil {
			select {
			case l.connCh <- acceptRes{err: fmt.Errorf("accept QUIC connection: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		go l.awaitStream(ctx, qconn)
	}
}

func (l *quicListener) awaitStream(ctx context.Context, qconn *quic.Conn) {
	sctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()
	s, err := qconn.AcceptStream(sctx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return
	}
	release := func() error {
		s.CancelRead(0)
		return qconn.CloseWithError(0, "closed")
	}
	conn := newTimedConn(s, DialQUIC, qconn.LocalAddr(), qconn.RemoteAddr(), l.opts, release)
	select {
	case l.connCh <- acceptRes{conn: conn}:
	case <-ctx.Done():
		conn.Close()
	}
}

// Accept returns the next connection whose stream is open.
func (l *quicListener) Accept(ctx context.Context) (*TimedConn, error) {
	select {
	case res := <-l.connCh:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.port
}

func (l *quicListener) Addr() string {
	return l.udpConn.LocalAddr().String()
}

// Close shuts down the listener and underlying transport.
func (l *quicListener) Close() error {
	l.cancel()
	lnErr := l.ln.Close()
	trErr := l.tr.Close()
	l.udpConn.Close()
	return errors.Join(lnErr, trErr)
}
