package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/chronologos/ddnet/internal/protocol"
)

func fastOptions() Options {
	return Options{
		PollInterval:   20 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    300 * time.Millisecond,
		WriteTimeout:   300 * time.Millisecond,
	}
}

// setupConnPair creates a listener for mode and dials into it, returning both sides.
func setupConnPair(t *testing.T, mode DialMode, opts Options) (serverConn, clientConn *TimedConn, cleanup func()) {
	t.Helper()

	ln, err := Listen(mode, "127.0.0.1:0", opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	serverDone := make(chan *TimedConn, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- conn
	}()

	cc, err := Dial(ctx, mode, ln.Addr(), opts)
	if err != nil {
		cancel()
		ln.Close()
		t.Fatalf("%v dial: %v", mode, err)
	}

	// A QUIC stream is only announced to the server by its first frame.
	if mode == DialQUIC {
		if err := cc.WriteFrame(protocol.TypeTest, nil); err != nil {
			t.Fatalf("announce stream: %v", err)
		}
	}

	var sc *TimedConn
	select {
	case sc = <-serverDone:
	case err := <-serverErr:
		cancel()
		cc.Close()
		ln.Close()
		t.Fatalf("server accept: %v", err)
	case <-ctx.Done():
		cancel()
		cc.Close()
		ln.Close()
		t.Fatal("timeout waiting for server accept")
	}

	if mode == DialQUIC {
		if msgType, _, err := sc.ReadFrame(); err != nil || msgType != protocol.TypeTest {
			t.Fatalf("read announce frame: type=%d err=%v", msgType, err)
		}
	}

	return sc, cc, func() {
		cancel()
		sc.Close()
		cc.Close()
		ln.Close()
	}
}

func TestTCPFrameExchange(t *testing.T) {
	serverConn, clientConn, cleanup := setupConnPair(t, DialTCP, fastOptions())
	defer cleanup()

	payload := bytes.Repeat([]byte("x"), 100000)
	if err := clientConn.WriteFrame(protocol.TypeMessage, payload); err != nil {
		t.Fatalf("client write: %v", err)
	}
	msgType, got, err := serverConn.ReadFrame()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if msgType != protocol.TypeMessage || !bytes.Equal(got, payload) {
		t.Fatalf("frame mismatch: type=%d len=%d", msgType, len(got))
	}

	if err := serverConn.WriteFrame(protocol.TypeReply, []byte("ok")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	msgType, got, err = clientConn.ReadFrame()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if msgType != protocol.TypeReply || string(got) != "ok" {
		t.Fatalf("reply mismatch: type=%d %q", msgType, got)
	}
}

func TestQUICFrameExchange(t *testing.T) {
	serverConn, clientConn, cleanup := setupConnPair(t, DialQUIC, fastOptions())
	defer cleanup()

	msg := protocol.NewMessage(protocol.CatChat, "7", 0).Set(protocol.FieldText, "over quic")
	if err := clientConn.WriteMessage(protocol.TypeMessage, msg); err != nil {
		t.Fatalf("client write: %v", err)
	}
	msgType, got, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if msgType != protocol.TypeMessage || got.String(protocol.FieldText) != "over quic" {
		t.Fatalf("unexpected message: type=%d %s", msgType, got.Summary())
	}
	if serverConn.Mode() != DialQUIC {
		t.Fatalf("server mode = %v", serverConn.Mode())
	}
}

func TestReadTimeoutBound(t *testing.T) {
	opts := fastOptions()
	serverConn, _, cleanup := setupConnPair(t, DialTCP, opts)
	defer cleanup()

	start := time.Now()
	_, _, err := serverConn.ReadFrame()
	elapsed := time.Since(start)

	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if elapsed < opts.ReadTimeout {
		t.Fatalf("timed out after %v, before read timeout %v", elapsed, opts.ReadTimeout)
	}
	// One poll interval of overshoot plus scheduling slack.
	if limit := opts.ReadTimeout + opts.PollInterval + 200*time.Millisecond; elapsed > limit {
		t.Fatalf("timed out after %v, limit %v", elapsed, limit)
	}
}

func TestSlowSenderResetsStall(t *testing.T) {
	opts := fastOptions()
	serverConn, clientConn, cleanup := setupConnPair(t, DialTCP, opts)
	defer cleanup()

	frame, err := protocol.Encode(protocol.TypeMessage, []byte("trickle"))
	if err != nil {
		t.Fatal(err)
	}

	// Each gap is shorter than the read timeout but together they exceed it.
	go func() {
		raw := clientConn.s.(net.Conn)
		for i := range frame {
			raw.Write(frame[i : i+1])
			time.Sleep(opts.ReadTimeout / 4)
		}
	}()

	_, got, err := serverConn.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "trickle" {
		t.Fatalf("payload = %q", got)
	}
}

func TestPeerCloseIsConnectionClosed(t *testing.T) {
	serverConn, clientConn, cleanup := setupConnPair(t, DialTCP, fastOptions())
	defer cleanup()

	clientConn.Close()

	_, _, err := serverConn.ReadFrame()
	if !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("got %v, want connection closed", err)
	}
}

func TestCorruptHeaderOverTransport(t *testing.T) {
	serverConn, clientConn, cleanup := setupConnPair(t, DialTCP, fastOptions())
	defer cleanup()

	frame, err := protocol.Encode(protocol.TypeMessage, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	frame[9] ^= 0x01 // low bit of the type field
	if _, err := clientConn.s.Write(frame); err != nil {
		t.Fatal(err)
	}

	_, _, err = serverConn.ReadFrame()
	if !errors.Is(err, protocol.ErrCorruptChecksum) {
		t.Fatalf("got %v, want corrupt checksum", err)
	}
}

func TestWriteTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	opts := fastOptions()
	conn := newTimedConn(a, DialTCP, a.LocalAddr(), a.RemoteAddr(), opts, nil)
	defer conn.Close()

	// Nobody reads b, so the pipe never drains.
	start := time.Now()
	err := conn.WriteFrame(protocol.TypeMessage, []byte("stuck"))
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed < opts.WriteTimeout {
		t.Fatalf("timed out after %v, before write timeout", elapsed)
	}
}

func TestConnectTimeout(t *testing.T) {
	opts := fastOptions()
	opts.ConnectTimeout = 150 * time.Millisecond

	discarded := make(chan int, 1)
	start := time.Now()
	_, err := awaitConnect(context.Background(), opts,
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		func(v int) { discarded <- v },
	)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > opts.ConnectTimeout+opts.PollInterval+200*time.Millisecond {
		t.Fatalf("connect timeout took %v", elapsed)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), DialTCP, addr, fastOptions())
	if err == nil {
		t.Fatal("dial to closed port succeeded")
	}
	if errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("refused connect reported as timeout: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, clientConn, cleanup := setupConnPair(t, DialTCP, fastOptions())
	defer cleanup()

	if err := clientConn.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := clientConn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestParseDialMode(t *testing.T) {
	tests := []struct {
		in   string
		want DialMode
		ok   bool
	}{
		{"", DialTCP, true},
		{"tcp", DialTCP, true},
		{"QUIC", DialQUIC, true},
		{"dual", DialDual, true},
		{"carrier-pigeon", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDialMode(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseDialMode(%q) err = %v", tt.in, err)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseDialMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
