package transport

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/chronologos/ddnet/internal/protocol"
)

func TestDualListenerAcceptsBothTransports(t *testing.T) {
	opts := fastOptions()
	ln, err := Listen(DialDual, "127.0.0.1:0", opts)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Accept two connections, one QUIC and one TCP
	serverConns := make(chan *TimedConn, 2)
	go func() {
		for range 2 {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			serverConns <- conn
		}
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(ln.Port()))

	qc, err := Dial(ctx, DialQUIC, addr, opts)
	if err != nil {
		t.Fatalf("QUIC dial: %v", err)
	}
	defer qc.Close()

	tc, err := Dial(ctx, DialTCP, addr, opts)
	if err != nil {
		t.Fatalf("TCP dial: %v", err)
	}
	defer tc.Close()

	testPayload := []byte("dual listener test")
	if err := qc.WriteFrame(protocol.TypeMessage, testPayload); err != nil {
		t.Fatalf("QUIC write: %v", err)
	}
	if err := tc.WriteFrame(protocol.TypeMessage, testPayload); err != nil {
		t.Fatalf("TCP write: %v", err)
	}

	seen := map[DialMode]bool{}
	for range 2 {
		select {
		case sc := <-serverConns:
			defer sc.Close()
			seen[sc.Mode()] = true
			_, got, err := sc.ReadFrame()
			if err != nil {
				t.Fatalf("%v server read: %v", sc.Mode(), err)
			}
			if !bytes.Equal(got, testPayload) {
				t.Fatalf("payload mismatch: %q", got)
			}
		case <-ctx.Done():
			t.Fatal("timeout waiting for connections")
		}
	}

	if !seen[DialQUIC] || !seen[DialTCP] {
		t.Fatalf("accepted modes = %v, want both", seen)
	}
}

func TestDualListenerCloseUnblocksAccept(t *testing.T) {
	ln, err := Listen(DialDual, "127.0.0.1:0", fastOptions())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if _, err := ln.Accept(ctx); err == nil {
		t.Fatal("accept returned a connection nobody dialed")
	}
	ln.Close()
}
