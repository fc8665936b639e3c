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

// Dispatcher drives a Protocol over one accepted connection.
type Dispatcher struct {
	Log *slog.Logger
}

// Serve runs the request loop and closes conn when it ends.
func (d *Dispatcher) Serve(ctx context.Context, conn *transport.TimedConn, p Protocol) {
	log := logging.OrDiscard(d.Log).With("remote", conn.RemoteAddr().String())
	defer conn.Close()

	p.Init(conn)
	for ctx.Err() == nil {
		if err := p.ReadRequest(); err != nil {
			logConnError(log, "read request", err)
			return
		}
		if err := p.Process(ctx); err != nil {
			log.Error("process request", "err", err)
			// Best effort: tell the peer before hanging up.
			if rerr := p.Reply(); rerr != nil {
				logConnError(log, "write error reply", rerr)
			}
			return
		}
		if err := p.Reply(); err != nil {
			logConnError(log, "write reply", err)
			return
		}
		if !p.ShouldKeepAlive() {
			return
		}
	}
}

// logConnError logs a transport failure at a level matching its cause:
// a peer hanging up is routine, framing errors point at a broken client.
func logConnError(log *slog.Logger, op string, err error) {
	var pe *protocol.ProtocolError
	switch {
	case errors.Is(err, protocol.ErrConnectionClosed):
		log.Debug(op+": peer closed", "err", err)
	case errors.Is(err, protocol.ErrTimeout):
		log.Info(op+": timed out", "err", err)
	case errors.As(err, &pe):
		log.Warn(op+": "+pe.Kind.String(), "err", err)
	default:
		log.Error(op, "err", err)
	}
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// MaxWorkers bounds concurrently served connections. Accepting pauses
	// while all workers are busy.
	MaxWorkers int
	// NewProtocol returns the strategy for one connection.
	NewProtocol func() Protocol
	Log         *slog.Logger
}

// DefaultMaxWorkers is used when ServerConfig.MaxWorkers is zero.
const DefaultMaxWorkers = 64

// Server accepts connections and serves each on its own goroutine drawn
// from a bounded pool.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	// Ready is closed once Serve has started accepting.
	Ready chan struct{}
}

// NewServer creates a server but does not start it. Call Serve to begin.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	return &Server{
		cfg:   cfg,
		log:   logging.OrDiscard(cfg.Log),
		Ready: make(chan struct{}),
	}
}

// NewFrameServer is a Server answering protocol.Message frames with h.
func NewFrameServer(h Handler, keepAlive bool, maxWorkers int, log *slog.Logger) *Server {
	return NewServer(ServerConfig{
		MaxWorkers: maxWorkers,
		Log:        log,
		NewProtocol: func() Protocol {
			return &FrameProtocol{Handler: h, KeepAlive: keepAlive, Log: log}
		},
	})
}

// Serve accepts from ln until ctx is cancelled or ln fails, then waits for
// in-flight connections to finish. Returns nil on cancellation.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	sem := make(chan struct{}, s.cfg.MaxWorkers)
	var wg sync.WaitGroup
	defer wg.Wait()

	d := &Dispatcher{Log: s.log}
	close(s.Ready)
	s.log.Info("serving", "addr", ln.Addr(), "workers", s.cfg.MaxWorkers)

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		conn, err := ln.Accept(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			// Unblock a pending read on shutdown.
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-done:
				}
			}()

			s.log.Debug("accepted", "remote", conn.RemoteAddr().String(), "mode", conn.Mode())
			d.Serve(ctx, conn, s.cfg.NewProtocol())
		}()
	}
}
