package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DialMode selects which transport to use when dialing or listening.
type DialMode int

const (
	DialTCP DialMode = iota
	DialQUIC
	// DialDual listens on TCP and QUIC at the same port number. Dialers
	// treat it as TCP.
	DialDual
)

func (m DialMode) String() string {
	switch m {
	case DialQUIC:
		return "QUIC"
	case DialTCP:
		return "TCP"
	case DialDual:
		return "dual"
	default:
		return "unknown"
	}
}

// ParseDialMode maps a config string ("tcp", "quic", "dual") to a DialMode.
func ParseDialMode(s string) (DialMode, error) {
	switch strings.ToLower(s) {
	case "", "tcp":
		return DialTCP, nil
	case "quic":
		return DialQUIC, nil
	case "dual":
		return DialDual, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q", s)
	}
}

// Options bounds every blocking operation of a TimedConn.
type Options struct {
	// PollInterval is how long a single I/O attempt may block before it
	// counts as a stall and is retried.
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
)

// DefaultOptions returns the default timeouts.
func DefaultOptions() Options {
	return Options{
		PollInterval:   DefaultPollInterval,
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	return o
}

// Listener accepts framed connections.
// Both TCP and QUIC implementations satisfy this interface.
type Listener interface {
	Accept(ctx context.Context) (*TimedConn, error)
	Addr() string
	Port() int
	Close() error
}

// Dial connects to addr using mode and returns a TimedConn once the
// connection is established or the connect timeout expires.
func Dial(ctx context.Context, mode DialMode, addr string, opts Options) (*TimedConn, error) {
	opts = opts.withDefaults()
	switch mode {
	case DialQUIC:
		return dialQUIC(ctx, addr, opts)
	case DialTCP, DialDual:
		return dialTCP(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("dial: unsupported mode %v", mode)
	}
}

// Listen binds a listener for mode at addr ("host:port", port 0 picks one).
func Listen(mode DialMode, addr string, opts Options) (Listener, error) {
	opts = opts.withDefaults()
	switch mode {
	case DialTCP:
		return listenTCP(addr, opts)
	case DialQUIC:
		cert, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate TLS cert: %w", err)
		}
		return listenQUIC(addr, opts, cert)
	case DialDual:
		return listenDual(addr, opts)
	default:
		return nil, fmt.Errorf("listen: unsupported mode %v", mode)
	}
}
