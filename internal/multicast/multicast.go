// Package multicast sends and receives framed datagrams on a UDP multicast
// group. It keeps no connection state; higher layers give the datagrams
// meaning.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/protocol"
)

const (
	// MaxDatagramSize bounds a framed datagram, header included.
	MaxDatagramSize = 49152
	DefaultTTL      = 32
	DefaultGroup    = "239.255.39.12"
	DefaultPort     = 11889
)

// Config holds channel configuration.
type Config struct {
	Group string
	Port  int
	// Interface names the NIC to join on. Empty lets the OS choose.
	Interface string
	TTL       int
	// Loopback delivers our own datagrams back to local listeners, which
	// lets several peers share one host.
	Loopback bool
	Log      *slog.Logger
}

// Datagram is one decoded frame received from the group.
type Datagram struct {
	Type     int32
	Payload  []byte
	From     *net.UDPAddr
	Received time.Time
}

// Listener is called on the receive goroutine for every datagram.
type Listener func(Datagram)

// Channel is a joined multicast group.
type Channel struct {
	cfg   Config
	log   *slog.Logger
	group *net.UDPAddr
	recv  *net.UDPConn
	send  *ipv4.PacketConn

	mu        sync.RWMutex
	listeners []Listener

	closeOnce sync.Once
}

// Join binds the receive socket to the group and prepares a send socket
// with the configured TTL and loopback.
func Join(cfg Config) (*Channel, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	group, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.Group, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", cfg.Group)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", cfg.Interface, err)
		}
	}

	recv, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", group, err)
	}
	recv.SetReadBuffer(MaxDatagramSize * 4)

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	send := ipv4.NewPacketConn(sendConn)
	if err := configureSend(send, ifi, cfg); err != nil {
		recv.Close()
		sendConn.Close()
		return nil, err
	}

	return &Channel{
		cfg:   cfg,
		log:   logging.OrDiscard(cfg.Log),
		group: group,
		recv:  recv,
		send:  send,
	}, nil
}

func configureSend(p *ipv4.PacketConn, ifi *net.Interface, cfg Config) error {
	if err := p.SetMulticastTTL(cfg.TTL); err != nil {
		return fmt.Errorf("set multicast TTL: %w", err)
	}
	if err := p.SetMulticastLoopback(cfg.Loopback); err != nil {
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}
	return nil
}

// Group returns the group address datagrams are sent to.
func (c *Channel) Group() *net.UDPAddr { return c.group }

// AddListener registers fn for every received datagram.
func (c *Channel) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Send frames payload and transmits it as one datagram. Payloads that do
// not fit in MaxDatagramSize are a programming error and panic.
func (c *Channel) Send(msgType int32, payload []byte) error {
	if n := protocol.HeaderSize + len(payload); n > MaxDatagramSize {
		panic(fmt.Sprintf("multicast: %d byte datagram exceeds %d", n, MaxDatagramSize))
	}
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	if _, err := c.send.WriteTo(frame, nil, c.group); err != nil {
		return fmt.Errorf("multicast send: %w", err)
	}
	return nil
}

// SendMessage encodes msg and sends it as a TypeMessage datagram.
func (c *Channel) SendMessage(msg *protocol.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeMessage, payload)
}

// Run receives datagrams until ctx is cancelled or the channel is closed.
// A bad datagram or a transient socket error is logged and skipped so one
// misbehaving peer cannot stop discovery for the rest.
func (c *Channel) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := c.recv.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			c.log.Warn("multicast receive", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		c.dispatch(buf[:n], from)
	}
}

// dispatch decodes one datagram and hands it to the listeners. buf is
// reused by the caller, so the payload is copied before it escapes.
func (c *Channel) dispatch(buf []byte, from *net.UDPAddr) {
	if len(buf) == 0 {
		return
	}
	msgType, payload, err := protocol.DecodeFrame(buf)
	if err != nil {
		c.log.Warn("bad datagram", "from", from, "err", err)
		return
	}
	d := Datagram{Type: msgType, Payload: payload, From: from, Received: time.Now()}

	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(d)
	}
}

// Close leaves the group and closes both sockets.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = errors.Join(c.recv.Close(), c.send.Close())
	})
	return err
}
