package presence

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/ddnet/internal/auth"
	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/multicast"
	"github.com/chronologos/ddnet/internal/protocol"
)

const (
	DefaultHeartbeat = 5 * time.Second
	DefaultBurst     = 10
)

// Channel is the part of multicast.Channel the manager uses.
type Channel interface {
	SendMessage(*protocol.Message) error
	AddListener(multicast.Listener)
}

// Config holds manager configuration. Zero values get defaults.
type Config struct {
	Key        string
	PlayerName string
	HostName   string
	Addr       string
	GUID       string

	Heartbeat time.Duration
	// Burst is how many heartbeats follow a HELLO or REFRESH from another
	// peer. Continuous ignores it and beats forever.
	Burst      int
	Continuous bool
	// AllowDuplicate turns off duplicate key and address detection.
	AllowDuplicate bool

	Validator auth.KeyValidator
	GameData  func() []byte

	// OnDuplicateKey and OnDuplicateIP are called when an older instance
	// announces the same key or address as ours.
	OnDuplicateKey func(Record)
	OnDuplicateIP  func(Record)

	Log *slog.Logger
}

// Manager announces this peer on the channel and feeds what others
// announce into a Registry.
type Manager struct {
	cfg      Config
	ch       Channel
	registry *Registry
	log      *slog.Logger
	start    time.Time
	wake     chan struct{}

	mu         sync.Mutex
	remaining  int
	continuous bool
	refresh    bool
}

// NewManager creates a manager and registers it as a listener on ch.
func NewManager(ch Channel, cfg Config) *Manager {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.GUID == "" {
		cfg.GUID = uuid.NewString()
	}
	if cfg.HostName == "" {
		cfg.HostName = localHostName()
	}
	if cfg.Addr == "" {
		cfg.Addr = localIPv4()
	}
	if cfg.Validator == nil {
		cfg.Validator = auth.AllowAll{}
	}
	log := logging.OrDiscard(cfg.Log)

	m := &Manager{
		cfg:        cfg,
		ch:         ch,
		registry:   NewRegistry(2*cfg.Heartbeat+time.Second, log),
		log:        log,
		start:      time.Now(),
		wake:       make(chan struct{}, 1),
		remaining:  cfg.Burst,
		continuous: cfg.Continuous,
	}
	ch.AddListener(m.receive)
	return m
}

// Registry returns the registry of peers heard so far.
func (m *Manager) Registry() *Registry { return m.registry }

// GUID identifies this instance.
func (m *Manager) GUID() string { return m.cfg.GUID }

// Addr is the address this instance announces.
func (m *Manager) Addr() string { return m.cfg.Addr }

// AliveMillis is how long this instance has been running.
func (m *Manager) AliveMillis() int64 {
	return time.Since(m.start).Milliseconds()
}

// Run announces HELLO, then beats until ctx is cancelled, then announces
// GOODBYE.
func (m *Manager) Run(ctx context.Context) error {
	m.send(protocol.CatHello)

	timer := time.NewTimer(m.cfg.Heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.send(protocol.CatGoodbye)
			return nil
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		m.beat(time.Now())
		timer.Reset(m.cfg.Heartbeat)
	}
}

func (m *Manager) beat(now time.Time) {
	m.mu.Lock()
	cat := protocol.Category(0)
	if m.continuous || m.remaining > 0 {
		if !m.continuous {
			m.remaining--
		}
		cat = protocol.CatAlive
		if m.refresh {
			cat = protocol.CatRefresh
		}
	}
	m.mu.Unlock()

	if cat != 0 {
		m.send(cat)
	}
	m.registry.TimeoutCheck(now)
}

// SetContinuous switches between beating forever and beating in bursts.
func (m *Manager) SetContinuous(on bool) {
	m.mu.Lock()
	m.continuous = on
	m.mu.Unlock()
	m.Wake()
}

// Refresh makes the following heartbeats REFRESH, which asks every other
// peer to announce itself again.
func (m *Manager) Refresh() {
	m.mu.Lock()
	m.refresh = true
	if m.remaining < m.cfg.Burst {
		m.remaining = m.cfg.Burst
	}
	m.mu.Unlock()
	m.Wake()
}

// Wake sends the next heartbeat now.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) resetBurst() {
	m.mu.Lock()
	if m.remaining < m.cfg.Burst {
		m.remaining = m.cfg.Burst
	}
	m.mu.Unlock()
}

func (m *Manager) record() Record {
	rec := Record{
		Key:         m.cfg.Key,
		HostName:    m.cfg.HostName,
		PlayerName:  m.cfg.PlayerName,
		Addr:        m.cfg.Addr,
		GUID:        m.cfg.GUID,
		AliveMillis: m.AliveMillis(),
	}
	if m.cfg.GameData != nil {
		rec.GameData = m.cfg.GameData()
	}
	return rec
}

func (m *Manager) send(cat protocol.Category) {
	if err := m.ch.SendMessage(m.record().Message(cat)); err != nil {
		m.log.Error("presence send", "category", cat, "err", err)
	}
}

func (m *Manager) receive(d multicast.Datagram) {
	if d.Type != protocol.TypeMessage {
		return
	}
	msg, err := protocol.Unmarshal(d.Payload)
	if err != nil {
		m.log.Warn("bad presence message", "from", d.From, "err", err)
		return
	}
	if !IsPresence(msg.Category) {
		m.log.Warn("presence message with wrong category", "from", d.From, "category", msg.Category)
		return
	}
	m.handle(msg.Category, RecordFromMessage(msg))
}

func (m *Manager) handle(cat protocol.Category, rec Record) {
	if err := m.cfg.Validator.Validate(rec.Key); err != nil {
		m.log.Error("invalid key", "player", rec.PlayerName, "host", rec.HostName, "err", err)
		return
	}
	if rec.GUID == "" {
		m.log.Error("missing guid", "player", rec.PlayerName, "host", rec.HostName)
		return
	}
	if rec.GUID == m.cfg.GUID {
		return
	}

	sameKey := rec.Key == m.cfg.Key
	if !m.cfg.AllowDuplicate && (sameKey || rec.Addr == m.cfg.Addr) {
		// The younger instance steps aside. The older one announces itself
		// so the younger hears about it.
		if m.AliveMillis() < rec.AliveMillis {
			hook := m.cfg.OnDuplicateIP
			if sameKey {
				hook = m.cfg.OnDuplicateKey
			}
			m.log.Warn("duplicate instance", "same_key", sameKey, "player", rec.PlayerName, "host", rec.HostName, "ip", rec.Addr)
			if hook != nil {
				hook(rec)
			}
		} else {
			m.resetBurst()
			m.Wake()
		}
		return
	}

	m.registry.Process(cat, rec)
	if cat == protocol.CatHello || cat == protocol.CatRefresh {
		m.resetBurst()
		m.Wake()
	}
}

func localHostName() string {
	name, err := os.Hostname()
	if err != nil {
		return "[unknown]"
	}
	return strings.TrimSuffix(name, ".local")
}

// localIPv4 returns the first non-loopback IPv4 address, or 127.0.0.1.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
