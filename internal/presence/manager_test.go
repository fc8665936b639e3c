package presence

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/ddnet/internal/auth"
	"github.com/chronologos/ddnet/internal/multicast"
	"github.com/chronologos/ddnet/internal/protocol"
)

// bus is an in-memory multicast group with loopback.
type bus struct {
	mu        sync.Mutex
	listeners []multicast.Listener
	sent      []*protocol.Message
}

func (b *bus) AddListener(fn multicast.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *bus) SendMessage(m *protocol.Message) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sent = append(b.sent, m)
	listeners := append([]multicast.Listener(nil), b.listeners...)
	b.mu.Unlock()

	d := multicast.Datagram{Type: protocol.TypeMessage, Payload: payload, From: &net.UDPAddr{}, Received: time.Now()}
	for _, fn := range listeners {
		fn(d)
	}
	return nil
}

func (b *bus) categories() []protocol.Category {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Category
	for _, m := range b.sent {
		out = append(out, m.Category)
	}
	return out
}

func TestManagersDiscoverEachOther(t *testing.T) {
	b := &bus{}
	ann := NewManager(b, Config{Key: "key-ann", PlayerName: "ann", Addr: "10.0.0.1", Heartbeat: 20 * time.Millisecond, Continuous: true})
	bob := NewManager(b, Config{Key: "key-bob", PlayerName: "bob", Addr: "10.0.0.2", Heartbeat: 20 * time.Millisecond, Continuous: true})

	left := make(chan Event, 1)
	ann.Registry().AddListener(func(ev Event) {
		if ev.Kind == Left {
			select {
			case left <- ev:
			default:
			}
		}
	})

	ctx := context.Background()
	annCtx, annStop := context.WithCancel(ctx)
	defer annStop()
	bobCtx, bobStop := context.WithCancel(ctx)
	annDone := make(chan error, 1)
	bobDone := make(chan error, 1)
	go func() { annDone <- ann.Run(annCtx) }()
	go func() { bobDone <- bob.Run(bobCtx) }()

	require.Eventually(t, func() bool {
		_, a := ann.Registry().Get("key-bob")
		_, b := bob.Registry().Get("key-ann")
		return a && b
	}, 2*time.Second, 10*time.Millisecond)

	_, self := ann.Registry().Get("key-ann")
	assert.False(t, self, "own announcements must be ignored")

	bobStop()
	require.NoError(t, <-bobDone)

	select {
	case ev := <-left:
		assert.Equal(t, "key-bob", ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("goodbye not seen")
	}
	annStop()
	require.NoError(t, <-annDone)
}

func TestBurstThenSilent(t *testing.T) {
	b := &bus{}
	m := NewManager(b, Config{Key: "k", Addr: "10.0.0.1", Burst: 2, Heartbeat: time.Hour})

	now := time.Now()
	m.beat(now)
	m.beat(now)
	m.beat(now)
	assert.Equal(t, []protocol.Category{protocol.CatAlive, protocol.CatAlive}, b.categories())

	// A newcomer's HELLO restarts the burst.
	m.handle(protocol.CatHello, Record{Key: "other", GUID: "g2", Addr: "10.0.0.2"})
	m.beat(now)
	assert.Len(t, b.categories(), 3)

	select {
	case <-m.wake:
	default:
		t.Fatal("HELLO did not wake the heartbeat loop")
	}
}

func TestContinuousAndRefresh(t *testing.T) {
	b := &bus{}
	m := NewManager(b, Config{Key: "k", Addr: "10.0.0.1", Burst: 1, Continuous: true, Heartbeat: time.Hour})

	now := time.Now()
	for range 3 {
		m.beat(now)
	}
	m.Refresh()
	m.beat(now)
	assert.Equal(t, []protocol.Category{protocol.CatAlive, protocol.CatAlive, protocol.CatAlive, protocol.CatRefresh}, b.categories())
}

func TestBeatEvictsSilentPeers(t *testing.T) {
	m := NewManager(&bus{}, Config{Key: "k", Addr: "10.0.0.1", Heartbeat: time.Second})
	m.handle(protocol.CatHello, Record{Key: "other", GUID: "g2", Addr: "10.0.0.2"})
	require.Equal(t, 1, m.Registry().Len())

	m.beat(time.Now().Add(2 * time.Second))
	assert.Equal(t, 1, m.Registry().Len())
	m.beat(time.Now().Add(4 * time.Second))
	assert.Zero(t, m.Registry().Len())
}

func TestInvalidAnnouncementsDropped(t *testing.T) {
	keys, err := auth.NewKeys("lan-secret")
	require.NoError(t, err)
	good, err := keys.Issue("bob", 0)
	require.NoError(t, err)

	m := NewManager(&bus{}, Config{Key: "mine", Addr: "10.0.0.1", Validator: keys})

	m.handle(protocol.CatHello, Record{Key: "forged", GUID: "g2", Addr: "10.0.0.2"})
	m.handle(protocol.CatHello, Record{Key: good, Addr: "10.0.0.2"}) // no GUID
	assert.Zero(t, m.Registry().Len())

	m.handle(protocol.CatHello, Record{Key: good, GUID: "g2", Addr: "10.0.0.2"})
	assert.Equal(t, 1, m.Registry().Len())
}

func TestDuplicateDetection(t *testing.T) {
	var dupKey, dupIP []Record
	newManager := func() *Manager {
		m := NewManager(&bus{}, Config{
			Key:            "shared",
			Addr:           "10.0.0.1",
			OnDuplicateKey: func(r Record) { dupKey = append(dupKey, r) },
			OnDuplicateIP:  func(r Record) { dupIP = append(dupIP, r) },
		})
		m.start = time.Now().Add(-time.Minute)
		return m
	}

	t.Run("older instance with same key", func(t *testing.T) {
		dupKey, dupIP = nil, nil
		m := newManager()
		m.handle(protocol.CatHello, Record{Key: "shared", GUID: "g2", Addr: "10.0.0.9", AliveMillis: time.Hour.Milliseconds()})
		assert.Len(t, dupKey, 1)
		assert.Empty(t, dupIP)
		assert.Zero(t, m.Registry().Len())
	})

	t.Run("older instance on same address", func(t *testing.T) {
		dupKey, dupIP = nil, nil
		m := newManager()
		m.handle(protocol.CatHello, Record{Key: "other", GUID: "g2", Addr: "10.0.0.1", AliveMillis: time.Hour.Milliseconds()})
		assert.Empty(t, dupKey)
		assert.Len(t, dupIP, 1)
	})

	t.Run("younger instance is told about us", func(t *testing.T) {
		dupKey, dupIP = nil, nil
		m := newManager()
		m.handle(protocol.CatHello, Record{Key: "shared", GUID: "g2", Addr: "10.0.0.9", AliveMillis: 10})
		assert.Empty(t, dupKey)
		select {
		case <-m.wake:
		default:
			t.Fatal("older instance should announce itself")
		}
	})

	t.Run("allowed duplicates are registered", func(t *testing.T) {
		m := NewManager(&bus{}, Config{Key: "shared", Addr: "10.0.0.1", AllowDuplicate: true})
		m.handle(protocol.CatHello, Record{Key: "shared", GUID: "g2", Addr: "10.0.0.1"})
		assert.Equal(t, 1, m.Registry().Len())
	})
}

func TestReceiveIgnoresForeignDatagrams(t *testing.T) {
	m := NewManager(&bus{}, Config{Key: "k", Addr: "10.0.0.1"})

	m.receive(multicast.Datagram{Type: protocol.TypeTest, Payload: []byte("x")})
	m.receive(multicast.Datagram{Type: protocol.TypeMessage, Payload: []byte("not a message")})

	chat, err := protocol.NewMessage(protocol.CatChat, "g", 0).Marshal()
	require.NoError(t, err)
	m.receive(multicast.Datagram{Type: protocol.TypeMessage, Payload: chat})

	assert.Zero(t, m.Registry().Len())
}
