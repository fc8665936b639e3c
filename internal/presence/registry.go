package presence

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/protocol"
)

// DefaultTimeout evicts a peer that missed two heartbeats.
const DefaultTimeout = 2*DefaultHeartbeat + time.Second

// EventKind says what happened to a peer.
type EventKind int

const (
	Joined EventKind = iota
	Heartbeat
	Updated
	Left
	TimedOut
)

func (k EventKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Heartbeat:
		return "heartbeat"
	case Updated:
		return "updated"
	case Left:
		return "left"
	case TimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Event is delivered to registry listeners.
type Event struct {
	Kind   EventKind
	Key    string
	Record Record
}

// Registry holds the live peers keyed by activation key.
type Registry struct {
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	peers     map[string]Record
	listeners []func(Event)
}

// NewRegistry returns an empty registry. Peers silent for longer than
// timeout are dropped by TimeoutCheck.
func NewRegistry(timeout time.Duration, log *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout: timeout,
		log:     logging.OrDiscard(log),
		now:     time.Now,
		peers:   make(map[string]Record),
	}
}

// AddListener registers fn. Listeners run on the caller's goroutine,
// outside the registry lock, so they may call back into the registry.
func (r *Registry) AddListener(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Process applies one announcement. HELLO from a known peer counts as a
// heartbeat; ALIVE or REFRESH from an unknown peer counts as a join.
func (r *Registry) Process(cat protocol.Category, rec Record) (Event, bool) {
	rec.LastSeen = r.now()

	r.mu.Lock()
	var ev Event
	old, known := r.peers[rec.Key]
	switch cat {
	case protocol.CatHello, protocol.CatAlive, protocol.CatRefresh:
		r.peers[rec.Key] = rec
		switch {
		case !known:
			ev = Event{Kind: Joined, Key: rec.Key, Record: rec}
		case Equivalent(old, rec):
			ev = Event{Kind: Heartbeat, Key: rec.Key, Record: rec}
		default:
			ev = Event{Kind: Updated, Key: rec.Key, Record: rec}
		}
	case protocol.CatGoodbye:
		if !known {
			r.mu.Unlock()
			return Event{}, false
		}
		delete(r.peers, rec.Key)
		ev = Event{Kind: Left, Key: rec.Key, Record: old}
	default:
		r.mu.Unlock()
		r.log.Warn("presence message with wrong category", "category", cat, "player", rec.PlayerName)
		return Event{}, false
	}
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return ev, true
}

// TimeoutCheck drops every peer not heard from since now-timeout and
// returns the events fired.
func (r *Registry) TimeoutCheck(now time.Time) []Event {
	r.mu.Lock()
	var evs []Event
	for key, rec := range r.peers {
		if now.Sub(rec.LastSeen) > r.timeout {
			delete(r.peers, key)
			evs = append(evs, Event{Kind: TimedOut, Key: key, Record: rec})
		}
	}
	listeners := r.listeners
	r.mu.Unlock()

	for _, ev := range evs {
		for _, fn := range listeners {
			fn(ev)
		}
	}
	return evs
}

// Get returns the record for key.
func (r *Registry) Get(key string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[key]
	return rec, ok
}

// Len returns the number of live peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// List returns the live peers sorted by player name, ignoring case, then
// by key.
func (r *Registry) List() []Record {
	r.mu.Lock()
	list := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		list = append(list, rec)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		a, b := strings.ToLower(list[i].PlayerName), strings.ToLower(list[j].PlayerName)
		if a != b {
			return a < b
		}
		return list[i].Key < list[j].Key
	})
	return list
}
