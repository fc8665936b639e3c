// Package lobby streams presence registry events to websocket clients as
// JSON. A new client first receives every live peer, then changes as they
// happen.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chronologos/ddnet/internal/auth"
	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/presence"
)

const (
	// Path is where ListenAndServe mounts the feed.
	Path = "/lobby"

	// KindPresent marks the snapshot events sent on connect.
	KindPresent = "present"

	DefaultBuffer = 64
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
)

// Event is the JSON form of a presence event.
type Event struct {
	Kind        string    `json:"kind"`
	Key         string    `json:"key"`
	Player      string    `json:"player"`
	Host        string    `json:"host"`
	Addr        string    `json:"addr"`
	GUID        string    `json:"guid"`
	AliveMillis int64     `json:"alive_ms"`
	GameData    []byte    `json:"game_data,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

func newEvent(kind string, rec presence.Record) Event {
	return Event{
		Kind:        kind,
		Key:         rec.Key,
		Player:      rec.PlayerName,
		Host:        rec.HostName,
		Addr:        rec.Addr,
		GUID:        rec.GUID,
		AliveMillis: rec.AliveMillis,
		GameData:    rec.GameData,
		LastSeen:    rec.LastSeen,
	}
}

// Config holds feed configuration.
type Config struct {
	Registry *presence.Registry
	// Validator checks the "key" query parameter. Nil accepts anyone.
	Validator auth.KeyValidator
	// Buffer is how many events may queue for one client before it is
	// dropped as too slow.
	Buffer int
	Log    *slog.Logger
}

type subscriber struct {
	send chan Event
}

// Feed is an http.Handler upgrading requests to the event stream.
type Feed struct {
	reg       *presence.Registry
	validator auth.KeyValidator
	buffer    int
	log       *slog.Logger
	upgrader  websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewFeed creates a feed and subscribes it to the registry.
func NewFeed(cfg Config) *Feed {
	if cfg.Validator == nil {
		cfg.Validator = auth.AllowAll{}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	f := &Feed{
		reg:       cfg.Registry,
		validator: cfg.Validator,
		buffer:    cfg.Buffer,
		log:       logging.OrDiscard(cfg.Log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
	f.reg.AddListener(f.publish)
	return f
}

// Subscribers returns the number of connected clients.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// publish forwards a registry event. Heartbeats are not forwarded.
func (f *Feed) publish(ev presence.Event) {
	if ev.Kind == presence.Heartbeat {
		return
	}
	out := newEvent(ev.Kind.String(), ev.Record)
	out.Key = ev.Key

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.send <- out:
		default:
			f.log.Warn("dropping slow lobby client")
			delete(f.subs, sub)
			close(sub.send)
		}
	}
}

func (f *Feed) subscribe() *subscriber {
	sub := &subscriber{send: make(chan Event, f.buffer)}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub] = struct{}{}
	return sub
}

func (f *Feed) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.send)
	}
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := f.validator.Validate(r.URL.Query().Get("key")); err != nil {
		http.Error(w, "invalid key", http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	sub := f.subscribe()
	defer f.unsubscribe(sub)
	f.log.Info("lobby client connected", "remote", r.RemoteAddr)

	// The client sends nothing; reading only notices when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, rec := range f.reg.List() {
		if err := f.write(conn, newEvent(KindPresent, rec)); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.send:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := f.write(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (f *Feed) write(conn *websocket.Conn, ev Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		f.log.Debug("lobby write", "err", err)
		return err
	}
	return nil
}

// ListenAndServe serves the feed at Path on addr until ctx is cancelled.
// ready, if non-nil, receives the bound address.
func ListenAndServe(ctx context.Context, addr string, feed *Feed, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("lobby listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(Path, feed)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if ready != nil {
		ready <- ln.Addr().String()
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
