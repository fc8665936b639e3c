package lobby

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/ddnet/internal/auth"
	"github.com/chronologos/ddnet/internal/presence"
	"github.com/chronologos/ddnet/internal/protocol"
)

func startFeed(t *testing.T, cfg Config) (*Feed, string) {
	t.Helper()
	feed := NewFeed(cfg)
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)
	return feed, "ws" + strings.TrimPrefix(srv.URL, "http") + Path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func record(key, player string) presence.Record {
	return presence.Record{Key: key, GUID: "guid-" + key, PlayerName: player, HostName: "box", Addr: "10.0.0.2"}
}

func TestSnapshotThenChanges(t *testing.T) {
	reg := presence.NewRegistry(time.Minute, nil)
	reg.Process(protocol.CatHello, record("k-ann", "ann"))
	feed, url := startFeed(t, Config{Registry: reg})

	conn := dial(t, url)
	ev := readEvent(t, conn)
	assert.Equal(t, KindPresent, ev.Kind)
	assert.Equal(t, "ann", ev.Player)
	assert.Equal(t, "guid-k-ann", ev.GUID)
	require.Equal(t, 1, feed.Subscribers())

	reg.Process(protocol.CatAlive, record("k-ann", "ann")) // heartbeat, not forwarded
	reg.Process(protocol.CatHello, record("k-bob", "bob"))
	ev = readEvent(t, conn)
	assert.Equal(t, "joined", ev.Kind)
	assert.Equal(t, "k-bob", ev.Key)

	reg.Process(protocol.CatGoodbye, presence.Record{Key: "k-ann"})
	ev = readEvent(t, conn)
	assert.Equal(t, "left", ev.Kind)
	assert.Equal(t, "ann", ev.Player)
}

func TestRejectsInvalidKey(t *testing.T) {
	secret, err := auth.GenerateSecret()
	require.NoError(t, err)
	keys, err := auth.NewKeys(secret)
	require.NoError(t, err)
	_, url := startFeed(t, Config{Registry: presence.NewRegistry(time.Minute, nil), Validator: keys})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?key=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	key, err := keys.Issue("ann", time.Hour)
	require.NoError(t, err)
	dial(t, url+"?key="+key)
}

func TestClientCloseUnsubscribes(t *testing.T) {
	feed, url := startFeed(t, Config{Registry: presence.NewRegistry(time.Minute, nil)})

	conn := dial(t, url)
	require.Eventually(t, func() bool { return feed.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return feed.Subscribers() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberDropped(t *testing.T) {
	reg := presence.NewRegistry(time.Minute, nil)
	feed := NewFeed(Config{Registry: reg, Buffer: 1})
	sub := feed.subscribe()

	reg.Process(protocol.CatHello, record("k-1", "one"))
	reg.Process(protocol.CatHello, record("k-2", "two"))
	assert.Zero(t, feed.Subscribers())

	ev, ok := <-sub.send
	require.True(t, ok)
	assert.Equal(t, "k-1", ev.Key)
	_, ok = <-sub.send
	assert.False(t, ok, "channel closed after the drop")

	// Unsubscribing a dropped client is harmless.
	feed.unsubscribe(sub)
}
