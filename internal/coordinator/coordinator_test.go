package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/ddnet/internal/game"
	"github.com/chronologos/ddnet/internal/mailbox"
	"github.com/chronologos/ddnet/internal/protocol"
)

type memStore struct {
	mu        sync.Mutex
	games     map[string]*game.State
	data      map[string][]byte
	boxes     map[string]*mailbox.Mailbox
	gameSaves int
}

func newMemStore() *memStore {
	return &memStore{
		games: make(map[string]*game.State),
		data:  make(map[string][]byte),
		boxes: make(map[string]*mailbox.Mailbox),
	}
}

func boxKey(id string, player int) string { return fmt.Sprintf("%s/%d", id, player) }

func (m *memStore) LoadGame(_ context.Context, id string) (*game.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.games[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	return s, nil
}

func (m *memStore) SaveGame(_ context.Context, s *game.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[s.ID] = s
	m.gameSaves++
	return nil
}

func (m *memStore) CreateGame(ctx context.Context, s *game.State) error {
	return m.SaveGame(ctx, s)
}

func (m *memStore) SaveGameData(_ context.Context, id string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = data
	return id + ".dat", nil
}

func (m *memStore) LoadMailbox(_ context.Context, id string, player int) (*mailbox.Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mb, ok := m.boxes[boxKey(id, player)]; ok {
		return mailbox.FromEntries(mb.Entries()), nil
	}
	return mailbox.New(), nil
}

func (m *memStore) SaveMailbox(_ context.Context, id string, player int, mb *mailbox.Mailbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[boxKey(id, player)] = mailbox.FromEntries(mb.Entries())
	return nil
}

func (m *memStore) mailboxLen(id string, player int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mb, ok := m.boxes[boxKey(id, player)]; ok {
		return mb.Len()
	}
	return 0
}

type fixture struct {
	t     *testing.T
	c     *Coordinator
	store *memStore
	clock time.Time

	gameID string
	pass   [2]string
}

// newFixture creates a two-seat game for ann (seat 0) and bob (seat 1).
// Only ann has joined.
func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, store: newMemStore(), clock: time.UnixMilli(1_000_000)}
	now := func() time.Time { return f.clock }
	f.c = New(Config{Store: f.store, Logic: RoundRobin{Now: now}, Now: now})

	reply := f.send(protocol.NewMessage(protocol.CatNewGame, "", 0).
		Set(protocol.FieldNames, []string{"ann", "bob"}).
		Set(protocol.FieldEmails, []string{"ann@example.com", "bob@example.com"}).
		Set(protocol.FieldData, []byte("board")).
		Set(protocol.FieldParams, protocol.NewMessage(protocol.CatEmpty, "", 0).Set("blinds", "10/20")))
	require.Equal(t, protocol.CatGameData, reply.Category, reply.String(protocol.FieldError))
	f.gameID = reply.GameID

	s := f.state()
	f.pass = [2]string{s.Players[0].Password, s.Players[1].Password}
	return f
}

func (f *fixture) send(msg *protocol.Message) *protocol.Message {
	f.t.Helper()
	reply, err := f.c.Handle(context.Background(), "test", msg)
	require.NoError(f.t, err)
	require.NotNil(f.t, reply)
	return reply
}

func (f *fixture) state() *game.State {
	f.t.Helper()
	s, err := f.store.LoadGame(context.Background(), f.gameID)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) tick() { f.clock = f.clock.Add(time.Second) }

func (f *fixture) msg(cat protocol.Category, from int32) *protocol.Message {
	m := protocol.NewMessage(cat, f.gameID, from)
	if from >= 0 {
		m.Set(protocol.FieldPassword, f.pass[from])
	}
	return m
}

func (f *fixture) poll(seat int, last int64) *protocol.Message {
	return f.msg(protocol.CatPollUpdates, protocol.PlayerGroup).
		Set(protocol.FieldPassword, f.pass[seat]).
		Set(protocol.FieldPlayerIDs, []int{seat}).
		Set(protocol.FieldLastTimestamps, []int64{last})
}

func queued(reply *protocol.Message, i int) []*protocol.Message {
	return reply.Attached[i].Messages(protocol.FieldMessages)
}

func TestNewGame(t *testing.T) {
	f := newFixture(t)
	s := f.state()

	assert.Equal(t, f.gameID+".dat", s.DataFile)
	assert.Equal(t, []byte("board"), f.store.data[f.gameID])
	assert.Equal(t, "10/20", s.Options["blinds"])
	require.NotNil(t, s.TopItem())
	assert.Equal(t, []int{0}, s.TopItem().Players())
}

func TestNewGameRejectsBadRoster(t *testing.T) {
	f := newFixture(t)
	reply := f.send(protocol.NewMessage(protocol.CatNewGame, "", 0).
		Set(protocol.FieldNames, []string{"a", "b"}).
		Set(protocol.FieldEmails, []string{"a@x"}))
	assert.True(t, reply.IsError())
}

func TestJoinScenario(t *testing.T) {
	f := newFixture(t)

	join := func(email, pass, key string) *protocol.Message {
		m := protocol.NewMessage(protocol.CatJoinGame, f.gameID, protocol.PlayerUndefined).
			Set(protocol.FieldEmail, email).
			Set(protocol.FieldPassword, pass).
			Set(protocol.FieldLocale, "de")
		m.Key = key
		return f.send(m)
	}

	reply := join("BOB@example.com", strings.ToLower(f.pass[1]), "bob-key")
	require.Equal(t, protocol.CatGameData, reply.Category, reply.String(protocol.FieldError))
	assert.Equal(t, []int64{1}, reply.Ints(protocol.FieldPlayerIDs))
	assert.Equal(t, f.pass[1], reply.String(protocol.FieldPassword))
	assert.Equal(t, f.gameID+".dat", reply.String(protocol.FieldDataFile))
	assert.Equal(t, "de", f.state().Players[1].Locale)

	assert.Equal(t, "already joined", join("bob@example.com", f.pass[1], "other-key").String(protocol.FieldError))
	assert.Equal(t, "join failed (bad password)", join("bob@example.com", "wrong", "k").String(protocol.FieldError))
	assert.Equal(t, "join failed", join("bob@example.com", f.pass[1], "").String(protocol.FieldError))

	// Free up bob's registration to reach the duplicate key check.
	delete(f.state().Keys, "bob@example.com")
	f.state().Keys["carol@example.com"] = "bob-key"
	assert.Equal(t, "duplicate key", join("bob@example.com", f.pass[1], "bob-key").String(protocol.FieldError))
}

func TestMissingGame(t *testing.T) {
	f := newFixture(t)

	reply := f.send(protocol.NewMessage(protocol.CatJoinGame, "nope", protocol.PlayerUndefined))
	assert.Equal(t, "join failed (no such game)", reply.String(protocol.FieldError))

	reply = f.send(protocol.NewMessage(protocol.CatChat, "nope", 0))
	assert.True(t, reply.IsError())
	assert.True(t, reply.Bool(protocol.FieldGameDeleted))
}

func TestChatAndPoll(t *testing.T) {
	f := newFixture(t)

	chat := f.msg(protocol.CatChat, 0).Set(protocol.FieldPlayerIDs, []int{1}).Set(protocol.FieldText, "hi bob")
	chat.Key, chat.Seq = "ann-key", 1
	assert.Equal(t, protocol.CatOK, f.send(chat).Category)

	f.tick()
	reply := f.send(f.poll(1, 0))
	require.Equal(t, protocol.CatComposite, reply.Category, reply.String(protocol.FieldError))
	require.Len(t, reply.Attached, 1)
	msgs := queued(reply, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].String(protocol.FieldText))
	stamp := msgs[0].Timestamp
	assert.Equal(t, int64(1_000_000), stamp, "messages carry server time")

	waitMin, _ := reply.Int(protocol.FieldWaitMin)
	waitMax, _ := reply.Int(protocol.FieldWaitMax)
	assert.Equal(t, int64(3), waitMin)
	assert.Equal(t, int64(180), waitMax)
	require.NotNil(t, reply.Message(protocol.FieldAction))
	assert.Equal(t, []int64{0, 1_001_000}, reply.Ints(protocol.FieldPlayerTimestamp))

	// Acknowledging the message drops it.
	reply = f.send(f.poll(1, stamp))
	assert.Empty(t, queued(reply, 0))
	assert.Zero(t, f.store.mailboxLen(f.gameID, 1))
}

func TestPollNeedsGroupSender(t *testing.T) {
	f := newFixture(t)
	reply := f.send(f.msg(protocol.CatPollUpdates, 1))
	assert.Equal(t, protocol.CatEmpty, reply.Category)
}

func TestPollMismatchedListsIsMalformed(t *testing.T) {
	f := newFixture(t)
	poll := f.poll(1, 0).Set(protocol.FieldLastTimestamps, []int64{})
	_, err := f.c.Handle(context.Background(), "test", poll)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPollAppliesAttachedBatch(t *testing.T) {
	f := newFixture(t)

	chat := f.msg(protocol.CatChat, 1).Set(protocol.FieldPlayerIDs, []int{0}).Set(protocol.FieldText, "batched")
	chat.Key, chat.Seq = "bob-key", 1
	poll := f.poll(1, 0)
	poll.Key = "bob-key"
	poll.Attached = []*protocol.Message{chat}

	reply := f.send(poll)
	require.Equal(t, protocol.CatComposite, reply.Category)
	assert.Equal(t, 1, f.store.mailboxLen(f.gameID, 0))

	// Replaying the same batch delivers nothing new.
	f.send(poll)
	assert.Equal(t, 1, f.store.mailboxLen(f.gameID, 0))

	// A failing sub-message becomes the reply and stops the batch.
	bad := f.msg(protocol.CatChat, 1).Set(protocol.FieldPlayerIDs, []int{0}).Set(protocol.FieldPassword, "wrong")
	bad.Key, bad.Seq = "bob-key", 2
	later := f.msg(protocol.CatChat, 1).Set(protocol.FieldPlayerIDs, []int{0})
	later.Key, later.Seq = "bob-key", 3
	poll.Attached = []*protocol.Message{bad, later}
	reply = f.send(poll)
	assert.Equal(t, "msg.badpass", reply.String(protocol.FieldError))
	assert.Equal(t, 1, f.store.mailboxLen(f.gameID, 0))
}

func TestDuplicateSuppression(t *testing.T) {
	f := newFixture(t)

	send := func(seq, ts int64) {
		m := f.msg(protocol.CatChat, 0).Set(protocol.FieldPlayerIDs, []int{1})
		m.Key, m.Seq, m.Timestamp = "ann-key", seq, ts
		f.send(m)
		f.tick()
	}

	send(1, 0)
	send(1, 0) // duplicate sequence
	send(2, 0)
	assert.Equal(t, 2, f.store.mailboxLen(f.gameID, 1))

	// Timestamp de-dup uses its own watermark.
	send(0, 500)
	send(0, 500)
	send(0, 400)
	assert.Equal(t, 3, f.store.mailboxLen(f.gameID, 1))

	s := f.state()
	assert.Equal(t, int64(2), s.LastSeq("ann-key"))
	assert.Equal(t, int64(500), s.LastTimestamp("ann-key"))
}

func TestMessagesWithoutKeyAreNotDeduplicated(t *testing.T) {
	f := newFixture(t)
	for range 2 {
		f.send(f.msg(protocol.CatChat, 0).Set(protocol.FieldPlayerIDs, []int{1}))
	}
	assert.Equal(t, 2, f.store.mailboxLen(f.gameID, 1))
}

func TestBadPassword(t *testing.T) {
	f := newFixture(t)
	m := f.msg(protocol.CatChat, 0).Set(protocol.FieldPassword, f.pass[1]).Set(protocol.FieldPlayerIDs, []int{1})
	assert.Equal(t, "msg.badpass", f.send(m).String(protocol.FieldError))

	_, err := f.c.Handle(context.Background(), "test", protocol.NewMessage(protocol.CatChat, f.gameID, protocol.PlayerUndefined))
	assert.ErrorIs(t, err, ErrMalformed, "negative sender ids are internal errors")
}

func TestActionDoneAdvances(t *testing.T) {
	f := newFixture(t)

	done := f.msg(protocol.CatActionDone, 0).
		Set(protocol.FieldAction, 1).
		Set(protocol.FieldUpdateType, 4).
		Set(protocol.FieldData, []byte("ann bets"))
	done.Key, done.Seq = "ann-key", 1
	assert.Equal(t, protocol.CatOK, f.send(done).Category)

	s := f.state()
	require.NotNil(t, s.TopItem())
	assert.Equal(t, int32(2), s.TopItem().ID)
	assert.Equal(t, []int{1}, s.TopItem().Players())

	// The update goes to bob only.
	assert.Zero(t, f.store.mailboxLen(f.gameID, 0))
	reply := f.send(f.poll(1, 0))
	msgs := queued(reply, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.CatGameUpdate, msgs[0].Category)
	assert.Equal(t, []byte("ann bets"), msgs[0].Bytes(protocol.FieldData))
	updType, _ := msgs[0].Int(protocol.FieldUpdateType)
	assert.Equal(t, int64(4), updType)

	// A stale action id is ignored.
	stale := f.msg(protocol.CatActionDone, 1).Set(protocol.FieldAction, 1)
	f.send(stale)
	assert.Equal(t, int32(2), f.state().TopItem().ID)
}

func TestGroupActionDone(t *testing.T) {
	f := newFixture(t)

	f.send(f.msg(protocol.CatActionRequest, 0))
	top := f.state().TopItem()
	require.Equal(t, []int{0, 1}, top.Players())

	done := f.msg(protocol.CatActionDone, protocol.PlayerGroup).
		Set(protocol.FieldPassword, f.pass[0]).
		Set(protocol.FieldPlayerIDs, []int{0, 1}).
		Set(protocol.FieldAction, int(top.ID))
	f.send(done)

	// The group item is retired, the logic follows it with seat 0's turn.
	s := f.state()
	require.NotNil(t, s.TopItem())
	assert.NotEqual(t, top.ID, s.TopItem().ID)
}

func TestGameOverStopsItems(t *testing.T) {
	f := newFixture(t)
	f.send(f.msg(protocol.CatActionDone, 0).Set(protocol.FieldAction, 1).Set(protocol.FieldGameOver, true))
	s := f.state()
	assert.True(t, s.Done)
	assert.Nil(t, s.TopItem())
}

func TestEvictionForcesOutstandingItems(t *testing.T) {
	f := newFixture(t)

	// Bob's turn.
	f.send(f.msg(protocol.CatActionDone, 0).Set(protocol.FieldAction, 1))
	require.Equal(t, []int{1}, f.state().TopItem().Players())

	// Ann evicts bob, speaking for seat 1 with her own password.
	update := protocol.NewMessage(protocol.CatPlayerUpdate, f.gameID, 1).
		Set(protocol.FieldPassword, f.pass[0]).
		Set(protocol.FieldEliminated, true).
		Set(protocol.FieldEvicted, true).
		Set(protocol.FieldEmail, "bob@elsewhere.com")
	assert.Equal(t, protocol.CatOK, f.send(update).Category)

	s := f.state()
	assert.True(t, s.Players[1].Eliminated)
	assert.Equal(t, "bob@elsewhere.com", s.Players[1].Email)
	require.NotNil(t, s.TopItem())
	assert.Equal(t, []int{0}, s.TopItem().Players(), "bob's item completed, ann is next")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	reply := f.send(protocol.NewMessage(protocol.CatStatus, "", protocol.PlayerUndefined).
		Set(protocol.FieldGameIDs, []string{f.gameID, "gone"}).
		Set(protocol.FieldPasswords, []string{f.pass[1], "x"}))
	require.Equal(t, protocol.CatStatus, reply.Category)

	games := reply.Message(protocol.FieldStatus)
	require.NotNil(t, games)
	current, err := game.ActionItemFromMessage(games.Message(f.gameID))
	require.NoError(t, err)
	assert.Equal(t, int32(1), current.ID)
	missing, err := game.ActionItemFromMessage(games.Message("gone"))
	require.NoError(t, err)
	assert.Equal(t, MissingGameActionID, missing.ID)

	reply = f.send(protocol.NewMessage(protocol.CatStatus, "", protocol.PlayerUndefined).
		Set(protocol.FieldGameIDs, []string{f.gameID}).
		Set(protocol.FieldPasswords, []string{"wrong"}))
	assert.Equal(t, "msg.badpass", reply.String(protocol.FieldError))
}

func TestServerQueryAndUnknownCategory(t *testing.T) {
	f := newFixture(t)

	reply := f.send(protocol.NewMessage(protocol.CatServerQuery, "", protocol.PlayerUndefined))
	waitErr, ok := reply.Int(protocol.FieldWaitError)
	require.True(t, ok)
	assert.Equal(t, int64(10), waitErr)

	reply = f.send(f.msg(protocol.Category(77), 0))
	assert.True(t, reply.IsError())
	assert.Contains(t, reply.String(protocol.FieldError), "unknown")
}

func TestConcurrentRequestsSerializePerGame(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := f.msg(protocol.CatChat, 0).Set(protocol.FieldPlayerIDs, []int{1})
			m.Key, m.Seq = fmt.Sprintf("client-%d", i), 1
			_, err := f.c.Handle(context.Background(), "test", m)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, f.store.mailboxLen(f.gameID, 1))
	assert.Zero(t, f.c.locks.Len())
}
