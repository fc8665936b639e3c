// Package coordinator serves online games. Every request for an existing
// game runs under that game's lock: load, drop duplicates, apply, save.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/ddnet/internal/game"
	"github.com/chronologos/ddnet/internal/gamelock"
	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/mailbox"
	"github.com/chronologos/ddnet/internal/protocol"
)

var (
	// ErrGameNotFound is returned by Store.LoadGame for unknown ids.
	ErrGameNotFound = game.ErrNotFound
	// ErrMalformed marks a request that lacks fields its category needs.
	// It is treated as an internal error and closes the connection.
	ErrMalformed = errors.New("malformed request")
)

// Store persists games and mailboxes.
type Store interface {
	LoadGame(ctx context.Context, id string) (*game.State, error)
	SaveGame(ctx context.Context, s *game.State) error
	// CreateGame saves a game that must not exist yet.
	CreateGame(ctx context.Context, s *game.State) error
	// SaveGameData stores the opaque game data sent with a new game and
	// returns the reference handed to joining players.
	SaveGameData(ctx context.Context, id string, data []byte) (string, error)
	// LoadMailbox returns an empty mailbox when none was saved.
	LoadMailbox(ctx context.Context, id string, player int) (*mailbox.Mailbox, error)
	SaveMailbox(ctx context.Context, id string, player int, mb *mailbox.Mailbox) error
}

// GameLogic supplies the rules: which action item comes next and how
// requests and completed actions change the game.
type GameLogic interface {
	// NextActionItem returns the item that follows done, which is nil for
	// a new game. A nil result means nothing follows.
	NextActionItem(s *game.State, done *game.ActionItem) *game.ActionItem
	ProcessActionRequest(s *game.State, msg *protocol.Message) *game.ActionItem
	ProcessActionDone(s *game.State, item *game.ActionItem, msg *protocol.Message)
	// MissingGameAction is reported by STATUS for games that no longer exist.
	MissingGameAction() *game.ActionItem
}

// PollSettings tell clients how often to poll, in seconds.
type PollSettings struct {
	WaitMin    int
	WaitAdd    int
	WaitAddPer int
	WaitMax    int
	WaitError  int
}

// DefaultPollSettings are sent unless configured otherwise.
var DefaultPollSettings = PollSettings{WaitMin: 3, WaitAdd: 3, WaitAddPer: 120, WaitMax: 180, WaitError: 10}

func (p PollSettings) apply(m *protocol.Message) {
	m.Set(protocol.FieldWaitMin, p.WaitMin).
		Set(protocol.FieldWaitAdd, p.WaitAdd).
		Set(protocol.FieldWaitAddPer, p.WaitAddPer).
		Set(protocol.FieldWaitMax, p.WaitMax).
		Set(protocol.FieldWaitError, p.WaitError)
}

// Config holds coordinator configuration.
type Config struct {
	Store Store
	Logic GameLogic
	// Locks may be shared with other components touching the same games.
	Locks *gamelock.Registry
	Poll  PollSettings
	Log   *slog.Logger
	Now   func() time.Time
}

// Coordinator implements peer.Handler.
type Coordinator struct {
	store Store
	logic GameLogic
	locks *gamelock.Registry
	poll  PollSettings
	log   *slog.Logger
	now   func() time.Time
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Locks == nil {
		cfg.Locks = gamelock.NewRegistry()
	}
	if cfg.Poll == (PollSettings{}) {
		cfg.Poll = DefaultPollSettings
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store: cfg.Store,
		logic: cfg.Logic,
		locks: cfg.Locks,
		poll:  cfg.Poll,
		log:   logging.OrDiscard(cfg.Log),
		now:   cfg.Now,
	}
}

// Handle processes one request. Application failures come back as error
// replies; a Go error means storage failed or the request was malformed.
func (c *Coordinator) Handle(ctx context.Context, remote string, msg *protocol.Message) (*protocol.Message, error) {
	var (
		reply *protocol.Message
		err   error
	)
	switch msg.Category {
	case protocol.CatServerQuery:
		reply = protocol.NewMessage(protocol.CatServerQuery, "", protocol.PlayerUndefined)
		c.poll.apply(reply)
	case protocol.CatNewGame:
		reply, err = c.newGame(ctx, msg)
	case protocol.CatStatus:
		reply, err = c.status(ctx, msg)
	default:
		reply, err = c.existingGame(ctx, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s from %s: %w", msg.Summary(), remote, err)
	}
	if reply == nil {
		reply = protocol.NewMessage(protocol.CatOK, msg.GameID, protocol.PlayerServer)
	}
	return reply, nil
}

func (c *Coordinator) errorReply(gameID, text, detail string, msg *protocol.Message) *protocol.Message {
	c.log.Warn(detail, "game", gameID, "msg", msg.Summary())
	return protocol.NewError(gameID, text)
}

func (c *Coordinator) existingGame(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg.GameID == "" {
		return nil, fmt.Errorf("%w: no game id", ErrMalformed)
	}
	h := c.locks.Acquire(msg.GameID)
	defer c.locks.Release(h)

	s, err := c.store.LoadGame(ctx, msg.GameID)
	if errors.Is(err, ErrGameNotFound) {
		if msg.Category == protocol.CatJoinGame {
			return c.errorReply("", "join failed (no such game)", "invalid join (no such game)", msg), nil
		}
		reply := protocol.NewError(msg.GameID, fmt.Sprintf("game %s no longer exists", msg.GameID))
		return reply.Set(protocol.FieldGameDeleted, true), nil
	}
	if err != nil {
		return nil, err
	}

	t := c.begin(ctx, s)
	reply, err := t.apply(msg, true)
	if err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Coordinator) newGame(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	names, emails := msg.Strings(protocol.FieldNames), msg.Strings(protocol.FieldEmails)
	options := make(map[string]string)
	if params := msg.Message(protocol.FieldParams); params != nil {
		for _, name := range params.FieldNames() {
			options[name] = params.String(name)
		}
	}

	now := c.now().UnixMilli()
	id := uuid.NewString()
	s, err := game.New(id, "", names, emails, msg.Key, msg.String(protocol.FieldLocale), options, now)
	if err != nil {
		return c.errorReply("", fmt.Sprintf("new game: %v", err), "invalid new game", msg), nil
	}
	if s.DataFile, err = c.store.SaveGameData(ctx, id, msg.Bytes(protocol.FieldData)); err != nil {
		return nil, err
	}
	s.PushItem(c.logic.NextActionItem(s, nil))
	if err := c.store.CreateGame(ctx, s); err != nil {
		return nil, err
	}
	c.log.Info("new game", "game", id, "players", len(names))
	return gameData(s, emails[0]), nil
}

// status reports the current action item of each listed game. Games are
// locked one at a time.
func (c *Coordinator) status(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	ids, passes := msg.Strings(protocol.FieldGameIDs), msg.Strings(protocol.FieldPasswords)
	if len(ids) != len(passes) {
		return nil, fmt.Errorf("%w: %d game ids, %d passwords", ErrMalformed, len(ids), len(passes))
	}

	games := protocol.NewMessage(protocol.CatEmpty, "", protocol.PlayerServer)
	for i, id := range ids {
		item, reply, err := c.gameStatus(ctx, id, passes[i], msg)
		if err != nil || reply != nil {
			return reply, err
		}
		if item != nil {
			games.Set(id, item.Message())
		}
	}
	return protocol.NewMessage(protocol.CatStatus, "", protocol.PlayerServer).Set(protocol.FieldStatus, games), nil
}

func (c *Coordinator) gameStatus(ctx context.Context, id, pass string, msg *protocol.Message) (*game.ActionItem, *protocol.Message, error) {
	h := c.locks.Acquire(id)
	defer c.locks.Release(h)

	s, err := c.store.LoadGame(ctx, id)
	if errors.Is(err, ErrGameNotFound) {
		return c.logic.MissingGameAction(), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !s.AnyPasswordMatches(pass) {
		return nil, c.errorReply(id, "msg.badpass", "password mismatch", msg), nil
	}
	return s.TopItem(), nil, nil
}

// gameData is the reply to a successful join or new game.
func gameData(s *game.State, email string) *protocol.Message {
	seats := s.SeatsFor(email)
	reply := protocol.NewMessage(protocol.CatGameData, s.ID, protocol.PlayerServer).
		Set(protocol.FieldDataFile, s.DataFile).
		Set(protocol.FieldPlayerIDs, seats)
	if len(seats) > 0 {
		reply.Set(protocol.FieldPassword, s.Players[seats[len(seats)-1]].Password)
	}
	return reply
}
