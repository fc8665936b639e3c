// Package client is the player side of an online game. A Client holds
// one or more seats of a game hosted by a coordinator: it polls for the
// messages queued for those seats, delivers each one once, and sends its
// own messages batched onto the next poll.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chronologos/ddnet/internal/game"
	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/outbox"
	"github.com/chronologos/ddnet/internal/peer"
	"github.com/chronologos/ddnet/internal/protocol"
	"github.com/chronologos/ddnet/internal/transport"
)

var (
	ErrGameDeleted = errors.New("game no longer exists")
	ErrBadPassword = errors.New("password rejected")
	// ErrRejected wraps any other error reply from the coordinator.
	ErrRejected = errors.New("rejected by server")
)

// flushTimeout bounds the last poll Run makes on shutdown.
const flushTimeout = 5 * time.Second

// Backoff is the polling schedule. Idle time since the last activity adds
// Add for every full AddPer, starting at Min and capped at Max. Error is
// the wait after a failed poll.
type Backoff struct {
	Min    time.Duration
	Add    time.Duration
	AddPer time.Duration
	Max    time.Duration
	Error  time.Duration
}

// DefaultBackoff is used until the server sends its own schedule.
var DefaultBackoff = Backoff{
	Min:    3 * time.Second,
	Add:    3 * time.Second,
	AddPer: 120 * time.Second,
	Max:    180 * time.Second,
	Error:  10 * time.Second,
}

// Next returns the wait before the next poll after idle time without
// activity.
func (b Backoff) Next(idle time.Duration) time.Duration {
	wait := b.Min
	if b.AddPer > 0 && idle > 0 {
		wait += b.Add * time.Duration(idle/b.AddPer)
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	return wait
}

// FromMessage reads the wait fields, given in seconds, falling back
// to b for any that are missing or not positive.
func (b Backoff) FromMessage(m *protocol.Message) Backoff {
	read := func(name string, d *time.Duration) {
		if n, ok := m.Int(name); ok && n > 0 {
			*d = time.Duration(n) * time.Second
		}
	}
	read(protocol.FieldWaitMin, &b.Min)
	read(protocol.FieldWaitAdd, &b.Add)
	read(protocol.FieldWaitAddPer, &b.AddPer)
	read(protocol.FieldWaitMax, &b.Max)
	read(protocol.FieldWaitError, &b.Error)
	return b
}

// Config holds client configuration.
type Config struct {
	Addr    string
	Mode    transport.DialMode
	Options transport.Options

	GameID   string
	Seats    []int
	Password string
	// Key is the activation key. Messages carry it so the server can
	// suppress duplicates; without one nothing is deduplicated.
	Key string

	// Deliver is called once for every message queued for one of Seats,
	// in mailbox order, on the goroutine running PollOnce.
	Deliver func(seat int, msg *protocol.Message)
	// OnAction is called whenever the current action item changes.
	OnAction func(*game.ActionItem)

	Log *slog.Logger
	Now func() time.Time
}

// Client polls one game. PollOnce and Run must not be called
// concurrently; Queue may be called from any goroutine.
type Client struct {
	cfg    Config
	log    *slog.Logger
	peer   *peer.Client
	outbox *outbox.Outbox

	mu  sync.Mutex
	seq int64

	last        map[int]int64
	backoff     Backoff
	activity    time.Time
	action      int32
	playerTimes []int64
}

// New creates a client. No connection is made until the first poll.
func New(cfg Config) *Client {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := logging.OrDiscard(cfg.Log).With("game", cfg.GameID)
	now := cfg.Now()
	c := &Client{
		cfg: cfg,
		log: log,
		peer: peer.NewClient(peer.ClientConfig{
			Addr:    cfg.Addr,
			Mode:    cfg.Mode,
			Options: cfg.Options,
			Log:     log,
		}),
		outbox:   outbox.New(),
		seq:      now.UnixMicro(),
		last:     make(map[int]int64, len(cfg.Seats)),
		backoff:  DefaultBackoff,
		activity: now,
		action:   -1,
	}
	for _, seat := range cfg.Seats {
		c.last[seat] = 0
	}
	return c
}

// Queue stamps msg with the game, key, password and the next sequence
// number and sends it with the next poll. A message without a sender is
// sent from the first seat.
func (c *Client) Queue(msg *protocol.Message) {
	c.mu.Lock()
	c.seq++
	msg.Seq = c.seq
	c.mu.Unlock()

	msg.GameID = c.cfg.GameID
	msg.Key = c.cfg.Key
	if msg.From == protocol.PlayerUndefined && len(c.cfg.Seats) > 0 {
		msg.From = int32(c.cfg.Seats[0])
	}
	if !msg.Has(protocol.FieldPassword) {
		msg.Set(protocol.FieldPassword, c.cfg.Password)
	}
	if c.outbox.Add(msg) {
		c.log.Debug("outbox full", "pending", c.outbox.Pending())
	}
}

// Pending returns the number of messages waiting for the next poll.
func (c *Client) Pending() int { return c.outbox.Pending() }

// LastActed returns the time each player last polled, in unix millis, as
// of the last successful poll.
func (c *Client) LastActed() []int64 { return c.playerTimes }

// Action returns the id of the current action item, or -1 before the
// first poll.
func (c *Client) Action() int32 { return c.action }

// PollOnce sends one poll carrying everything queued, delivers what came
// back and returns how long to wait before the next one. Messages are
// put back in the outbox when the poll fails in transit, and dropped when
// the server rejects it.
func (c *Client) PollOnce(ctx context.Context) (time.Duration, error) {
	batch := c.outbox.Flush()

	lasts := make([]int64, len(c.cfg.Seats))
	for i, seat := range c.cfg.Seats {
		lasts[i] = c.last[seat]
	}
	poll := protocol.NewMessage(protocol.CatPollUpdates, c.cfg.GameID, protocol.PlayerGroup).
		Set(protocol.FieldPassword, c.cfg.Password).
		Set(protocol.FieldPlayerIDs, c.cfg.Seats).
		Set(protocol.FieldLastTimestamps, lasts)
	poll.Key = c.cfg.Key
	poll.Attached = batch

	reply, err := c.peer.SendAndAwaitReply(ctx, poll)
	if err != nil {
		c.outbox.Requeue(batch)
		c.log.Warn("poll failed", "status", peer.StatusOf(err), "pending", c.outbox.Pending(), "err", err)
		return c.backoff.Error, err
	}
	if reply.IsError() {
		text := reply.String(protocol.FieldError)
		switch {
		case reply.Bool(protocol.FieldGameDeleted):
			return 0, ErrGameDeleted
		case text == "msg.badpass":
			return 0, ErrBadPassword
		}
		c.log.Warn("poll rejected", "err", text, "dropped", len(batch))
		return c.backoff.Error, fmt.Errorf("%w: %s", ErrRejected, text)
	}
	if reply.Category != protocol.CatComposite {
		return c.backoff.Error, fmt.Errorf("%w: unexpected %s reply to poll", ErrRejected, reply.Category)
	}

	now := c.cfg.Now()
	if len(batch) > 0 {
		c.activity = now
	}
	c.backoff = c.backoff.FromMessage(reply)
	if n := c.deliver(reply); n > 0 {
		c.activity = now
	}
	if m := reply.Message(protocol.FieldAction); m != nil {
		item, err := game.ActionItemFromMessage(m)
		if err != nil {
			return c.backoff.Error, err
		}
		if item.ID != c.action {
			c.action = item.ID
			c.activity = now
			if c.cfg.OnAction != nil {
				c.cfg.OnAction(item)
			}
		}
	}
	c.playerTimes = reply.Ints(protocol.FieldPlayerTimestamp)
	return c.backoff.Next(now.Sub(c.activity)), nil
}

// deliver hands on queued messages newer than what each seat has seen.
// Messages come back until the next poll acknowledges them, so the
// per-seat mark is what keeps delivery to once.
func (c *Client) deliver(reply *protocol.Message) int {
	n := 0
	for _, queue := range reply.Attached {
		seat := int(queue.From)
		seen, ok := c.last[seat]
		if !ok {
			c.log.Warn("queue for a seat we do not hold", "seat", seat)
			continue
		}
		for _, msg := range queue.Messages(protocol.FieldMessages) {
			if msg.Timestamp <= seen {
				continue
			}
			seen = msg.Timestamp
			n++
			if c.cfg.Deliver != nil {
				c.cfg.Deliver(seat, msg)
			}
		}
		c.last[seat] = seen
	}
	return n
}

// Run polls until ctx is cancelled or the game is gone. A due outbox cuts
// the wait short. On cancellation anything still queued gets one last
// poll. Returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	defer c.outbox.Stop()
	for {
		wait, err := c.PollOnce(ctx)
		if errors.Is(err, ErrGameDeleted) || errors.Is(err, ErrBadPassword) {
			return err
		}
		if ctx.Err() != nil {
			c.flush()
			return nil
		}
		c.log.Debug("next poll", "wait", wait)

		timer := time.NewTimer(wait)
		ok := c.wait(ctx, timer)
		timer.Stop()
		if !ok {
			c.flush()
			return nil
		}
	}
}

// wait blocks until timer fires, the outbox is due, or ctx is done, in
// which case it returns false.
func (c *Client) wait(ctx context.Context, timer *time.Timer) bool {
	for {
		if c.outbox.Full() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-c.outbox.Timer():
			return true
		case <-c.outbox.Notify():
		}
	}
}

func (c *Client) flush() {
	if c.outbox.Pending() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if _, err := c.PollOnce(ctx); err != nil {
		c.log.Warn("final poll", "err", err, "lost", c.outbox.Pending())
	}
}

// Close drops the connection.
func (c *Client) Close() error { return c.peer.Close() }

// GameInfo is what the coordinator returns on creating or joining a game.
type GameInfo struct {
	GameID   string
	DataFile string
	Seats    []int
	Password string
}

// NewGame asks the server at pc to create a game for the listed players.
// The caller holds the seats of the first email.
func NewGame(ctx context.Context, pc *peer.Client, names, emails []string, key, locale string, data []byte) (GameInfo, error) {
	msg := protocol.NewMessage(protocol.CatNewGame, "", protocol.PlayerUndefined).
		Set(protocol.FieldNames, names).
		Set(protocol.FieldEmails, emails).
		Set(protocol.FieldLocale, locale)
	if len(data) > 0 {
		msg.Set(protocol.FieldData, data)
	}
	msg.Key = key
	return exchangeGameData(ctx, pc, msg)
}

// JoinGame claims the seats of email in game id.
func JoinGame(ctx context.Context, pc *peer.Client, id, email, password, key, locale string) (GameInfo, error) {
	msg := protocol.NewMessage(protocol.CatJoinGame, id, protocol.PlayerUndefined).
		Set(protocol.FieldEmail, email).
		Set(protocol.FieldPassword, password).
		Set(protocol.FieldLocale, locale)
	msg.Key = key
	return exchangeGameData(ctx, pc, msg)
}

func exchangeGameData(ctx context.Context, pc *peer.Client, msg *protocol.Message) (GameInfo, error) {
	reply, err := pc.SendAndAwaitReply(ctx, msg)
	if err != nil {
		return GameInfo{}, err
	}
	if reply.IsError() {
		return GameInfo{}, fmt.Errorf("%w: %s", ErrRejected, reply.String(protocol.FieldError))
	}
	if reply.Category == protocol.CatErrorBadEmail {
		return GameInfo{}, fmt.Errorf("%w: email not in game", ErrRejected)
	}
	if reply.Category != protocol.CatGameData {
		return GameInfo{}, fmt.Errorf("%w: unexpected %s reply", ErrRejected, reply.Category)
	}
	info := GameInfo{
		GameID:   reply.GameID,
		DataFile: reply.String(protocol.FieldDataFile),
		Password: reply.String(protocol.FieldPassword),
	}
	for _, id := range reply.Ints(protocol.FieldPlayerIDs) {
		info.Seats = append(info.Seats, int(id))
	}
	return info, nil
}
