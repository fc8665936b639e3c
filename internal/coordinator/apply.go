package coordinator

import (
	"context"
	"fmt"
	"slices"

	"github.com/chronologos/ddnet/internal/game"
	"github.com/chronologos/ddnet/internal/mailbox"
	"github.com/chronologos/ddnet/internal/protocol"
)

// txn is one request against one locked game. Mailboxes are loaded on
// first use and everything touched is written back by commit.
type txn struct {
	c        *Coordinator
	ctx      context.Context
	s        *game.State
	now      int64
	boxes    map[int]*mailbox.Mailbox
	dirty    map[int]bool
	saveGame bool
}

func (c *Coordinator) begin(ctx context.Context, s *game.State) *txn {
	return &txn{
		c:     c,
		ctx:   ctx,
		s:     s,
		now:   c.now().UnixMilli(),
		boxes: make(map[int]*mailbox.Mailbox),
		dirty: make(map[int]bool),
	}
}

func (t *txn) mailbox(id int) (*mailbox.Mailbox, error) {
	if _, err := t.s.Player(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if mb, ok := t.boxes[id]; ok {
		return mb, nil
	}
	mb, err := t.c.store.LoadMailbox(t.ctx, t.s.ID, id)
	if err != nil {
		return nil, err
	}
	t.boxes[id] = mb
	return mb, nil
}

// deliver appends msg to the mailbox of every player in ids.
func (t *txn) deliver(ids []int, msg *protocol.Message) error {
	out := msg.Clone()
	out.Attached = nil
	for _, id := range ids {
		mb, err := t.mailbox(id)
		if err != nil {
			return err
		}
		mb.Append(out, t.now)
		t.dirty[id] = true
	}
	return nil
}

// commit writes mailboxes before the game so a crash in between leaves a
// message that a retry may deliver twice rather than one that is lost.
func (t *txn) commit() error {
	ids := make([]int, 0, len(t.dirty))
	for id := range t.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := t.c.store.SaveMailbox(t.ctx, t.s.ID, id, t.boxes[id]); err != nil {
			return err
		}
	}
	if t.saveGame {
		return t.c.store.SaveGame(t.ctx, t.s)
	}
	return nil
}

// apply runs one message against the game. It returns nil when the
// message needs no reply of its own. Sub-messages of a poll go through
// here with top false.
func (t *txn) apply(msg *protocol.Message, top bool) (*protocol.Message, error) {
	s := t.s
	key := msg.Key

	var last, now int64
	if msg.Seq > 0 {
		last, now = s.LastSeq(key), msg.Seq
	} else {
		last, now = s.LastTimestamp(key), msg.Timestamp
	}
	if key != "" && msg.Category != protocol.CatJoinGame && msg.Category != protocol.CatPollUpdates && now <= last {
		t.c.log.Warn("skipping duplicate message", "game", s.ID, "last", last, "now", now, "msg", msg.Summary())
		return nil, nil
	}

	var (
		reply     *protocol.Message
		err       error
		watermark = true
	)
	switch msg.Category {
	case protocol.CatJoinGame:
		return t.join(msg), nil
	case protocol.CatPollUpdates:
		watermark = false
		if !top {
			reply = t.c.errorReply(s.ID, "poll inside poll", "nested poll", msg)
			break
		}
		if reply, err = t.verifyPassword(msg, false); err != nil || reply != nil {
			break
		}
		for _, sub := range msg.Attached {
			if reply, err = t.apply(sub, false); err != nil || reply != nil {
				break
			}
		}
		if err == nil && reply == nil {
			reply, err = t.clientUpdate(msg)
		}
	case protocol.CatErrorBadEmail:
		watermark = false
	case protocol.CatGameUpdate, protocol.CatInfo, protocol.CatChat:
		if reply, err = t.verifyPassword(msg, false); err != nil || reply != nil {
			break
		}
		err = t.fanOut(msg)
	case protocol.CatActionDone:
		if reply, err = t.verifyPassword(msg, false); err != nil || reply != nil {
			break
		}
		err = t.actionDone(msg)
		t.saveGame = true
	case protocol.CatActionRequest:
		if reply, err = t.verifyPassword(msg, false); err != nil || reply != nil {
			break
		}
		s.PushItem(t.c.logic.ProcessActionRequest(s, msg))
		t.saveGame = true
	case protocol.CatPlayerUpdate:
		if reply, err = t.verifyPassword(msg, true); err != nil || reply != nil {
			break
		}
		err = t.playerUpdate(msg)
		t.saveGame = true
	default:
		reply = protocol.NewError(s.ID, fmt.Sprintf("message category unknown: %d", msg.Category))
	}
	if err != nil {
		return nil, err
	}

	if watermark && key != "" {
		if msg.Seq > 0 {
			s.SetLastSeq(key, now)
		} else {
			s.SetLastTimestamp(key, now)
		}
		t.saveGame = true
	}
	return reply, nil
}

// verifyPassword checks the request's password. A group sender is checked
// against its first seat; the server, or any sender when all is set, may
// use any seat's password.
func (t *txn) verifyPassword(msg *protocol.Message, all bool) (*protocol.Message, error) {
	pass := msg.String(protocol.FieldPassword)
	var ok bool
	switch id := msg.From; {
	case id == protocol.PlayerGroup:
		ids := msg.Ints(protocol.FieldPlayerIDs)
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: group sender without ids", ErrMalformed)
		}
		ok = t.s.PasswordMatches(int(ids[0]), pass)
	case all || id == protocol.PlayerServer:
		ok = t.s.AnyPasswordMatches(pass)
	case id < 0:
		return nil, fmt.Errorf("%w: verify password for sender %d", ErrMalformed, id)
	default:
		ok = t.s.PasswordMatches(int(id), pass)
	}
	if !ok {
		return t.c.errorReply(t.s.ID, "msg.badpass", "password mismatch", msg), nil
	}
	return nil, nil
}

func (t *txn) join(msg *protocol.Message) *protocol.Message {
	s := t.s
	pass, email, key := msg.String(protocol.FieldPassword), msg.String(protocol.FieldEmail), msg.Key
	switch {
	case pass == "":
		return t.c.errorReply(s.ID, "join failed", "missing password", msg)
	case email == "":
		return t.c.errorReply(s.ID, "join failed", "missing email", msg)
	case key == "":
		return t.c.errorReply(s.ID, "join failed", "missing key", msg)
	}

	for i := range s.Players {
		if !s.SeatMatches(i, email, pass) {
			continue
		}
		if s.Joined(email) {
			return t.c.errorReply(s.ID, "already joined", "joining again", msg)
		}
		if owner, dup := s.KeyOwner(key); dup {
			return t.c.errorReply(s.ID, "duplicate key", "duplicate key of player "+owner, msg)
		}
		s.Register(email, key, msg.String(protocol.FieldLocale))
		t.saveGame = true
		t.c.log.Info("player joined", "game", s.ID, "email", email)
		return gameData(s, email)
	}
	return t.c.errorReply(s.ID, "join failed (bad password)", "invalid join (bad password)", msg)
}

// clientUpdate acknowledges what each listed seat has seen and returns
// what is still waiting for it.
func (t *txn) clientUpdate(msg *protocol.Message) (*protocol.Message, error) {
	s := t.s
	if msg.From != protocol.PlayerGroup {
		t.c.log.Warn("client update requires a group sender", "game", s.ID, "from", msg.From)
		return protocol.NewMessage(protocol.CatEmpty, s.ID, protocol.PlayerServer), nil
	}
	ids, stamps := msg.Ints(protocol.FieldPlayerIDs), msg.Ints(protocol.FieldLastTimestamps)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty id list", ErrMalformed)
	}
	if len(stamps) != len(ids) {
		return nil, fmt.Errorf("%w: %d timestamps for %d ids", ErrMalformed, len(stamps), len(ids))
	}

	reply := protocol.NewMessage(protocol.CatComposite, s.ID, protocol.PlayerServer)
	for i, id64 := range ids {
		id := int(id64)
		mb, err := t.mailbox(id)
		if err != nil {
			return nil, err
		}
		mb.PruneUpTo(stamps[i])
		t.dirty[id] = true
		s.Players[id].LastActed = t.now
		t.saveGame = true

		queue := protocol.NewMessage(protocol.CatComposite, s.ID, int32(id))
		queue.Set(protocol.FieldMessages, mb.Snapshot())
		reply.Attached = append(reply.Attached, queue)
	}
	if item := s.TopItem(); item != nil {
		reply.Set(protocol.FieldAction, item.Message())
	}
	t.c.poll.apply(reply)

	acted := make([]int64, len(s.Players))
	for i, p := range s.Players {
		acted[i] = p.LastActed
	}
	reply.Set(protocol.FieldPlayerTimestamp, acted)
	return reply, nil
}

func (t *txn) fanOut(msg *protocol.Message) error {
	ids := msg.Ints(protocol.FieldPlayerIDs)
	if ids == nil {
		return fmt.Errorf("%w: no ids to send message to", ErrMalformed)
	}
	seats := make([]int, len(ids))
	for i, id := range ids {
		seats[i] = int(id)
	}
	return t.deliver(seats, msg)
}

func (t *txn) actionDone(msg *protocol.Message) error {
	s := t.s
	if msg.Bool(protocol.FieldGameOver) {
		s.Done = true
	}
	id, ok := msg.Int(protocol.FieldAction)
	if !ok {
		return fmt.Errorf("%w: action id missing", ErrMalformed)
	}
	item := s.TopItem()
	if item == nil || int64(item.ID) != id {
		current := int32(-1)
		if item != nil {
			current = item.ID
		}
		t.c.log.Warn("action is not current", "game", s.ID, "action", id, "current", current)
		return nil
	}

	switch from := msg.From; {
	case from == protocol.PlayerGroup:
		ids := msg.Ints(protocol.FieldPlayerIDs)
		if ids == nil {
			return fmt.Errorf("%w: player ids missing", ErrMalformed)
		}
		for _, pid := range ids {
			if !item.SetActed(int(pid), t.now) && !s.IsEliminated(int(pid)) {
				t.c.log.Warn("ignoring invalid group action", "game", s.ID, "player", pid)
				return nil
			}
		}
	case from >= 0 && int(from) < s.NumPlayers():
		if !item.SetActed(int(from), t.now) {
			t.c.log.Warn("ignoring invalid action", "game", s.ID, "player", from)
			return nil
		}
	default:
		return fmt.Errorf("%w: action %d from sender %d", ErrMalformed, id, from)
	}

	if err := t.actionData(item, msg); err != nil {
		return err
	}
	t.c.logic.ProcessActionDone(s, item, msg)
	t.checkDone(item, true)
	return nil
}

// actionData forwards the update carried by an action to every seat that
// does not share the sender's password.
func (t *txn) actionData(item *game.ActionItem, msg *protocol.Message) error {
	if !msg.Has(protocol.FieldData) {
		return nil
	}
	updateType, ok := msg.Int(protocol.FieldUpdateType)
	if !ok {
		return fmt.Errorf("%w: no update type for action %d", ErrMalformed, item.ID)
	}
	from, err := t.s.Player(int(msg.From))
	if err != nil {
		return fmt.Errorf("%w: action %d: %w", ErrMalformed, item.ID, err)
	}

	update := protocol.NewMessage(protocol.CatGameUpdate, t.s.ID, msg.From).
		Set(protocol.FieldUpdateType, updateType).
		Set(protocol.FieldData, msg.Bytes(protocol.FieldData))
	var to []int
	for i, p := range t.s.Players {
		if p.Password != from.Password {
			to = append(to, i)
		}
	}
	return t.deliver(to, update)
}

// checkDone retires item once every required player acted. When the logic
// has nothing to follow it, the item below gets the same check once.
func (t *txn) checkDone(item *game.ActionItem, checkBelow bool) {
	if !item.Done() {
		return
	}
	t.s.RemoveItem(item)
	if next := t.c.logic.NextActionItem(t.s, item); next != nil {
		t.s.PushItem(next)
	} else if checkBelow {
		if top := t.s.TopItem(); top != nil {
			t.checkDone(top, false)
		}
	}
}

func (t *txn) playerUpdate(msg *protocol.Message) error {
	s := t.s
	id := int(msg.From)
	p, err := s.Player(id)
	if err != nil {
		return fmt.Errorf("%w: player update: %w", ErrMalformed, err)
	}

	if msg.Has(protocol.FieldEliminated) {
		p.Eliminated = msg.Bool(protocol.FieldEliminated)
		if p.Eliminated && msg.Bool(protocol.FieldEvicted) {
			var last *game.ActionItem
			for _, item := range s.ActionItems {
				if acted, err := item.HasActed(id); err == nil && !acted {
					item.ForceActed(id, t.now)
				}
				last = item
			}
			if last != nil {
				t.checkDone(last, true)
			}
		}
	}
	if email := msg.String(protocol.FieldEmail); email != "" {
		p.Email = email
	}
	return nil
}
