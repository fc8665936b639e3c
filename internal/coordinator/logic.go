package coordinator

import (
	"time"

	"github.com/chronologos/ddnet/internal/game"
	"github.com/chronologos/ddnet/internal/protocol"
)

// MissingGameActionID identifies the item STATUS reports for a deleted game.
const MissingGameActionID int32 = -1

// RoundRobin is a minimal GameLogic: seats act one at a time in seat order,
// skipping eliminated seats, until the game is over. An action request
// asks every remaining seat to act at once.
type RoundRobin struct {
	Now func() time.Time
}

func (r RoundRobin) now() int64 {
	if r.Now != nil {
		return r.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

func (r RoundRobin) NextActionItem(s *game.State, done *game.ActionItem) *game.ActionItem {
	if s.Done {
		return nil
	}
	id, seat := int32(1), 0
	if done != nil {
		id = done.ID + 1
		if players := done.Players(); len(players) > 0 {
			seat = players[len(players)-1] + 1
		}
	}
	n := s.NumPlayers()
	for range n {
		seat %= n
		if !s.IsEliminated(seat) {
			item := game.NewActionItem(id, r.now())
			item.SetPlayer(seat)
			return item
		}
		seat++
	}
	return nil
}

func (r RoundRobin) ProcessActionRequest(s *game.State, _ *protocol.Message) *game.ActionItem {
	id := int32(1)
	if top := s.TopItem(); top != nil {
		id = top.ID + 1
	}
	item := game.NewActionItem(id, r.now())
	item.AddNonEliminated(s)
	return item
}

func (RoundRobin) ProcessActionDone(*game.State, *game.ActionItem, *protocol.Message) {}

func (r RoundRobin) MissingGameAction() *game.ActionItem {
	return game.NewActionItem(MissingGameActionID, r.now())
}
