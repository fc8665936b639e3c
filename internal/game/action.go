package game

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chronologos/ddnet/internal/protocol"
)

// NotActed marks a required player who has not acted yet.
const NotActed int64 = -1

var ErrNotRequired = errors.New("player is not part of this action")

// ActionItem is something the game waits on: a set of players who must each
// act before the game moves on.
type ActionItem struct {
	ID      int32
	Created int64 // unix millis
	// Acted maps each required player to the time it acted, or NotActed.
	Acted   map[int]int64
	Evicted map[int]bool
}

// NewActionItem returns an item with no required players.
func NewActionItem(id int32, created int64) *ActionItem {
	return &ActionItem{
		ID:      id,
		Created: created,
		Acted:   make(map[int]int64),
		Evicted: make(map[int]bool),
	}
}

// AddPlayer makes id a required player.
func (a *ActionItem) AddPlayer(id int) {
	a.Acted[id] = NotActed
}

// AddAllPlayers requires every seat of s.
func (a *ActionItem) AddAllPlayers(s *State) {
	for i := range s.Players {
		a.AddPlayer(i)
	}
}

// AddNonEliminated requires every seat of s still in the game.
func (a *ActionItem) AddNonEliminated(s *State) {
	for i, p := range s.Players {
		if !p.Eliminated {
			a.AddPlayer(i)
		}
	}
}

// SetPlayer makes id the only required player.
func (a *ActionItem) SetPlayer(id int) {
	clear(a.Acted)
	a.AddPlayer(id)
}

// Required reports whether id must act.
func (a *ActionItem) Required(id int) bool {
	_, ok := a.Acted[id]
	return ok
}

// HasActed reports whether id has acted. It fails for players who were
// never required.
func (a *ActionItem) HasActed(id int) (bool, error) {
	ts, ok := a.Acted[id]
	if !ok {
		return false, fmt.Errorf("action %d, player %d: %w", a.ID, id, ErrNotRequired)
	}
	return ts != NotActed, nil
}

// SetActed records that id acted at ts. It returns false if id was not
// required or already acted.
func (a *ActionItem) SetActed(id int, ts int64) bool {
	cur, ok := a.Acted[id]
	if !ok || cur != NotActed {
		return false
	}
	a.Acted[id] = ts
	return true
}

// ForceActed marks an evicted player as having acted so the item can
// complete without them.
func (a *ActionItem) ForceActed(id int, ts int64) bool {
	if !a.SetActed(id, ts) {
		return false
	}
	a.Evicted[id] = true
	return true
}

// Done reports whether every required player has acted. An item with no
// required players is done.
func (a *ActionItem) Done() bool {
	for _, ts := range a.Acted {
		if ts == NotActed {
			return false
		}
	}
	return true
}

// Players returns the required player ids in ascending order.
func (a *ActionItem) Players() []int {
	ids := make([]int, 0, len(a.Acted))
	for id := range a.Acted {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Clone returns a deep copy.
func (a *ActionItem) Clone() *ActionItem {
	c := NewActionItem(a.ID, a.Created)
	for k, v := range a.Acted {
		c.Acted[k] = v
	}
	for k, v := range a.Evicted {
		c.Evicted[k] = v
	}
	return c
}

// Action item message fields.
const (
	itemID      = "id"
	itemCreated = "created"
	itemPlayers = "ids"
	itemActed   = "acted"
	itemEvicted = "evict"
)

// Message encodes a as a nested message for replies.
func (a *ActionItem) Message() *protocol.Message {
	ids := a.Players()
	acted := make([]int64, len(ids))
	var evicted []int64
	for i, id := range ids {
		acted[i] = a.Acted[id]
		if a.Evicted[id] {
			evicted = append(evicted, int64(id))
		}
	}
	m := protocol.NewMessage(protocol.CatActionRequest, "", protocol.PlayerServer).
		Set(itemID, a.ID).
		Set(itemCreated, a.Created).
		Set(itemPlayers, ids).
		Set(itemActed, acted)
	if len(evicted) > 0 {
		m.Set(itemEvicted, evicted)
	}
	return m
}

// ActionItemFromMessage decodes an item encoded by Message.
func ActionItemFromMessage(m *protocol.Message) (*ActionItem, error) {
	id, ok := m.Int(itemID)
	if !ok {
		return nil, fmt.Errorf("action item: %w: no id", protocol.ErrBadField)
	}
	created, _ := m.Int(itemCreated)
	ids, acted := m.Ints(itemPlayers), m.Ints(itemActed)
	if len(ids) != len(acted) {
		return nil, fmt.Errorf("action item %d: %w: %d ids, %d acted", id, protocol.ErrBadField, len(ids), len(acted))
	}
	a := NewActionItem(int32(id), created)
	for i, pid := range ids {
		a.Acted[int(pid)] = acted[i]
	}
	for _, pid := range m.Ints(itemEvicted) {
		a.Evicted[int(pid)] = true
	}
	return a, nil
}
