package storage

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strconv"

	"github.com/chronologos/ddnet/internal/game"
	"github.com/chronologos/ddnet/internal/mailbox"
	"github.com/chronologos/ddnet/internal/protocol"
)

const currentSchemaVersion = 1

type gameSchema struct {
	Version    int               `toml:"version"`
	ID         string            `toml:"id"`
	DataFile   string            `toml:"data_file"`
	Created    int64             `toml:"created"`
	Done       bool              `toml:"done"`
	Players    []playerSchema    `toml:"players"`
	Keys       map[string]string `toml:"keys,omitempty"`
	Watermarks map[string]int64  `toml:"watermarks,omitempty"`
	Options    map[string]string `toml:"options,omitempty"`
	Items      []itemSchema      `toml:"items,omitempty"`
}

type playerSchema struct {
	Name       string `toml:"name"`
	Email      string `toml:"email"`
	Password   string `toml:"password"`
	Locale     string `toml:"locale,omitempty"`
	Eliminated bool   `toml:"eliminated"`
	LastActed  int64  `toml:"last_acted"`
}

// itemSchema keys Acted by the decimal seat index; TOML tables only have
// string keys.
type itemSchema struct {
	ID      int32            `toml:"id"`
	Created int64            `toml:"created"`
	Acted   map[string]int64 `toml:"acted"`
	Evicted []int            `toml:"evicted,omitempty"`
}

type mailboxSchema struct {
	Version int           `toml:"version"`
	Entries []entrySchema `toml:"entries"`
}

// entrySchema holds the message in its wire encoding, base64 wrapped.
type entrySchema struct {
	Created int64  `toml:"created"`
	Message string `toml:"message"`
}

func validateVersion(what string, v int) error {
	if v > currentSchemaVersion {
		return fmt.Errorf("unsupported %s schema version %d (current %d)", what, v, currentSchemaVersion)
	}
	return nil
}

func toGameSchema(s *game.State) gameSchema {
	out := gameSchema{
		Version:    currentSchemaVersion,
		ID:         s.ID,
		DataFile:   s.DataFile,
		Created:    s.Created,
		Done:       s.Done,
		Keys:       s.Keys,
		Watermarks: s.Watermarks,
		Options:    s.Options,
	}
	for _, p := range s.Players {
		out.Players = append(out.Players, playerSchema(p))
	}
	for _, item := range s.ActionItems {
		out.Items = append(out.Items, toItemSchema(item))
	}
	return out
}

func toItemSchema(item *game.ActionItem) itemSchema {
	out := itemSchema{ID: item.ID, Created: item.Created, Acted: make(map[string]int64, len(item.Acted))}
	for id, ts := range item.Acted {
		out.Acted[strconv.Itoa(id)] = ts
	}
	for id, evicted := range item.Evicted {
		if evicted {
			out.Evicted = append(out.Evicted, id)
		}
	}
	slices.Sort(out.Evicted)
	return out
}

func fromGameSchema(in gameSchema) (*game.State, error) {
	s := &game.State{
		ID:         in.ID,
		DataFile:   in.DataFile,
		Created:    in.Created,
		Done:       in.Done,
		Keys:       in.Keys,
		Watermarks: in.Watermarks,
		Options:    in.Options,
	}
	if s.Keys == nil {
		s.Keys = make(map[string]string)
	}
	if s.Watermarks == nil {
		s.Watermarks = make(map[string]int64)
	}
	if s.Options == nil {
		s.Options = make(map[string]string)
	}
	for _, p := range in.Players {
		s.Players = append(s.Players, game.Player(p))
	}
	for _, it := range in.Items {
		item := game.NewActionItem(it.ID, it.Created)
		for key, ts := range it.Acted {
			id, err := strconv.Atoi(key)
			if err != nil || id < 0 || id >= len(s.Players) {
				return nil, fmt.Errorf("game %s item %d: bad seat %q", in.ID, it.ID, key)
			}
			item.Acted[id] = ts
		}
		for _, id := range it.Evicted {
			item.Evicted[id] = true
		}
		s.ActionItems = append(s.ActionItems, item)
	}
	return s, nil
}

func toMailboxSchema(mb *mailbox.Mailbox) (mailboxSchema, error) {
	out := mailboxSchema{Version: currentSchemaVersion, Entries: []entrySchema{}}
	for _, e := range mb.Entries() {
		payload, err := e.Msg.Marshal()
		if err != nil {
			return mailboxSchema{}, fmt.Errorf("encode queued message: %w", err)
		}
		out.Entries = append(out.Entries, entrySchema{
			Created: e.Created,
			Message: base64.StdEncoding.EncodeToString(payload),
		})
	}
	return out, nil
}

func fromMailboxSchema(in mailboxSchema) (*mailbox.Mailbox, error) {
	entries := make([]mailbox.Entry, 0, len(in.Entries))
	for i, e := range in.Entries {
		payload, err := base64.StdEncoding.DecodeString(e.Message)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		msg, err := protocol.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, mailbox.Entry{Created: e.Created, Msg: msg})
	}
	return mailbox.FromEntries(entries), nil
}
