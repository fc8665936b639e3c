// Package game holds the server-side state of one online game: the seats,
// the stack of action items the game is waiting on and the per-client
// de-duplication watermarks.
package game

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrNotFound  = errors.New("game not found")
	ErrNoPlayers = errors.New("game has no players")
	ErrBadPlayer = errors.New("player index out of range")
)

// Player is one seat of a game. One person may hold several seats under
// the same e-mail address; those seats share a password.
type Player struct {
	Name       string
	Email      string
	Password   string
	Locale     string
	Eliminated bool
	// LastActed is when the seat last polled, in unix millis.
	LastActed int64
}

// State is everything the coordinator persists for a game.
type State struct {
	ID       string
	DataFile string
	Created  int64
	Done     bool

	Players []Player
	// Keys maps lower-case e-mail to the activation key that joined with it.
	Keys map[string]string
	// ActionItems is a stack; the last element is the current item.
	ActionItems []*ActionItem
	// Watermarks holds the newest sequence number ("seq-"+key) or client
	// timestamp (key) processed for each client key.
	Watermarks map[string]int64
	Options    map[string]string
}

// New creates a game with one seat per name/email pair. The host's key is
// registered for the first seat and every distinct e-mail gets a fresh
// password. dataFile may be filled in later.
func New(id, dataFile string, names, emails []string, hostKey, locale string, options map[string]string, now int64) (*State, error) {
	if len(names) == 0 {
		return nil, ErrNoPlayers
	}
	if len(names) != len(emails) {
		return nil, fmt.Errorf("%d names but %d e-mail addresses", len(names), len(emails))
	}

	s := &State{
		ID:         id,
		DataFile:   dataFile,
		Created:    now,
		Keys:       make(map[string]string),
		Watermarks: make(map[string]int64),
		Options:    make(map[string]string),
	}
	for k, v := range options {
		s.Options[k] = v
	}

	passwords := make(map[string]string)
	for i, name := range names {
		email := strings.ToLower(emails[i])
		pass, ok := passwords[email]
		if !ok {
			var err error
			if pass, err = newPassword(); err != nil {
				return nil, err
			}
			passwords[email] = pass
		}
		s.Players = append(s.Players, Player{Name: name, Email: emails[i], Password: pass, Locale: locale})
	}
	s.Keys[strings.ToLower(emails[0])] = hostKey
	return s, nil
}

const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newPassword() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for range 8 {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NumPlayers returns the number of seats.
func (s *State) NumPlayers() int { return len(s.Players) }

// Player returns seat i.
func (s *State) Player(i int) (*Player, error) {
	if i < 0 || i >= len(s.Players) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadPlayer, i, len(s.Players))
	}
	return &s.Players[i], nil
}

// IsEliminated reports whether seat i is out. Unknown seats are not.
func (s *State) IsEliminated(i int) bool {
	p, err := s.Player(i)
	return err == nil && p.Eliminated
}

// SeatsFor returns the seats held by email, compared without case.
func (s *State) SeatsFor(email string) []int {
	var ids []int
	for i, p := range s.Players {
		if strings.EqualFold(p.Email, email) {
			ids = append(ids, i)
		}
	}
	return ids
}

// PasswordMatches compares pass with seat i's password, ignoring case.
func (s *State) PasswordMatches(i int, pass string) bool {
	p, err := s.Player(i)
	return err == nil && strings.EqualFold(p.Password, pass)
}

// SeatMatches reports whether seat i belongs to email and pass, both
// compared without case.
func (s *State) SeatMatches(i int, email, pass string) bool {
	p, err := s.Player(i)
	return err == nil && strings.EqualFold(p.Email, email) && strings.EqualFold(p.Password, pass)
}

// AnyPasswordMatches reports whether pass belongs to any seat.
func (s *State) AnyPasswordMatches(pass string) bool {
	for i := range s.Players {
		if s.PasswordMatches(i, pass) {
			return true
		}
	}
	return false
}

// TopItem returns the current action item, or nil.
func (s *State) TopItem() *ActionItem {
	if len(s.ActionItems) == 0 {
		return nil
	}
	return s.ActionItems[len(s.ActionItems)-1]
}

// PushItem makes item current. A nil item is ignored.
func (s *State) PushItem(item *ActionItem) {
	if item == nil {
		return
	}
	s.ActionItems = append(s.ActionItems, item)
}

// RemoveItem drops item from the stack wherever it is.
func (s *State) RemoveItem(item *ActionItem) {
	for i, it := range s.ActionItems {
		if it == item {
			s.ActionItems = append(s.ActionItems[:i], s.ActionItems[i+1:]...)
			return
		}
	}
}

func seqKey(key string) string { return "seq-" + key }

// LastSeq returns the newest sequence number processed for key, or -1.
func (s *State) LastSeq(key string) int64 {
	if v, ok := s.Watermarks[seqKey(key)]; ok {
		return v
	}
	return -1
}

func (s *State) SetLastSeq(key string, seq int64) {
	s.ensureWatermarks()
	s.Watermarks[seqKey(key)] = seq
}

// LastTimestamp returns the newest client timestamp processed for key, or 0.
func (s *State) LastTimestamp(key string) int64 {
	return s.Watermarks[key]
}

func (s *State) SetLastTimestamp(key string, ts int64) {
	s.ensureWatermarks()
	s.Watermarks[key] = ts
}

func (s *State) ensureWatermarks() {
	if s.Watermarks == nil {
		s.Watermarks = make(map[string]int64)
	}
}

// Joined reports whether email already registered a key.
func (s *State) Joined(email string) bool {
	for e := range s.Keys {
		if strings.EqualFold(e, email) {
			return true
		}
	}
	return false
}

// KeyOwner returns the e-mail that registered key, if any.
func (s *State) KeyOwner(key string) (string, bool) {
	for e, k := range s.Keys {
		if k == key {
			return e, true
		}
	}
	return "", false
}

// Register records that email joined with key and locale.
func (s *State) Register(email, key, locale string) {
	if s.Keys == nil {
		s.Keys = make(map[string]string)
	}
	email = strings.ToLower(email)
	s.Keys[email] = key
	for i := range s.Players {
		if strings.EqualFold(s.Players[i].Email, email) && locale != "" {
			s.Players[i].Locale = locale
		}
	}
}
