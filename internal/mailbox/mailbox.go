package mailbox

import (
	"sync"

	"github.com/chronologos/ddnet/internal/protocol"
)

// Entry is one queued message with the server time it was queued at.
type Entry struct {
	Created int64 // unix millis, strictly increasing within a mailbox
	Msg     *protocol.Message
}

// Mailbox holds the messages waiting for one player of one game, oldest
// first. The player acknowledges a prefix by timestamp and the mailbox
// drops it.
//
// Mailbox is safe for concurrent use.
type Mailbox struct {
	mu      sync.Mutex
	entries []Entry
}

// New creates an empty mailbox.
func New() *Mailbox {
	return &Mailbox{}
}

// FromEntries rebuilds a mailbox from stored entries, which must already
// be in order.
func FromEntries(entries []Entry) *Mailbox {
	return &Mailbox{entries: append([]Entry(nil), entries...)}
}

// Append queues a copy of msg stamped with now. If now does not move past
// the newest entry the stamp is bumped so every entry has a distinct,
// increasing timestamp. Returns the stamp used.
func (b *Mailbox) Append(msg *protocol.Message, now int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.entries); n > 0 && now <= b.entries[n-1].Created {
		now = b.entries[n-1].Created + 1
	}
	m := msg.Clone()
	m.Timestamp = now
	b.entries = append(b.entries, Entry{Created: now, Msg: m})
	return now
}

// PruneUpTo drops every entry created at or before ts and returns how many
// were dropped. Zero means the player has seen nothing yet.
func (b *Mailbox) PruneUpTo(ts int64) int {
	if ts == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(b.entries) && b.entries[n].Created <= ts {
		n++
	}
	if n == 0 {
		return 0
	}
	// Release the dropped messages.
	clear(b.entries[:n])
	b.entries = b.entries[n:]
	return n
}

// Snapshot returns copies of the queued messages in order. Returns nil if
// the mailbox is empty.
func (b *Mailbox) Snapshot() []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	out := make([]*protocol.Message, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Msg.Clone()
	}
	return out
}

// Entries returns the queued entries for persistence.
func (b *Mailbox) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

// Len returns the number of queued messages.
func (b *Mailbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// OldestCreated returns the oldest timestamp, or 0 if empty.
func (b *Mailbox) OldestCreated() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[0].Created
}

// NewestCreated returns the newest timestamp, or 0 if empty.
func (b *Mailbox) NewestCreated() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[len(b.entries)-1].Created
}
