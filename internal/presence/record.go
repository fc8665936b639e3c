// Package presence tracks which peers are alive on the LAN. Peers announce
// themselves over the multicast channel; the Registry turns the stream of
// announcements into join, update and leave events.
package presence

import (
	"bytes"
	"time"

	"github.com/chronologos/ddnet/internal/protocol"
)

// Record is what one peer announces about itself.
type Record struct {
	Key         string
	HostName    string
	PlayerName  string
	Addr        string
	GUID        string
	AliveMillis int64
	GameData    []byte

	// LastSeen is set locally when the record is received.
	LastSeen time.Time
}

// Message encodes r as a presence message of category cat.
func (r Record) Message(cat protocol.Category) *protocol.Message {
	m := protocol.NewMessage(cat, "", protocol.PlayerUndefined)
	m.Key = r.Key
	m.Timestamp = time.Now().UnixMilli()
	m.Set(protocol.FieldHost, r.HostName).
		Set(protocol.FieldPlayer, r.PlayerName).
		Set(protocol.FieldIP, r.Addr).
		Set(protocol.FieldGUID, r.GUID).
		Set(protocol.FieldAliveMillis, r.AliveMillis)
	if len(r.GameData) > 0 {
		m.Set(protocol.FieldGameData, r.GameData)
	}
	return m
}

// RecordFromMessage decodes a presence message.
func RecordFromMessage(m *protocol.Message) Record {
	alive, _ := m.Int(protocol.FieldAliveMillis)
	return Record{
		Key:         m.Key,
		HostName:    m.String(protocol.FieldHost),
		PlayerName:  m.String(protocol.FieldPlayer),
		Addr:        m.String(protocol.FieldIP),
		GUID:        m.String(protocol.FieldGUID),
		AliveMillis: alive,
		GameData:    m.Bytes(protocol.FieldGameData),
	}
}

// Equivalent reports whether b carries nothing new compared with a. Alive
// time and receive time always differ and are ignored.
func Equivalent(a, b Record) bool {
	return a.Key == b.Key &&
		a.GUID == b.GUID &&
		a.HostName == b.HostName &&
		a.PlayerName == b.PlayerName &&
		a.Addr == b.Addr &&
		bytes.Equal(a.GameData, b.GameData)
}

// IsPresence reports whether cat is a presence category sent on the wire.
func IsPresence(cat protocol.Category) bool {
	switch cat {
	case protocol.CatHello, protocol.CatAlive, protocol.CatGoodbye, protocol.CatRefresh:
		return true
	}
	return false
}
