package protocol

// Wire format version.
const Version = 1

// Marker is the two-byte big-endian char that opens every frame.
const Marker = 'D'

// Header: [2B marker][4B version][4B type][4B length][8B checksum]
const HeaderSize = 22

// MaxPayloadSize bounds the payload length a reader accepts.
const MaxPayloadSize = 500000

// Frame types.
const (
	TypeTest    int32 = 1
	TypeMessage int32 = 2
	TypeReply   int32 = 3
)

// Sender ids that are not player indexes.
const (
	PlayerUndefined int32 = -1
	PlayerServer    int32 = -2
	PlayerGroup     int32 = -3 // several ids, listed in FieldPlayerIDs
)

// Category identifies the kind of an application message.
type Category int32

// Session coordinator categories.
const (
	CatError         Category = -1
	CatServerQuery   Category = 0
	CatNewGame       Category = 1
	CatJoinGame      Category = 2
	CatPollUpdates   Category = 3
	CatGetGameState  Category = 4
	CatActionDone    Category = 5
	CatChat          Category = 6
	CatInfo          Category = 7
	CatActionRequest Category = 8
	CatPlayerUpdate  Category = 9
	CatStatus        Category = 10

	CatComposite  Category = 100
	CatGameData   Category = 101
	CatOK         Category = 102
	CatGameUpdate Category = 103
	CatEmpty      Category = 104

	CatErrorBadEmail Category = 1000
)

// LAN presence categories. Update and Timeout are generated locally and
// never sent.
const (
	CatHello   Category = 10000
	CatAlive   Category = 10001
	CatGoodbye Category = 10002
	CatUpdate  Category = 10003
	CatTimeout Category = 10004
	CatRefresh Category = 10005
)

var categoryNames = map[Category]string{
	CatError:         "error",
	CatServerQuery:   "server-query",
	CatNewGame:       "new-game",
	CatJoinGame:      "join-game",
	CatPollUpdates:   "poll-updates",
	CatGetGameState:  "get-game-state",
	CatActionDone:    "action-done",
	CatChat:          "chat",
	CatInfo:          "info",
	CatActionRequest: "action-request",
	CatPlayerUpdate:  "player-update",
	CatStatus:        "status",
	CatComposite:     "composite",
	CatGameData:      "game-data",
	CatOK:            "ok",
	CatGameUpdate:    "game-update",
	CatEmpty:         "empty",
	CatErrorBadEmail: "error-bad-email",
	CatHello:         "hello",
	CatAlive:         "alive",
	CatGoodbye:       "goodbye",
	CatUpdate:        "update",
	CatTimeout:       "timeout",
	CatRefresh:       "refresh",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// Well-known message field names.
const (
	FieldPassword        = "pass"
	FieldEmail           = "email"
	FieldKey             = "key"
	FieldLocale          = "locale"
	FieldPlayerIDs       = "ids"
	FieldLastTimestamps  = "last"
	FieldPlayerTimestamp = "playerts"
	FieldAction          = "act"
	FieldUpdateType      = "updtyp"
	FieldResult          = "result"
	FieldParams          = "params"
	FieldEliminated      = "elim"
	FieldEvicted         = "evict"
	FieldGameOver        = "gameover"
	FieldGameDeleted     = "gamedel"
	FieldGameIDs         = "gids"
	FieldPasswords       = "passes"
	FieldStatus          = "status"
	FieldDataFile        = "datafile"
	FieldNames           = "nm"
	FieldEmails          = "em"
	FieldError           = "error"
	FieldKeepAlive       = "keepalive"
	FieldText            = "text"
	FieldNoReply         = "noreply"
	FieldData            = "data"
	FieldMessages        = "msgs"

	FieldWaitMin    = "waitmin"
	FieldWaitAdd    = "waitadd"
	FieldWaitAddPer = "waitaddper"
	FieldWaitMax    = "waitmax"
	FieldWaitError  = "waiterror"

	FieldHost        = "host"
	FieldPlayer      = "player"
	FieldIP          = "ip"
	FieldGUID        = "guid"
	FieldAliveMillis = "alive"
	FieldGameData    = "gamedata"
)
