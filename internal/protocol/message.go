package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrNestedAttachment = errors.New("attached message carries its own attachments")
	ErrIntOutOfRange    = errors.New("integer field exceeds 53 bits")
	ErrBadField         = errors.New("malformed message field")
)

// maxExactInt is the largest integer a protobuf number value holds exactly.
const maxExactInt = 1 << 53

// Message is the application payload carried inside a frame. Free-form
// fields are typed: string, int64, bool, []int64, []string, []byte,
// *Message and []*Message.
type Message struct {
	Category  Category
	From      int32
	Seq       int64
	Timestamp int64 // unix millis
	GameID    string
	Key       string
	Attached  []*Message

	fields map[string]any
}

// NewMessage returns a message with no fields set.
func NewMessage(cat Category, gameID string, from int32) *Message {
	return &Message{Category: cat, GameID: gameID, From: from}
}

// Set stores a field. Ints of any width are stored as int64.
func (m *Message) Set(name string, v any) *Message {
	if m.fields == nil {
		m.fields = make(map[string]any)
	}
	switch x := v.(type) {
	case int:
		v = int64(x)
	case int32:
		v = int64(x)
	case []int:
		ints := make([]int64, len(x))
		for i, n := range x {
			ints[i] = int64(n)
		}
		v = ints
	case []int32:
		ints := make([]int64, len(x))
		for i, n := range x {
			ints[i] = int64(n)
		}
		v = ints
	}
	m.fields[name] = v
	return m
}

// Has reports whether a field is present.
func (m *Message) Has(name string) bool {
	_, ok := m.fields[name]
	return ok
}

// Field returns the raw value of a field, or nil.
func (m *Message) Field(name string) any {
	return m.fields[name]
}

// Delete removes a field.
func (m *Message) Delete(name string) {
	delete(m.fields, name)
}

// FieldNames returns the names of all set fields, sorted.
func (m *Message) FieldNames() []string {
	names := make([]string, 0, len(m.fields))
	for k := range m.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *Message) String(name string) string {
	s, _ := m.fields[name].(string)
	return s
}

// Int returns an integer field and whether it was present.
func (m *Message) Int(name string) (int64, bool) {
	n, ok := m.fields[name].(int64)
	return n, ok
}

func (m *Message) Bool(name string) bool {
	b, _ := m.fields[name].(bool)
	return b
}

func (m *Message) Ints(name string) []int64 {
	n, _ := m.fields[name].([]int64)
	return n
}

func (m *Message) Strings(name string) []string {
	s, _ := m.fields[name].([]string)
	return s
}

func (m *Message) Bytes(name string) []byte {
	b, _ := m.fields[name].([]byte)
	return b
}

// Message returns a nested message field.
func (m *Message) Message(name string) *Message {
	sub, _ := m.fields[name].(*Message)
	return sub
}

// Messages returns a nested message list field.
func (m *Message) Messages(name string) []*Message {
	subs, _ := m.fields[name].([]*Message)
	return subs
}

// Summary is a short description used in log lines.
func (m *Message) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s game=%q from=%d", m.Category, m.GameID, m.From)
	if m.Seq > 0 {
		fmt.Fprintf(&b, " seq=%d", m.Seq)
	} else if m.Timestamp > 0 {
		fmt.Fprintf(&b, " ts=%d", m.Timestamp)
	}
	if m.Key != "" {
		fmt.Fprintf(&b, " key=%s", m.Key)
	}
	if len(m.Attached) > 0 {
		fmt.Fprintf(&b, " attached=%d", len(m.Attached))
	}
	return b.String()
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.fields = make(map[string]any, len(m.fields))
	for k, v := range m.fields {
		switch x := v.(type) {
		case []int64:
			v = append([]int64(nil), x...)
		case []string:
			v = append([]string(nil), x...)
		case []byte:
			v = append([]byte(nil), x...)
		case *Message:
			v = x.Clone()
		case []*Message:
			subs := make([]*Message, len(x))
			for i, s := range x {
				subs[i] = s.Clone()
			}
			v = subs
		}
		c.fields[k] = v
	}
	if m.Attached != nil {
		c.Attached = make([]*Message, len(m.Attached))
		for i, a := range m.Attached {
			c.Attached[i] = a.Clone()
		}
	}
	return &c
}

// --- Encoding ---

// Marshal encodes m as a protobuf Struct.
func (m *Message) Marshal() ([]byte, error) {
	s, err := m.toStruct(true)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(b []byte) (*Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return fromStruct(&s, true)
}

func intValue(n int64) (*structpb.Value, error) {
	if n > maxExactInt || n < -maxExactInt {
		return nil, fmt.Errorf("%w: %d", ErrIntOutOfRange, n)
	}
	return structpb.NewNumberValue(float64(n)), nil
}

func (m *Message) toStruct(top bool) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	var err error
	if out.Fields["cat"], err = intValue(int64(m.Category)); err != nil {
		return nil, err
	}
	if out.Fields["from"], err = intValue(int64(m.From)); err != nil {
		return nil, err
	}
	if out.Fields["seq"], err = intValue(m.Seq); err != nil {
		return nil, err
	}
	if out.Fields["ts"], err = intValue(m.Timestamp); err != nil {
		return nil, err
	}
	out.Fields["gid"] = structpb.NewStringValue(m.GameID)
	out.Fields["key"] = structpb.NewStringValue(m.Key)

	fields := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for name, v := range m.fields {
		fv, err := encodeField(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields.Fields[name] = structpb.NewStructValue(fv)
	}
	out.Fields["f"] = structpb.NewStructValue(fields)

	if len(m.Attached) > 0 {
		if !top {
			return nil, ErrNestedAttachment
		}
		list := &structpb.ListValue{}
		for _, a := range m.Attached {
			as, err := a.toStruct(false)
			if err != nil {
				return nil, err
			}
			list.Values = append(list.Values, structpb.NewStructValue(as))
		}
		out.Fields["att"] = structpb.NewListValue(list)
	}
	return out, nil
}

// encodeField wraps a value in a one-entry struct whose key names its type,
// so empty lists and integers survive the round trip unchanged.
func encodeField(v any) (*structpb.Struct, error) {
	wrap := func(tag string, val *structpb.Value) *structpb.Struct {
		return &structpb.Struct{Fields: map[string]*structpb.Value{tag: val}}
	}
	switch x := v.(type) {
	case string:
		return wrap("s", structpb.NewStringValue(x)), nil
	case int64:
		n, err := intValue(x)
		if err != nil {
			return nil, err
		}
		return wrap("i", n), nil
	case bool:
		return wrap("b", structpb.NewBoolValue(x)), nil
	case []byte:
		return wrap("x", structpb.NewStringValue(base64.StdEncoding.EncodeToString(x))), nil
	case []int64:
		list := &structpb.ListValue{}
		for _, n := range x {
			nv, err := intValue(n)
			if err != nil {
				return nil, err
			}
			list.Values = append(list.Values, nv)
		}
		return wrap("il", structpb.NewListValue(list)), nil
	case []string:
		list := &structpb.ListValue{}
		for _, s := range x {
			list.Values = append(list.Values, structpb.NewStringValue(s))
		}
		return wrap("sl", structpb.NewListValue(list)), nil
	case *Message:
		sub, err := x.toStruct(false)
		if err != nil {
			return nil, err
		}
		return wrap("m", structpb.NewStructValue(sub)), nil
	case []*Message:
		list := &structpb.ListValue{}
		for _, sm := range x {
			sub, err := sm.toStruct(false)
			if err != nil {
				return nil, err
			}
			list.Values = append(list.Values, structpb.NewStructValue(sub))
		}
		return wrap("ml", structpb.NewListValue(list)), nil
	default:
		return nil, fmt.Errorf("unsupported field type %T", v)
	}
}

func fromStruct(s *structpb.Struct, top bool) (*Message, error) {
	f := s.GetFields()
	m := &Message{
		Category:  Category(int32(f["cat"].GetNumberValue())),
		From:      int32(f["from"].GetNumberValue()),
		Seq:       int64(f["seq"].GetNumberValue()),
		Timestamp: int64(f["ts"].GetNumberValue()),
		GameID:    f["gid"].GetStringValue(),
		Key:       f["key"].GetStringValue(),
	}
	for name, v := range f["f"].GetStructValue().GetFields() {
		val, err := decodeField(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		m.Set(name, val)
	}
	if att, ok := f["att"]; ok {
		if !top {
			return nil, ErrNestedAttachment
		}
		for _, av := range att.GetListValue().GetValues() {
			a, err := fromStruct(av.GetStructValue(), false)
			if err != nil {
				return nil, err
			}
			m.Attached = append(m.Attached, a)
		}
	}
	return m, nil
}

func decodeField(w *structpb.Struct) (any, error) {
	if w == nil || len(w.GetFields()) != 1 {
		return nil, ErrBadField
	}
	for tag, v := range w.GetFields() {
		switch tag {
		case "s":
			return v.GetStringValue(), nil
		case "i":
			return int64(v.GetNumberValue()), nil
		case "b":
			return v.GetBoolValue(), nil
		case "x":
			return base64.StdEncoding.DecodeString(v.GetStringValue())
		case "il":
			vals := v.GetListValue().GetValues()
			out := make([]int64, len(vals))
			for i, n := range vals {
				out[i] = int64(n.GetNumberValue())
			}
			return out, nil
		case "sl":
			vals := v.GetListValue().GetValues()
			out := make([]string, len(vals))
			for i, s := range vals {
				out[i] = s.GetStringValue()
			}
			return out, nil
		case "m":
			return fromStruct(v.GetStructValue(), false)
		case "ml":
			vals := v.GetListValue().GetValues()
			out := make([]*Message, 0, len(vals))
			for _, sv := range vals {
				sub, err := fromStruct(sv.GetStructValue(), false)
				if err != nil {
					return nil, err
				}
				out = append(out, sub)
			}
			return out, nil
		}
	}
	return nil, ErrBadField
}

// --- Framing helpers ---

// EncodeMessage frames m as a frame of the given type.
func EncodeMessage(msgType int32, m *Message) ([]byte, error) {
	payload, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	return Encode(msgType, payload)
}

// NewError builds an application error reply.
func NewError(gameID string, text string) *Message {
	return NewMessage(CatError, gameID, PlayerServer).Set(FieldError, text)
}

// IsError reports whether m is an application error reply.
func (m *Message) IsError() bool {
	return m != nil && m.Category == CatError
}
