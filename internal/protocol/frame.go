package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrorKind classifies a ProtocolError.
type ErrorKind int

const (
	BadFraming ErrorKind = iota + 1
	CorruptChecksum
	OversizedPayload
	Timeout
	ConnectionClosed
)

func (k ErrorKind) String() string {
	switch k {
	case BadFraming:
		return "bad framing"
	case CorruptChecksum:
		return "corrupt checksum"
	case OversizedPayload:
		return "oversized payload"
	case Timeout:
		return "timeout"
	case ConnectionClosed:
		return "connection closed"
	default:
		return "unknown protocol error"
	}
}

// ProtocolError is returned by the frame codec and the timed transport.
// Compare against the Err* sentinels with errors.Is.
type ProtocolError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is matches any ProtocolError of the same kind.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Kind == e.Kind
}

// Fatal reports whether the connection the error came from is unusable.
// Timeouts are not fatal to the caller's retry logic, but callers must
// still discard the connection since a partial frame may be in flight.
func (e *ProtocolError) Fatal() bool {
	return e.Kind != Timeout
}

var (
	ErrBadFraming       = &ProtocolError{Kind: BadFraming}
	ErrCorruptChecksum  = &ProtocolError{Kind: CorruptChecksum}
	ErrOversizedPayload = &ProtocolError{Kind: OversizedPayload}
	ErrTimeout          = &ProtocolError{Kind: Timeout}
	ErrConnectionClosed = &ProtocolError{Kind: ConnectionClosed}
)

func newError(kind ErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Header is the decoded fixed-size frame header.
type Header struct {
	Version  int32
	Type     int32
	Length   int32
	Checksum uint64
}

// checksum is CRC-32 over the big-endian version, type and length fields.
func checksum(version, msgType, length int32) uint64 {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(version))
	binary.BigEndian.PutUint32(b[4:8], uint32(msgType))
	binary.BigEndian.PutUint32(b[8:12], uint32(length))
	return uint64(crc32.ChecksumIEEE(b[:]))
}

func putHeader(dst []byte, msgType int32, length int) {
	binary.BigEndian.PutUint16(dst[0:2], Marker)
	binary.BigEndian.PutUint32(dst[2:6], Version)
	binary.BigEndian.PutUint32(dst[6:10], uint32(msgType))
	binary.BigEndian.PutUint32(dst[10:14], uint32(length))
	binary.BigEndian.PutUint64(dst[14:22], checksum(Version, msgType, int32(length)))
}

// Encode returns the exact bytes of a frame carrying payload.
func Encode(msgType int32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, newError(OversizedPayload, "payload is %d bytes, max %d", len(payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, msgType, len(payload))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes a frame to w.
//
// The header goes out in one write and the payload in a second so a large
// payload is never copied into an intermediate buffer.
func WriteFrame(w io.Writer, msgType int32, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return newError(OversizedPayload, "payload is %d bytes, max %d", len(payload), MaxPayloadSize)
	}
	var header [HeaderSize]byte
	putHeader(header[:], msgType, len(payload))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ParseHeader validates a raw header: marker, checksum and length ceiling,
// in that order.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, newError(BadFraming, "short header: %d bytes", len(b))
	}
	if m := binary.BigEndian.Uint16(b[0:2]); m != Marker {
		return Header{}, newError(BadFraming, "marker 0x%04x", m)
	}
	h := Header{
		Version:  int32(binary.BigEndian.Uint32(b[2:6])),
		Type:     int32(binary.BigEndian.Uint32(b[6:10])),
		Length:   int32(binary.BigEndian.Uint32(b[10:14])),
		Checksum: binary.BigEndian.Uint64(b[14:22]),
	}
	if want := checksum(h.Version, h.Type, h.Length); want != h.Checksum {
		return Header{}, newError(CorruptChecksum, "got %08x, want %08x", h.Checksum, want)
	}
	if h.Length < 0 || h.Length > MaxPayloadSize {
		return Header{}, newError(OversizedPayload, "length %d", h.Length)
	}
	return h, nil
}

// ReadFrame reads one frame from r. A stream that ends before a full frame
// arrives yields ErrConnectionClosed.
func ReadFrame(r io.Reader) (int32, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, wrapEOF(err)
	}
	h, err := ParseHeader(header[:])
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, wrapEOF(err)
		}
	}
	return h.Type, payload, nil
}

// DecodeFrame decodes a frame held entirely in b, as received in a datagram.
// Trailing bytes beyond the declared length are ignored.
func DecodeFrame(b []byte) (int32, []byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return 0, nil, err
	}
	if len(b)-HeaderSize < int(h.Length) {
		return 0, nil, newError(BadFraming, "truncated payload: have %d, want %d", len(b)-HeaderSize, h.Length)
	}
	payload := make([]byte, h.Length)
	copy(payload, b[HeaderSize:HeaderSize+int(h.Length)])
	return h.Type, payload, nil
}

func wrapEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ProtocolError{Kind: ConnectionClosed, Err: err}
	}
	return err
}
