// Package audiosocket implements the framed binary protocol spoken by the
// telephony switch: a 3-byte header (1-byte message kind, 2-byte big-endian
// payload length) followed by the payload.
//
// The protocol carries four message kinds: a channel identifier (first
// message on every connection), raw signed 16-bit little-endian PCM audio,
// a zero-length hangup, and an opaque error diagnostic. Anything else on the
// wire is a protocol violation and is reported as such — unknown kinds are
// never skipped silently.
package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Kind identifies the type of a protocol message.
type Kind byte

const (
	// KindHangup terminates the session. Zero-length payload.
	KindHangup Kind = 0x00

	// KindID carries the switch-assigned channel identifier: either a
	// 16-byte binary UUID or a UTF-8 string. First message on every
	// connection.
	KindID Kind = 0x01

	// KindError carries implementation-defined diagnostic bytes.
	KindError Kind = 0x02

	// KindAudio carries raw little-endian 16-bit signed PCM. At the 8 kHz
	// telephony rate a 20 ms chunk is 320 bytes.
	KindAudio Kind = 0x10
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindHangup:
		return "hangup"
	case KindID:
		return "id"
	case KindError:
		return "error"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// valid reports whether k is one of the four defined message kinds.
func (k Kind) valid() bool {
	switch k {
	case KindHangup, KindID, KindError, KindAudio:
		return true
	}
	return false
}

// MaxPayload is the largest payload length accepted from a peer. A header
// announcing more than this is treated as a malformed frame rather than an
// allocation request.
const MaxPayload = 65000

// headerLen is the fixed wire header size: kind byte + u16 length.
const headerLen = 3

// ErrProtocol is the sentinel wrapped by every framing failure: short reads,
// oversize lengths, and unknown message kinds. Callers close the offending
// connection; the error never propagates past the session boundary.
var ErrProtocol = errors.New("audiosocket: protocol error")

// Message is a complete protocol message in wire form (header plus payload).
// Messages are immutable once constructed; Payload returns a view, not a copy.
type Message []byte

// Kind returns the message kind byte.
func (m Message) Kind() Kind {
	if len(m) < 1 {
		return KindError
	}
	return Kind(m[0])
}

// ContentLength returns the payload length declared in the header.
func (m Message) ContentLength() int {
	if len(m) < headerLen {
		return 0
	}
	return int(binary.BigEndian.Uint16(m[1:headerLen]))
}

// Payload returns the message payload. The returned slice aliases the
// message's backing array.
func (m Message) Payload() []byte {
	if len(m) <= headerLen {
		return nil
	}
	return m[headerLen:]
}

// NextMessage reads exactly one message from r: 3 header bytes, then exactly
// the declared payload length. It fails with an [ErrProtocol]-wrapped error
// on a short read, an oversize length, or an unknown kind. io.EOF before any
// header byte is returned as-is so callers can distinguish a clean close.
func NextMessage(r io.Reader) (Message, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: short header read: %v", ErrProtocol, err)
	}

	kind := Kind(hdr[0])
	if !kind.valid() {
		return nil, fmt.Errorf("%w: unknown message kind 0x%02x", ErrProtocol, hdr[0])
	}

	length := int(binary.BigEndian.Uint16(hdr[1:]))
	if length > MaxPayload {
		return nil, fmt.Errorf("%w: declared payload %d exceeds maximum %d", ErrProtocol, length, MaxPayload)
	}

	m := make(Message, headerLen+length)
	copy(m, hdr)
	if length > 0 {
		if _, err := io.ReadFull(r, m[headerLen:]); err != nil {
			return nil, fmt.Errorf("%w: short payload read (want %d bytes): %v", ErrProtocol, length, err)
		}
	}
	return m, nil
}

// newMessage builds a message of the given kind around payload. It allocates
// exactly header + payload bytes.
func newMessage(kind Kind, payload []byte) Message {
	m := make(Message, headerLen+len(payload))
	m[0] = byte(kind)
	binary.BigEndian.PutUint16(m[1:headerLen], uint16(len(payload)))
	copy(m[headerLen:], payload)
	return m
}

// AudioMessage frames a PCM chunk for transmission. The payload must not
// exceed [MaxPayload].
func AudioMessage(pcm []byte) Message {
	return newMessage(KindAudio, pcm)
}

// HangupMessage returns the zero-payload hangup frame.
func HangupMessage() Message {
	return newMessage(KindHangup, nil)
}

// ErrorMessage frames diagnostic bytes for transmission to the peer.
func ErrorMessage(diag []byte) Message {
	return newMessage(KindError, diag)
}

// IDMessage frames a channel identifier. A value parseable as a UUID is sent
// as its 16-byte binary form; anything else is sent as UTF-8.
func IDMessage(id string) Message {
	if u, err := uuid.Parse(id); err == nil {
		return newMessage(KindID, u[:])
	}
	return newMessage(KindID, []byte(id))
}

// DecodeID extracts the channel identifier from a [KindID] message. A
// 16-byte payload is interpreted as a binary UUID; any other payload is
// taken as a UTF-8 string. An empty payload is a protocol error.
func DecodeID(m Message) (string, error) {
	if m.Kind() != KindID {
		return "", fmt.Errorf("%w: expected id message, got %s", ErrProtocol, m.Kind())
	}
	p := m.Payload()
	if len(p) == 0 {
		return "", fmt.Errorf("%w: empty channel id payload", ErrProtocol)
	}
	if len(p) == 16 {
		u, err := uuid.FromBytes(p)
		if err == nil {
			return u.String(), nil
		}
	}
	return string(p), nil
}
