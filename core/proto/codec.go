package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultMaxFrameSize bounds a single encoded frame, payload included.
	DefaultMaxFrameSize = 1 << 20

	maxKindLen = math.MaxUint16
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
)

// Encode serializes f into its wire form. All integers are big-endian,
// the kind is a 2-byte length-prefixed UTF-8 string and the payload a
// 4-byte length-prefixed byte run. Heartbeats carry only type, flags and
// the request id.
func Encode(f *Frame) ([]byte, error) {
	switch f.Type {
	case FrameRequest, FrameResponse, FrameEvent, FrameHeartbeat:
	default:
		return nil, errors.Join(ErrUnknownType, fmt.Errorf("type 0x%02x", byte(f.Type)))
	}
	if len(f.Kind) > maxKindLen {
		return nil, errors.Join(ErrMalformedFrame, errors.New("kind too long"))
	}

	b := make([]byte, 0, 16+len(f.Kind)+len(f.Payload))
	b = append(b, byte(f.Type), f.Flags)
	if f.Type == FrameHeartbeat {
		return binary.BigEndian.AppendUint64(b, f.RequestID), nil
	}
	if f.Type == FrameResponse {
		b = binary.BigEndian.AppendUint32(b, uint32(f.Status))
	}
	b = binary.BigEndian.AppendUint64(b, f.RequestID)
	b = binary.BigEndian.AppendUint16(b, uint16(len(f.Kind)))
	b = append(b, f.Kind...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(f.Payload)))
	b = append(b, f.Payload...)
	return b, nil
}

// Decode parses one frame out of b, which must hold the frame exactly.
// Frames larger than maxSize fail with ErrFrameTooLarge; any truncation,
// trailing garbage or unknown type fails with ErrMalformedFrame or
// ErrUnknownType. maxSize <= 0 selects DefaultMaxFrameSize.
func Decode(b []byte, maxSize int) (*Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(b) > maxSize {
		return nil, ErrFrameTooLarge
	}
	if len(b) < 2 {
		return nil, errors.Join(ErrMalformedFrame, errors.New("short header"))
	}

	f := &Frame{Type: FrameType(b[0]), Flags: b[1]}
	rest := b[2:]

	switch f.Type {
	case FrameHeartbeat:
		if len(rest) != 8 {
			return nil, errors.Join(ErrMalformedFrame, errors.New("bad heartbeat length"))
		}
		f.RequestID = binary.BigEndian.Uint64(rest)
		return f, nil
	case FrameResponse:
		if len(rest) < 4 {
			return nil, errors.Join(ErrMalformedFrame, errors.New("truncated status"))
		}
		f.Status = Status(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
	case FrameRequest, FrameEvent:
	default:
		return nil, errors.Join(ErrUnknownType, fmt.Errorf("type 0x%02x", b[0]))
	}

	if len(rest) < 10 {
		return nil, errors.Join(ErrMalformedFrame, errors.New("truncated header"))
	}
	f.RequestID = binary.BigEndian.Uint64(rest)
	kindLen := int(binary.BigEndian.Uint16(rest[8:]))
	rest = rest[10:]
	if len(rest) < kindLen+4 {
		return nil, errors.Join(ErrMalformedFrame, errors.New("truncated kind"))
	}
	f.Kind = string(rest[:kindLen])
	payloadLen := int(binary.BigEndian.Uint32(rest[kindLen:]))
	rest = rest[kindLen+4:]
	if len(rest) != payloadLen {
		return nil, errors.Join(ErrMalformedFrame, errors.New("payload length mismatch"))
	}
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), rest...)
	}
	return f, nil
}
