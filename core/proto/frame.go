// Package proto defines the framed message envelope spoken between the
// scaffolding core and its clients, and the binary codec for it.
package proto

// FrameType discriminates the four wire message categories.
type FrameType byte

const (
	FrameRequest   FrameType = 0x01
	FrameResponse  FrameType = 0x02
	FrameEvent     FrameType = 0x03
	FrameHeartbeat FrameType = 0x04
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameEvent:
		return "event"
	case FrameHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Status is a per-kind response code. Zero always means success, but any
// non-zero value is only meaningful together with the frame's Kind: the same
// integer carries different meanings for different kinds, so raw statuses
// must never be compared across kinds.
type Status int32

// Statuses the dispatcher itself may attach to a response of any kind.
const (
	StatusOK             Status = 0
	StatusNotImplemented Status = 1000
	StatusInternalError  Status = 1001
	StatusBusy           Status = 1002
)

// Frame is one self-contained wire message. Frames are never mutated after
// construction; outbound frames are built via the constructors below.
type Frame struct {
	Type      FrameType
	Flags     byte // reserved
	Status    Status
	RequestID uint64
	Kind      string
	Payload   []byte
}

func NewRequest(requestID uint64, kind string, payload []byte) *Frame {
	return &Frame{
		Type:      FrameRequest,
		RequestID: requestID,
		Kind:      kind,
		Payload:   payload,
	}
}

func NewResponse(requestID uint64, kind string, status Status, payload []byte) *Frame {
	return &Frame{
		Type:      FrameResponse,
		Status:    status,
		RequestID: requestID,
		Kind:      kind,
		Payload:   payload,
	}
}

func NewEvent(kind string, payload []byte) *Frame {
	return &Frame{
		Type:    FrameEvent,
		Kind:    kind,
		Payload: payload,
	}
}

func NewHeartbeat(requestID uint64) *Frame {
	return &Frame{
		Type:      FrameHeartbeat,
		RequestID: requestID,
	}
}
