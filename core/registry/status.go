package registry

import (
	"errors"

	"github.com/scaffold-mc/scaffolding/core/proto"
)

// Statuses for the room:* kinds. These values are scoped to this kind
// family only; the same integers mean different things on other kinds.
const (
	StatusOK               proto.Status = 0
	StatusInvalidPayload   proto.Status = 1
	StatusNotFound         proto.Status = 2
	StatusAlreadyExists    proto.Status = 3
	StatusRoomClosed       proto.Status = 4
	StatusRoomFull         proto.Status = 5
	StatusNotInRoom        proto.Status = 6
	StatusPermissionDenied proto.Status = 7
)

// statusFor maps a registry error to the room:* status answered to the
// client. Unknown errors are reported upward as handler faults.
func statusFor(err error) (proto.Status, bool) {
	switch {
	case errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrInvalidCapacity),
		errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrEmptyChannel):
		return StatusInvalidPayload, true
	case errors.Is(err, ErrRoomNotFound):
		return StatusNotFound, true
	case errors.Is(err, ErrRoomExists):
		return StatusAlreadyExists, true
	case errors.Is(err, ErrRoomClosed):
		return StatusRoomClosed, true
	case errors.Is(err, ErrRoomFull):
		return StatusRoomFull, true
	case errors.Is(err, ErrNotInRoom):
		return StatusNotInRoom, true
	case errors.Is(err, ErrNotHost):
		return StatusPermissionDenied, true
	}
	return StatusOK, false
}
