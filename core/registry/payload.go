package registry

import (
	"encoding/json"

	"github.com/scaffold-mc/scaffolding/core/transport"
)

// Request and response payloads ride as JSON inside the frame envelope.
// Byte fields ([]byte) marshal as base64 per encoding/json.

type (
	createRequest struct {
		Name       string `json:"name"`
		MaxMembers int    `json:"max_members"`
		Open       bool   `json:"open"`
		Code       string `json:"code,omitempty"` // preferred code, optional
	}

	codeRequest struct {
		Code string `json:"code"`
	}

	sendRequest struct {
		Code    string `json:"code"`
		Channel string `json:"channel"`
		Data    []byte `json:"data"`
	}

	setMetaRequest struct {
		Code string `json:"code"`
		Meta []byte `json:"meta"`
	}

	listRequest struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	}

	listResponse struct {
		Total int       `json:"total"`
		Rooms []Summary `json:"rooms"`
	}
)

// Server-pushed event payloads.

type (
	memberEvent struct {
		RoomID   string             `json:"room_id"`
		MemberID transport.Identity `json:"member_id"`
	}

	destroyedEvent struct {
		RoomID string `json:"room_id"`
	}

	messageEvent struct {
		RoomID  string             `json:"room_id"`
		FromID  transport.Identity `json:"from_id"`
		Channel string             `json:"channel"`
		Data    []byte             `json:"data"`
	}

	metaChangedEvent struct {
		RoomID string `json:"room_id"`
		Meta   []byte `json:"meta"`
	}
)

func (reg *Registry) pushEvent(addrs []string, kind string, payload any) {
	if len(addrs) == 0 {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		reg.logger.Error().Err(err).Str("kind", kind).Msg("failed to marshal event payload")
		return
	}
	reg.push.SendEventToMany(addrs, kind, b)
}
