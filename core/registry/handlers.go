package registry

import (
	"context"
	"encoding/json"

	"github.com/scaffold-mc/scaffolding/core/proto"
	"github.com/scaffold-mc/scaffolding/core/transport"
)

// Mount registers all room:* request handlers on the transport and hooks
// membership cleanup to connection teardown. Call once at startup.
func (reg *Registry) Mount(srv *transport.Server) {
	srv.Register(proto.KindRoomCreate, reg.handleCreate)
	srv.Register(proto.KindRoomJoin, reg.handleJoin)
	srv.Register(proto.KindRoomLeave, reg.handleLeave)
	srv.Register(proto.KindRoomList, reg.handleList)
	srv.Register(proto.KindRoomInfo, reg.handleInfo)
	srv.Register(proto.KindRoomSend, reg.handleSend)
	srv.Register(proto.KindRoomSetMeta, reg.handleSetMeta)
	srv.Register(proto.KindRoomDestroy, reg.handleDestroy)
	srv.OnConnectionClosed(reg.DropIdentity)
}

func (reg *Registry) handleCreate(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body createRequest
	if err := json.Unmarshal(req.Frame.Payload, &body); err != nil {
		return invalid("malformed create payload"), nil
	}
	detail, err := reg.Create(req.Identity, req.RemoteAddr, body.Name, body.MaxMembers, body.Open, body.Code)
	if err != nil {
		return failure(err)
	}
	return success(detail)
}

func (reg *Registry) handleJoin(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body codeRequest
	if err := json.Unmarshal(req.Frame.Payload, &body); err != nil {
		return invalid("malformed join payload"), nil
	}
	detail, err := reg.Join(req.Identity, req.RemoteAddr, body.Code)
	if err != nil {
		return failure(err)
	}
	return success(detail)
}

func (reg *Registry) handleLeave(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body codeRequest
	if err := json.Unmarshal(req.Frame.Payload, &body); err != nil {
		return invalid("malformed leave payload"), nil
	}
	if err := reg.Leave(req.Identity, body.Code); err != nil {
		return failure(err)
	}
	return &transport.Response{Status: StatusOK}, nil
}

func (reg *Registry) handleList(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body listRequest
	if len(req.Frame.Payload) > 0 {
		if err := json.Unmarshal(req.Frame.Payload, &body); err != nil {
			return invalid("malformed list payload"), nil
		}
	}
	rooms, total := reg.List(body.Offset, body.Limit)
	return success(listResponse{Total: total, Rooms: rooms})
}

func (reg *Registry) handleInfo(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body codeRequest
	if err := json.Unmarshal(req.Frame.Payload, &body); err != nil {
		return invalid("malformed info payload"), nil
	}
	detail, err := reg.Info(body.Code)
	if err != nil {
		return failure(err)
	}
	return success(detail)
}

func (reg *Registry) handleSend(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body sendRequest
	if err := json.Unmarshal(req.Frame.Payload, &body); err != nil {
		return invalid("malformed send payload"), nil
	}
	if err := reg.Send(req.Identity, body.Code, body.Channel, body.Data); err != nil {
		return failure(err)
	}
	return &transport.Response{Status: StatusOK}, nil
}

func (reg *Registry) handleSetMeta(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body setMetaRequest
	if err := json.Unmarshal(req.Frame.Payload, &body); err != nil {
		return invalid("malformed set_meta payload"), nil
	}
	if err := reg.SetMeta(req.Identity, body.Code, body.Meta); err != nil {
		return failure(err)
	}
	return &transport.Response{Status: StatusOK}, nil
}

func (reg *Registry) handleDestroy(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body codeRequest
	if err := json.Unmarshal(req.Frame.Payload, &body); err != nil {
		return invalid("malformed destroy payload"), nil
	}
	if err := reg.Destroy(req.Identity, body.Code); err != nil {
		return failure(err)
	}
	return &transport.Response{Status: StatusOK}, nil
}

func invalid(msg string) *transport.Response {
	return &transport.Response{Status: StatusInvalidPayload, Payload: []byte(msg)}
}

// failure maps known registry errors to their per-kind status with the
// error text as a human-readable payload; anything else bubbles up to the
// dispatcher as a handler fault.
func failure(err error) (*transport.Response, error) {
	if status, ok := statusFor(err); ok {
		return &transport.Response{Status: status, Payload: []byte(err.Error())}, nil
	}
	return nil, err
}

func success(v any) (*transport.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &transport.Response{Status: StatusOK, Payload: b}, nil
}
