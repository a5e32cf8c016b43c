package transport

import (
	"context"

	"github.com/scaffold-mc/scaffolding/core/proto"
)

type (
	// Request is a received REQUEST frame together with the sender.
	Request struct {
		Frame      *proto.Frame
		RemoteAddr string
		Identity   Identity
	}

	// Response pairs a per-kind status with a payload. The dispatcher
	// attaches the request id and kind when writing it back.
	Response struct {
		Status  proto.Status
		Payload []byte
	}

	// RequestHandler serves one REQUEST and returns exactly one Response.
	// A nil Response is sent as success with an empty payload; an error or
	// a panic becomes a generic-failure Response. Handlers run on the
	// worker pool and may block.
	RequestHandler func(ctx context.Context, req *Request) (*Response, error)

	// EventHandler serves one EVENT. Events are fire and forget; errors
	// are discarded.
	EventHandler func(ctx context.Context, req *Request) error

	// CloseListener is invoked once per torn-down connection.
	CloseListener func(remoteAddr string, id Identity)
)

// Register installs a request handler for kind. Registration must complete
// before Run; the handler maps are not guarded.
func (srv *Server) Register(kind string, h RequestHandler) {
	srv.handlers[kind] = h
}

// RegisterEvent installs an event handler for kind.
func (srv *Server) RegisterEvent(kind string, h EventHandler) {
	srv.events[kind] = h
}

// OnConnectionClosed adds a teardown listener. Listeners run synchronously
// on the connection's reader goroutine after it is removed from the table.
func (srv *Server) OnConnectionClosed(l CloseListener) {
	srv.closeListeners = append(srv.closeListeners, l)
}

// dispatch routes one decoded inbound frame.
func (srv *Server) dispatch(ctx context.Context, c *conn, f *proto.Frame) {
	switch f.Type {
	case proto.FrameHeartbeat:
		// echoed inline so busy workers never delay it
		srv.echoHeartbeat(c, f.RequestID)
	case proto.FrameRequest:
		srv.dispatchRequest(ctx, c, f)
	case proto.FrameEvent:
		srv.dispatchEvent(ctx, c, f)
	case proto.FrameResponse:
		c.metrics.ResponseReceived()
		srv.logger.Debug().
			Str("remote", c.remoteAddr).
			Str("kind", f.Kind).
			Msg("unsolicited response frame dropped")
	}
}

func (srv *Server) dispatchRequest(ctx context.Context, c *conn, f *proto.Frame) {
	h, ok := srv.handlers[f.Kind]
	if !ok {
		srv.sendFrame(c, proto.NewResponse(f.RequestID, f.Kind,
			proto.StatusNotImplemented, []byte("no handler for kind "+f.Kind)))
		return
	}
	c.metrics.PendingInc()
	err := srv.pool.submit(func() {
		defer c.metrics.PendingDec()
		srv.runRequest(ctx, c, f, h)
	})
	if err != nil {
		c.metrics.PendingDec()
		srv.logger.Warn().
			Err(err).
			Str("kind", f.Kind).
			Msg("request rejected by worker pool")
		srv.sendFrame(c, proto.NewResponse(f.RequestID, f.Kind,
			proto.StatusBusy, []byte("server busy")))
	}
}

// runRequest executes a handler on the worker pool and always produces
// exactly one response, whatever the handler does.
func (srv *Server) runRequest(ctx context.Context, c *conn, f *proto.Frame, h RequestHandler) {
	var (
		status  = proto.StatusOK
		payload []byte
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				srv.logger.Error().
					Interface("panic", r).
					Str("kind", f.Kind).
					Str("remote", c.remoteAddr).
					Msg("request handler panicked")
				status, payload = proto.StatusInternalError, []byte("internal error")
			}
		}()
		resp, err := h(ctx, &Request{Frame: f, RemoteAddr: c.remoteAddr, Identity: c.identity})
		switch {
		case err != nil:
			srv.logger.Error().
				Err(err).
				Str("kind", f.Kind).
				Str("remote", c.remoteAddr).
				Msg("request handler failed")
			status, payload = proto.StatusInternalError, []byte("internal error")
		case resp != nil:
			status, payload = resp.Status, resp.Payload
		}
	}()
	srv.sendFrame(c, proto.NewResponse(f.RequestID, f.Kind, status, payload))
}

func (srv *Server) dispatchEvent(ctx context.Context, c *conn, f *proto.Frame) {
	h, ok := srv.events[f.Kind]
	if !ok {
		return
	}
	req := &Request{Frame: f, RemoteAddr: c.remoteAddr, Identity: c.identity}
	_ = srv.pool.submit(func() {
		_ = h(ctx, req)
	})
}
