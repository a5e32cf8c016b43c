package transport_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/scaffold-mc/scaffolding/core/proto"
	"github.com/scaffold-mc/scaffolding/core/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	srv *transport.Server
	ts  *httptest.Server
}

// newGateway stands the transport up behind an httptest listener. Handler
// registration must happen before the first dial.
func newGateway(t *testing.T, cfg transport.Config) *gateway {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	srv := transport.NewServer(cfg)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return &gateway{srv: srv, ts: ts}
}

func (g *gateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/gateway"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, f *proto.Frame) {
	t.Helper()
	b, err := proto.Encode(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, b))
}

func recv(t *testing.T, ws *websocket.Conn) *proto.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, b, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := proto.Decode(b, 0)
	require.NoError(t, err)
	return f
}

// recvNothing asserts no frame arrives within the grace window.
func recvNothing(t *testing.T, ws *websocket.Conn, grace time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(grace)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err, "expected no frame but got one")
}

func TestRequestResponse(t *testing.T) {
	g := newGateway(t, transport.Config{})
	g.srv.Register("echo:upper", func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Payload: bytes.ToUpper(req.Frame.Payload)}, nil
	})
	ws := g.dial(t)

	send(t, ws, proto.NewRequest(7, "echo:upper", []byte("hello")))

	f := recv(t, ws)
	assert.Equal(t, proto.FrameResponse, f.Type)
	assert.Equal(t, uint64(7), f.RequestID)
	assert.Equal(t, "echo:upper", f.Kind)
	assert.Equal(t, proto.StatusOK, f.Status)
	assert.Equal(t, []byte("HELLO"), f.Payload)
}

func TestRequest_NotImplemented(t *testing.T) {
	g := newGateway(t, transport.Config{})
	ws := g.dial(t)

	send(t, ws, proto.NewRequest(1, "no:such_kind", nil))

	f := recv(t, ws)
	assert.Equal(t, proto.FrameResponse, f.Type)
	assert.Equal(t, uint64(1), f.RequestID)
	assert.Equal(t, "no:such_kind", f.Kind)
	assert.Equal(t, proto.StatusNotImplemented, f.Status)
}

func TestRequest_HandlerFaults(t *testing.T) {
	g := newGateway(t, transport.Config{})
	g.srv.Register("test:panic", func(context.Context, *transport.Request) (*transport.Response, error) {
		panic("boom")
	})
	g.srv.Register("test:error", func(context.Context, *transport.Request) (*transport.Response, error) {
		return nil, assert.AnError
	})
	g.srv.Register("test:nil", func(context.Context, *transport.Request) (*transport.Response, error) {
		return nil, nil
	})
	g.srv.Register("test:ok", func(context.Context, *transport.Request) (*transport.Response, error) {
		return &transport.Response{}, nil
	})
	ws := g.dial(t)

	// a panicking handler yields a generic failure, not a dead connection
	send(t, ws, proto.NewRequest(1, "test:panic", nil))
	f := recv(t, ws)
	assert.Equal(t, proto.StatusInternalError, f.Status)
	assert.Equal(t, uint64(1), f.RequestID)

	send(t, ws, proto.NewRequest(2, "test:error", nil))
	f = recv(t, ws)
	assert.Equal(t, proto.StatusInternalError, f.Status)

	// nil result is success with an empty payload
	send(t, ws, proto.NewRequest(3, "test:nil", nil))
	f = recv(t, ws)
	assert.Equal(t, proto.StatusOK, f.Status)
	assert.Empty(t, f.Payload)

	// the connection survived all of the above
	send(t, ws, proto.NewRequest(4, "test:ok", nil))
	f = recv(t, ws)
	assert.Equal(t, proto.StatusOK, f.Status)
	assert.Equal(t, uint64(4), f.RequestID)
}

func TestHeartbeat_Echo(t *testing.T) {
	g := newGateway(t, transport.Config{})
	ws := g.dial(t)

	send(t, ws, proto.NewHeartbeat(99))

	f := recv(t, ws)
	assert.Equal(t, proto.FrameHeartbeat, f.Type)
	assert.Equal(t, uint64(99), f.RequestID)
}

func TestHeartbeat_NotDelayedByBusyWorkers(t *testing.T) {
	g := newGateway(t, transport.Config{Workers: 1})
	g.srv.Register("test:slow", func(context.Context, *transport.Request) (*transport.Response, error) {
		time.Sleep(300 * time.Millisecond)
		return nil, nil
	})
	ws := g.dial(t)

	send(t, ws, proto.NewRequest(1, "test:slow", nil))
	send(t, ws, proto.NewHeartbeat(2))

	// the heartbeat echo must overtake the slow response
	f := recv(t, ws)
	assert.Equal(t, proto.FrameHeartbeat, f.Type)
	assert.Equal(t, uint64(2), f.RequestID)

	f = recv(t, ws)
	assert.Equal(t, proto.FrameResponse, f.Type)
	assert.Equal(t, uint64(1), f.RequestID)
}

func TestMalformedFrame_ClosesConnection(t *testing.T) {
	g := newGateway(t, transport.Config{})
	ws := g.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0xff}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError),
		"expected close 1002, got %v", err)
}

func TestOversizedFrame_ClosesConnection(t *testing.T) {
	g := newGateway(t, transport.Config{MaxFrameSize: 64})
	ws := g.dial(t)

	send(t, ws, proto.NewRequest(1, "room:send", make([]byte, 1024)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig),
		"expected close 1009, got %v", err)
}

func TestEventHandler_FireAndForget(t *testing.T) {
	g := newGateway(t, transport.Config{})
	got := make(chan []byte, 1)
	g.srv.RegisterEvent("test:event", func(_ context.Context, req *transport.Request) error {
		got <- req.Frame.Payload
		return assert.AnError // discarded
	})
	ws := g.dial(t)

	send(t, ws, proto.NewEvent("test:event", []byte("fire")))

	select {
	case payload := <-got:
		assert.Equal(t, []byte("fire"), payload)
	case <-time.After(3 * time.Second):
		t.Fatal("event handler never ran")
	}

	// events are never acknowledged
	recvNothing(t, ws, 200*time.Millisecond)
}

func TestCloseListener(t *testing.T) {
	g := newGateway(t, transport.Config{})
	closed := make(chan string, 1)
	g.srv.OnConnectionClosed(func(remoteAddr string, id transport.Identity) {
		assert.Equal(t, transport.Identity(remoteAddr), id) // AddrIdentity default
		closed <- remoteAddr
	})
	ws := g.dial(t)

	// learn the server-side address first
	g.srv.Register("test:whoami", func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Payload: []byte(req.RemoteAddr)}, nil
	})
	send(t, ws, proto.NewRequest(1, "test:whoami", nil))
	addr := string(recv(t, ws).Payload)
	require.NotEmpty(t, addr)

	require.NoError(t, ws.Close())

	select {
	case got := <-closed:
		assert.Equal(t, addr, got)
	case <-time.After(3 * time.Second):
		t.Fatal("close listener never fired")
	}
}

func TestPushPrimitives(t *testing.T) {
	g := newGateway(t, transport.Config{})
	g.srv.Register("test:whoami", func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Payload: []byte(req.RemoteAddr)}, nil
	})
	wsA, wsB := g.dial(t), g.dial(t)

	send(t, wsA, proto.NewRequest(1, "test:whoami", nil))
	addrA := string(recv(t, wsA).Payload)
	send(t, wsB, proto.NewRequest(1, "test:whoami", nil))
	addrB := string(recv(t, wsB).Payload)
	require.NotEqual(t, addrA, addrB)

	// targeted send reaches exactly one connection
	g.srv.SendEventTo(addrA, "test:ping", []byte("a"))
	f := recv(t, wsA)
	assert.Equal(t, proto.FrameEvent, f.Type)
	assert.Equal(t, "test:ping", f.Kind)

	// list send; unknown addresses are skipped. B's first frame being
	// test:many also proves the targeted send above skipped it.
	g.srv.SendEventToMany([]string{addrA, addrB, "1.2.3.4:5"}, "test:many", nil)
	assert.Equal(t, "test:many", recv(t, wsA).Kind)
	assert.Equal(t, "test:many", recv(t, wsB).Kind)

	// broadcast
	g.srv.BroadcastEvent("test:all", nil)
	assert.Equal(t, "test:all", recv(t, wsA).Kind)
	assert.Equal(t, "test:all", recv(t, wsB).Kind)
}

func TestMetricsFor(t *testing.T) {
	g := newGateway(t, transport.Config{})
	g.srv.Register("test:whoami", func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Payload: []byte(req.RemoteAddr)}, nil
	})
	ws := g.dial(t)

	send(t, ws, proto.NewRequest(1, "test:whoami", nil))
	addr := string(recv(t, ws).Payload)

	require.Eventually(t, func() bool {
		snap, ok := g.srv.MetricsFor(addr)
		return ok && snap.FramesReceived >= 1 && snap.FramesSent >= 1
	}, 3*time.Second, 10*time.Millisecond)

	_, ok := g.srv.MetricsFor("1.2.3.4:5")
	assert.False(t, ok)
}
