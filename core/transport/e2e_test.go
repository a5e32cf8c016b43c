package transport_test

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/scaffold-mc/scaffolding/core/probe"
	"github.com/scaffold-mc/scaffolding/core/proto"
	"github.com/scaffold-mc/scaffolding/core/registry"
	"github.com/scaffold-mc/scaffolding/core/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Full-stack scenarios: registry and prober mounted on a live gateway,
// exercised through the wire protocol the way a game client would.

var roomCodePattern = regexp.MustCompile(`^U/[0-9A-HJ-NP-Z]{4}-[0-9A-HJ-NP-Z]{4}-[0-9A-HJ-NP-Z]{4}-[0-9A-HJ-NP-Z]{4}$`)

func newCore(t *testing.T) *gateway {
	t.Helper()
	g := newGateway(t, transport.Config{})
	logger := zerolog.Nop()
	reg := registry.New(registry.Config{Logger: &logger, Pusher: g.srv})
	reg.Mount(g.srv)
	prober := probe.New(probe.Config{Logger: &logger})
	prober.Mount(g.srv)
	return g
}

// request sends a JSON-bodied REQUEST and waits for its response, skipping
// any events interleaved ahead of it.
func request(t *testing.T, ws *websocket.Conn, id uint64, kind string, body any) *proto.Frame {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	send(t, ws, proto.NewRequest(id, kind, payload))
	return awaitResponse(t, ws, id, kind)
}

func awaitResponse(t *testing.T, ws *websocket.Conn, id uint64, kind string) *proto.Frame {
	t.Helper()
	for {
		f := recv(t, ws)
		if f.Type == proto.FrameResponse && f.RequestID == id {
			require.Equal(t, kind, f.Kind)
			return f
		}
	}
}

// recvEvent reads frames until an EVENT of the wanted kind arrives.
func recvEvent(t *testing.T, ws *websocket.Conn, kind string) *proto.Frame {
	t.Helper()
	for {
		f := recv(t, ws)
		if f.Type == proto.FrameEvent && f.Kind == kind {
			return f
		}
	}
}

func createRoom(t *testing.T, ws *websocket.Conn) roomDetail {
	t.Helper()
	f := request(t, ws, 1, proto.KindRoomCreate,
		map[string]any{"name": "Test", "max_members": 4, "open": true})
	require.Equal(t, proto.Status(0), f.Status)
	var detail roomDetail
	require.NoError(t, json.Unmarshal(f.Payload, &detail))
	return detail
}

type roomDetail struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	NetworkName   string   `json:"network_name"`
	NetworkSecret string   `json:"network_secret"`
	HostID        string   `json:"host_id"`
	Members       []string `json:"members"`
	MaxMembers    int      `json:"max_members"`
	Open          bool     `json:"open"`
}

func TestScenario_CreateAndDuplicateCode(t *testing.T) {
	g := newCore(t)

	detail := createRoom(t, g.dial(t))
	assert.Regexp(t, roomCodePattern, detail.ID)
	assert.Equal(t, "Test", detail.Name)
	assert.Contains(t, detail.NetworkName, "scaffolding-mc-")
	assert.NotEmpty(t, detail.NetworkSecret)

	// the same code string as preferred code must collide
	f := request(t, g.dial(t), 1, proto.KindRoomCreate,
		map[string]any{"name": "Copy", "max_members": 4, "open": true, "code": detail.ID})
	assert.Equal(t, registry.StatusAlreadyExists, f.Status)
}

func TestScenario_JoinSendAndNonMember(t *testing.T) {
	g := newCore(t)
	host, guest, stranger := g.dial(t), g.dial(t), g.dial(t)

	detail := createRoom(t, host)

	f := request(t, guest, 1, proto.KindRoomJoin, map[string]any{"code": detail.ID})
	require.Equal(t, proto.Status(0), f.Status)

	// both members see the join
	recvEvent(t, host, proto.KindRoomMemberJoined)
	recvEvent(t, guest, proto.KindRoomMemberJoined)

	// member message reaches the room
	f = request(t, guest, 2, proto.KindRoomSend,
		map[string]any{"code": detail.ID, "channel": "chat", "data": []byte("hi")})
	require.Equal(t, proto.Status(0), f.Status)

	ev := recvEvent(t, host, proto.KindRoomMessage)
	var msg struct {
		RoomID  string `json:"room_id"`
		FromID  string `json:"from_id"`
		Channel string `json:"channel"`
		Data    []byte `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &msg))
	assert.Equal(t, detail.ID, msg.RoomID)
	assert.Equal(t, "chat", msg.Channel)
	assert.Equal(t, []byte("hi"), msg.Data)

	// non-member send is refused and nothing is broadcast
	f = request(t, stranger, 1, proto.KindRoomSend,
		map[string]any{"code": detail.ID, "channel": "chat", "data": []byte("sneak")})
	assert.Equal(t, registry.StatusNotInRoom, f.Status)
	recvNothing(t, host, 300*time.Millisecond)
}

func TestScenario_HostDisconnectDestroysRoom(t *testing.T) {
	g := newCore(t)
	host, guest := g.dial(t), g.dial(t)

	detail := createRoom(t, host)

	f := request(t, guest, 1, proto.KindRoomJoin, map[string]any{"code": detail.ID})
	require.Equal(t, proto.Status(0), f.Status)

	require.NoError(t, host.Close())

	ev := recvEvent(t, guest, proto.KindRoomDestroyed)
	var destroyed struct {
		RoomID string `json:"room_id"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &destroyed))
	assert.Equal(t, detail.ID, destroyed.RoomID)

	// the room is gone for everyone
	f = request(t, guest, 2, proto.KindRoomInfo, map[string]any{"code": detail.ID})
	assert.Equal(t, registry.StatusNotFound, f.Status)
}

func TestScenario_ListAndInfo(t *testing.T) {
	g := newCore(t)
	ws := g.dial(t)

	detail := createRoom(t, ws)

	f := request(t, ws, 2, proto.KindRoomList, nil)
	require.Equal(t, proto.Status(0), f.Status)
	var list struct {
		Total int `json:"total"`
		Rooms []struct {
			ID      string `json:"id"`
			Members int    `json:"members"`
		} `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &list))
	require.Equal(t, 1, list.Total)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, detail.ID, list.Rooms[0].ID)
	assert.Equal(t, 1, list.Rooms[0].Members)

	f = request(t, ws, 3, proto.KindRoomInfo, map[string]any{"code": detail.ID})
	require.Equal(t, proto.Status(0), f.Status)
	var info roomDetail
	require.NoError(t, json.Unmarshal(f.Payload, &info))
	assert.Equal(t, detail.NetworkName, info.NetworkName)
	assert.Equal(t, detail.NetworkSecret, info.NetworkSecret)
}

func TestScenario_QueryStatus(t *testing.T) {
	const status = `{"version":{"name":"1.21"}}`
	addr := fakeStatusServer(t, status)
	g := newCore(t)
	ws := g.dial(t)

	// the prober takes a raw target payload, not JSON
	send(t, ws, proto.NewRequest(1, proto.KindQueryStatus, []byte(addr+"|2000")))
	resp := awaitResponse(t, ws, 1, proto.KindQueryStatus)
	require.Equal(t, probe.StatusOK, resp.Status)

	var result struct {
		LatencyMillis int64  `json:"latency_ms"`
		Status        string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.GreaterOrEqual(t, result.LatencyMillis, int64(0))
	assert.Equal(t, status, result.Status)
}

func TestScenario_QueryStatusUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close()) // port now closed

	g := newCore(t)
	ws := g.dial(t)

	send(t, ws, proto.NewRequest(1, proto.KindQueryStatus, []byte(addr+"|500")))
	resp := awaitResponse(t, ws, 1, proto.KindQueryStatus)
	assert.Equal(t, probe.StatusConnectFailed, resp.Status)
	assert.NotEmpty(t, resp.Payload)
}

// fakeStatusServer answers one server list ping: status then pong.
func fakeStatusServer(t *testing.T, status string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		r := bufio.NewReader(conn)

		if !skipPacket(r) || !skipPacket(r) { // handshake, status request
			return
		}
		body := append(appendTestVarint([]byte{0x00}, int32(len(status))), status...)
		writeTestPacket(conn, body)

		if ping, ok := readTestPacket(r); ok {
			writeTestPacket(conn, ping)
		}
	}()

	return ln.Addr().String()
}

func appendTestVarint(b []byte, v int32) []byte {
	u := uint32(v)
	for u&^0x7f != 0 {
		b = append(b, byte(u&0x7f|0x80))
		u >>= 7
	}
	return append(b, byte(u))
}

func readTestVarint(r *bufio.Reader) (int32, bool) {
	var result uint32
	for shift := uint(0); shift < 35; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, false
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return int32(result), true
		}
	}
	return 0, false
}

func readTestPacket(r *bufio.Reader) ([]byte, bool) {
	length, ok := readTestVarint(r)
	if !ok || length <= 0 {
		return nil, false
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, false
	}
	return body, true
}

func skipPacket(r *bufio.Reader) bool {
	_, ok := readTestPacket(r)
	return ok
}

func writeTestPacket(w io.Writer, body []byte) {
	frame := appendTestVarint(nil, int32(len(body)))
	_, _ = w.Write(append(frame, body...))
}
