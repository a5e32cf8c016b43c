// Package registry is the matchmaking core: a live, shared map of joinable
// rooms with membership, metadata and host-authority semantics.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/scaffold-mc/scaffolding/core/proto"
	"github.com/scaffold-mc/scaffolding/core/roomcode"
	"github.com/scaffold-mc/scaffolding/core/transport"
)

const (
	maxNameLen     = 64
	maxRoomMembers = 256

	defaultListLimit = 50
	maxListLimit     = 200

	// retries for the vanishingly unlikely generated-code collision
	maxGenerateAttempts = 5
)

var (
	ErrInvalidName     = errors.New("room name must be 1-64 characters")
	ErrInvalidCapacity = errors.New("max members must be 1-256")
	ErrInvalidCode     = errors.New("not a valid room code")
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomClosed      = errors.New("room is not accepting joins")
	ErrRoomFull        = errors.New("room is full")
	ErrNotInRoom       = errors.New("not a member of this room")
	ErrNotHost         = errors.New("operation requires room host")
	ErrEmptyChannel    = errors.New("channel must not be empty")
)

// Pusher is the slice of the transport the registry needs to push EVENT
// frames to live connections.
type Pusher interface {
	SendEventTo(addr, kind string, payload []byte)
	SendEventToMany(addrs []string, kind string, payload []byte)
	BroadcastEvent(kind string, payload []byte)
}

type (
	Config struct {
		Logger *zerolog.Logger
		Pusher Pusher
	}

	// Registry owns all rooms and the membership index. The room map and
	// the index are guarded independently; structural changes to a single
	// room happen under that room's own lock, updating both structures
	// together so a disconnect can evict an identity from every room it
	// joined without a registry-wide scan.
	Registry struct {
		push   Pusher
		logger zerolog.Logger

		roomsMu sync.RWMutex
		rooms   map[string]*Room

		indexMu sync.Mutex
		index   map[transport.Identity]map[string]struct{}
	}
)

func New(cfg Config) *Registry {
	return &Registry{
		push:   cfg.Pusher,
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
		rooms:  make(map[string]*Room),
		index:  make(map[transport.Identity]map[string]struct{}),
	}
}

// Create makes a new room with the caller as host and sole member. When
// preferredCode is non-empty it must validate and be unused; otherwise a
// fresh code is generated.
func (reg *Registry) Create(caller transport.Identity, callerAddr, name string, maxMembers int, open bool, preferredCode string) (Detail, error) {
	if len(name) == 0 || len(name) > maxNameLen {
		return Detail{}, ErrInvalidName
	}
	if maxMembers < 1 || maxMembers > maxRoomMembers {
		return Detail{}, ErrInvalidCapacity
	}

	var (
		code roomcode.Code
		ok   bool
	)
	if preferredCode != "" {
		if code, ok = roomcode.Extract(preferredCode); !ok {
			return Detail{}, ErrInvalidCode
		}
		return reg.insert(code, caller, callerAddr, name, maxMembers, open)
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		var err error
		if code, err = roomcode.Generate(); err != nil {
			return Detail{}, err
		}
		detail, err := reg.insert(code, caller, callerAddr, name, maxMembers, open)
		if errors.Is(err, ErrRoomExists) {
			continue
		}
		return detail, err
	}
	return Detail{}, ErrRoomExists
}

func (reg *Registry) insert(code roomcode.Code, caller transport.Identity, callerAddr, name string, maxMembers int, open bool) (Detail, error) {
	room := newRoom(code, name, maxMembers, open, caller, callerAddr)
	// snapshot while the room is still private; once it is in the map a
	// concurrent join may mutate it
	detail := room.detail()

	reg.roomsMu.Lock()
	if _, exists := reg.rooms[room.id]; exists {
		reg.roomsMu.Unlock()
		return Detail{}, ErrRoomExists
	}
	reg.rooms[room.id] = room
	reg.roomsMu.Unlock()

	reg.indexAdd(caller, room.id)

	reg.logger.Info().
		Str("room", room.id).
		Str("host", string(caller)).
		Int("maxMembers", maxMembers).
		Msg("room created")
	return detail, nil
}

// Join adds the caller to the room named by codeStr. Joining a room the
// caller is already in never double-counts. The member-joined event goes
// to the post-join member list, joiner included.
func (reg *Registry) Join(caller transport.Identity, callerAddr, codeStr string) (Detail, error) {
	room, err := reg.lookup(codeStr)
	if err != nil {
		return Detail{}, err
	}

	room.mu.Lock()
	if room.destroyed {
		room.mu.Unlock()
		return Detail{}, ErrRoomNotFound
	}
	if !room.open {
		room.mu.Unlock()
		return Detail{}, ErrRoomClosed
	}
	if _, member := room.members[caller]; !member && len(room.members) >= room.maxMembers {
		room.mu.Unlock()
		return Detail{}, ErrRoomFull
	}
	room.members[caller] = callerAddr
	reg.indexAdd(caller, room.id)
	detail := room.detail()
	addrs := room.memberAddrs()
	room.mu.Unlock()

	reg.pushEvent(addrs, proto.KindRoomMemberJoined, memberEvent{RoomID: room.id, MemberID: caller})
	return detail, nil
}

// Leave removes the caller from the room. The last member leaving, or the
// host leaving, destroys the room.
func (reg *Registry) Leave(caller transport.Identity, codeStr string) error {
	room, err := reg.lookup(codeStr)
	if err != nil {
		return err
	}
	return reg.leaveRoom(room, caller)
}

func (reg *Registry) leaveRoom(room *Room, caller transport.Identity) error {
	room.mu.Lock()
	if room.destroyed {
		room.mu.Unlock()
		return ErrRoomNotFound
	}
	if _, member := room.members[caller]; !member {
		room.mu.Unlock()
		return ErrNotInRoom
	}

	delete(room.members, caller)
	reg.indexRemove(caller, room.id)

	if len(room.members) == 0 || caller == room.hostID {
		addrs := reg.destroyLocked(room)
		room.mu.Unlock()
		reg.pushEvent(addrs, proto.KindRoomDestroyed, destroyedEvent{RoomID: room.id})
		return nil
	}

	addrs := room.memberAddrs()
	room.mu.Unlock()

	reg.pushEvent(addrs, proto.KindRoomMemberLeft, memberEvent{RoomID: room.id, MemberID: caller})
	return nil
}

// destroyLocked removes the room from the registry and evicts every
// remaining member from the index. It returns the member addresses
// captured before clearing so the caller can emit room:destroyed after
// releasing the room's lock. Callers must hold room.mu.
func (reg *Registry) destroyLocked(room *Room) []string {
	addrs := room.memberAddrs()
	for id := range room.members {
		reg.indexRemove(id, room.id)
	}
	room.members = make(map[transport.Identity]string)
	room.destroyed = true

	reg.roomsMu.Lock()
	delete(reg.rooms, room.id)
	reg.roomsMu.Unlock()

	reg.logger.Info().Str("room", room.id).Msg("room destroyed")
	return addrs
}

// DropIdentity applies an implicit leave to every room the identity had
// joined. Driven by the transport's close listener; there is no client to
// answer, so it only emits events to remaining members.
func (reg *Registry) DropIdentity(_ string, id transport.Identity) {
	reg.indexMu.Lock()
	codes := make([]string, 0, len(reg.index[id]))
	for code := range reg.index[id] {
		codes = append(codes, code)
	}
	reg.indexMu.Unlock()

	for _, code := range codes {
		reg.roomsMu.RLock()
		room, ok := reg.rooms[code]
		reg.roomsMu.RUnlock()
		if !ok {
			continue
		}
		if err := reg.leaveRoom(room, id); err == nil {
			reg.logger.Debug().
				Str("room", code).
				Str("identity", string(id)).
				Msg("membership dropped on disconnect")
		}
	}
}

// Send broadcasts an application message to the room's current members.
func (reg *Registry) Send(caller transport.Identity, codeStr, channel string, data []byte) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	room, err := reg.lookup(codeStr)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.destroyed {
		room.mu.Unlock()
		return ErrRoomNotFound
	}
	if _, member := room.members[caller]; !member {
		room.mu.Unlock()
		return ErrNotInRoom
	}
	addrs := room.memberAddrs()
	room.mu.Unlock()

	reg.pushEvent(addrs, proto.KindRoomMessage, messageEvent{
		RoomID:  room.id,
		FromID:  caller,
		Channel: channel,
		Data:    data,
	})
	return nil
}

// SetMeta replaces the room's opaque metadata. Host only.
func (reg *Registry) SetMeta(caller transport.Identity, codeStr string, meta []byte) error {
	room, err := reg.lookup(codeStr)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.destroyed {
		room.mu.Unlock()
		return ErrRoomNotFound
	}
	if caller != room.hostID {
		room.mu.Unlock()
		return ErrNotHost
	}
	room.meta = append([]byte(nil), meta...)
	addrs := room.memberAddrs()
	room.mu.Unlock()

	reg.pushEvent(addrs, proto.KindRoomMetaChanged, metaChangedEvent{RoomID: room.id, Meta: meta})
	return nil
}

// Destroy removes the room explicitly. Host only.
func (reg *Registry) Destroy(caller transport.Identity, codeStr string) error {
	room, err := reg.lookup(codeStr)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.destroyed {
		room.mu.Unlock()
		return ErrRoomNotFound
	}
	if caller != room.hostID {
		room.mu.Unlock()
		return ErrNotHost
	}
	addrs := reg.destroyLocked(room)
	room.mu.Unlock()

	reg.pushEvent(addrs, proto.KindRoomDestroyed, destroyedEvent{RoomID: room.id})
	return nil
}

// List returns a page of room summaries sorted by code.
func (reg *Registry) List(offset, limit int) ([]Summary, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	reg.roomsMu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.roomsMu.RUnlock()

	summaries := make([]Summary, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		if !room.destroyed {
			summaries = append(summaries, room.summary())
		}
		room.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	total := len(summaries)
	if offset >= total {
		return []Summary{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return summaries[offset:end], total
}

// Info returns the full room detail, tunnel tokens included.
func (reg *Registry) Info(codeStr string) (Detail, error) {
	room, err := reg.lookup(codeStr)
	if err != nil {
		return Detail{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.destroyed {
		return Detail{}, ErrRoomNotFound
	}
	return room.detail(), nil
}

// lookup resolves an arbitrary code string (possibly embedded in pasted
// text) to a live room.
func (reg *Registry) lookup(codeStr string) (*Room, error) {
	code, ok := roomcode.Extract(codeStr)
	if !ok {
		return nil, ErrInvalidCode
	}
	reg.roomsMu.RLock()
	room, exists := reg.rooms[code.String()]
	reg.roomsMu.RUnlock()
	if !exists {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (reg *Registry) indexAdd(id transport.Identity, code string) {
	reg.indexMu.Lock()
	defer reg.indexMu.Unlock()
	set, ok := reg.index[id]
	if !ok {
		set = make(map[string]struct{})
		reg.index[id] = set
	}
	set[code] = struct{}{}
}

func (reg *Registry) indexRemove(id transport.Identity, code string) {
	reg.indexMu.Lock()
	defer reg.indexMu.Unlock()
	if set, ok := reg.index[id]; ok {
		delete(set, code)
		if len(set) == 0 {
			delete(reg.index, id)
		}
	}
}

// JoinedRooms reports the codes the identity is currently a member of.
func (reg *Registry) JoinedRooms(id transport.Identity) []string {
	reg.indexMu.Lock()
	defer reg.indexMu.Unlock()
	codes := make([]string, 0, len(reg.index[id]))
	for code := range reg.index[id] {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
