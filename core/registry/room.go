package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/scaffold-mc/scaffolding/core/roomcode"
	"github.com/scaffold-mc/scaffolding/core/transport"
)

// Room is one ad-hoc session lobby. All mutation happens under mu, the
// room's own critical section; different rooms never contend. The host is
// the identity that created the room and is always present in members
// until the room is destroyed.
type Room struct {
	mu sync.Mutex

	id         string
	code       roomcode.Code
	name       string
	maxMembers int
	open       bool
	hostID     transport.Identity
	members    map[transport.Identity]string // identity -> remote address
	meta       []byte
	createdAt  time.Time

	// set while still referenced by a caller that looked the room up
	// before it was removed from the registry
	destroyed bool
}

func newRoom(code roomcode.Code, name string, maxMembers int, open bool, host transport.Identity, hostAddr string) *Room {
	return &Room{
		id:         code.String(),
		code:       code,
		name:       name,
		maxMembers: maxMembers,
		open:       open,
		hostID:     host,
		members:    map[transport.Identity]string{host: hostAddr},
		createdAt:  time.Now(),
	}
}

// memberAddrs snapshots the current member addresses. Callers must hold mu.
func (r *Room) memberAddrs() []string {
	addrs := make([]string, 0, len(r.members))
	for _, addr := range r.members {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Summary is the per-room row returned by list.
type Summary struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	HostID     transport.Identity `json:"host_id"`
	Members    int                `json:"members"`
	MaxMembers int                `json:"max_members"`
	Open       bool               `json:"open"`
	HasMeta    bool               `json:"has_meta"`
}

// Detail is the full room view returned by create and info, including the
// tunnel tokens derived from the room code.
type Detail struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	NetworkName   string               `json:"network_name"`
	NetworkSecret string               `json:"network_secret"`
	HostID        transport.Identity   `json:"host_id"`
	Members       []transport.Identity `json:"members"`
	MaxMembers    int                  `json:"max_members"`
	Open          bool                 `json:"open"`
	Meta          []byte               `json:"meta,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// summary snapshots the room. Callers must hold mu.
func (r *Room) summary() Summary {
	return Summary{
		ID:         r.id,
		Name:       r.name,
		HostID:     r.hostID,
		Members:    len(r.members),
		MaxMembers: r.maxMembers,
		Open:       r.open,
		HasMeta:    len(r.meta) > 0,
	}
}

// detail snapshots the room. Callers must hold mu.
func (r *Room) detail() Detail {
	members := make([]transport.Identity, 0, len(r.members))
	for id := range r.members {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	var meta []byte
	if len(r.meta) > 0 {
		meta = append([]byte(nil), r.meta...)
	}
	return Detail{
		ID:            r.id,
		Name:          r.name,
		NetworkName:   r.code.NetworkName(),
		NetworkSecret: r.code.NetworkSecret(),
		HostID:        r.hostID,
		Members:       members,
		MaxMembers:    r.maxMembers,
		Open:          r.open,
		Meta:          meta,
		CreatedAt:     r.createdAt,
	}
}
