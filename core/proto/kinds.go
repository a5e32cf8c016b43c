package proto

// Registered message kinds, "namespace:path".
const (
	KindQueryStatus = "mc:query_status"

	KindRoomCreate  = "room:create"
	KindRoomJoin    = "room:join"
	KindRoomLeave   = "room:leave"
	KindRoomList    = "room:list"
	KindRoomInfo    = "room:info"
	KindRoomSend    = "room:send"
	KindRoomSetMeta = "room:set_meta"
	KindRoomDestroy = "room:destroy"
)

// Server-pushed event kinds, never acknowledged.
const (
	KindRoomMemberJoined = "room:member_joined"
	KindRoomMemberLeft   = "room:member_left"
	KindRoomDestroyed    = "room:destroyed"
	KindRoomMessage      = "room:message"
	KindRoomMetaChanged  = "room:meta_changed"
)
