package matching

// roomEntry is one side of a room: the room id and the other participant.
type roomEntry struct {
	RoomID  string
	Partner string
}

// Registry maps each connection in a session to its room and partner. The
// two entries of a room are always written and removed together. Registry
// is not safe for concurrent use; the Engine serializes access.
type Registry struct {
	rooms map[string]roomEntry
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]roomEntry)}
}

// RoomID derives the room id for a pair. The result does not depend on the
// argument order.
func RoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "room_" + a + "_" + b
}

// CreateRoom pairs a and b and returns the new room id. Any room either side
// was still in is torn down first so no entry is left one-sided.
func (r *Registry) CreateRoom(a, b string) string {
	r.Destroy(a)
	r.Destroy(b)

	id := RoomID(a, b)
	r.rooms[a] = roomEntry{RoomID: id, Partner: b}
	r.rooms[b] = roomEntry{RoomID: id, Partner: a}
	return id
}

// Get returns the room id and partner for handle.
func (r *Registry) Get(handle string) (roomID, partner string, ok bool) {
	e, ok := r.rooms[handle]
	return e.RoomID, e.Partner, ok
}

// Validate reports whether handle is currently in roomID.
func (r *Registry) Validate(handle, roomID string) bool {
	e, ok := r.rooms[handle]
	return ok && roomID != "" && e.RoomID == roomID
}

// Destroy removes handle's room, both sides, and returns the partner.
func (r *Registry) Destroy(handle string) (partner string, ok bool) {
	e, ok := r.rooms[handle]
	if !ok {
		return "", false
	}
	delete(r.rooms, handle)
	if pe, found := r.rooms[e.Partner]; found && pe.Partner == handle {
		delete(r.rooms, e.Partner)
	}
	return e.Partner, true
}

// Len returns the number of active rooms.
func (r *Registry) Len() int {
	return len(r.rooms) / 2
}
