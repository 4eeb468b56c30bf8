package chat

import (
	"slices"
	"sort"
	"sync"
)

// JoinResult is the outcome of Registry.JoinOrCreate.
type JoinResult int

const (
	Created JoinResult = iota
	Joined
	AuthFailed
)

func (r JoinResult) String() string {
	switch r {
	case Created:
		return "created"
	case Joined:
		return "joined"
	case AuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Member is one entry of a room snapshot.
type Member struct {
	Conn      Conn
	PublicKey []byte
}

type room struct {
	// password is compared in plaintext, exactly as clients send it.
	password string
	members  []Conn
	keys     map[Conn][]byte
}

func (r *room) indexOf(conn Conn) int {
	return slices.Index(r.members, conn)
}

// Registry maps room ids to rooms. It is the only owner of membership,
// passwords and public keys, and every operation runs under one mutex.
//
// A room is present if and only if it has at least one member, and a
// connection is a member of at most one room.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

// JoinOrCreate adds conn to roomID. An unknown room is created with the
// given password. A known room is joined only when the password matches
// exactly; otherwise nothing changes and AuthFailed is returned.
func (r *Registry) JoinOrCreate(roomID, password string, conn Conn, publicKey []byte) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		r.rooms[roomID] = &room{
			password: password,
			members:  []Conn{conn},
			keys:     map[Conn][]byte{conn: publicKey},
		}
		return Created
	}

	if password != rm.password {
		return AuthFailed
	}

	if rm.indexOf(conn) < 0 {
		rm.members = append(rm.members, conn)
	}
	rm.keys[conn] = publicKey
	return Joined
}

// Leave removes conn from roomID and deletes the room once it is empty.
// It reports whether conn was a member; calling it for a room conn is not
// in has no effect.
func (r *Registry) Leave(conn Conn, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(conn, roomID)
}

func (r *Registry) leaveLocked(conn Conn, roomID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	i := rm.indexOf(conn)
	if i < 0 {
		return false
	}

	rm.members = slices.Delete(rm.members, i, i+1)
	delete(rm.keys, conn)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// FindCurrentRoom returns the room conn is a member of, if any.
func (r *Registry) FindCurrentRoom(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.findLocked(conn)
}

func (r *Registry) findLocked(conn Conn) (string, bool) {
	for id, rm := range r.rooms {
		if rm.indexOf(conn) >= 0 {
			return id, true
		}
	}
	return "", false
}

// RemoveEverywhere removes conn from whichever room holds it and returns
// that room's id. Used when a connection goes away.
func (r *Registry) RemoveEverywhere(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.findLocked(conn)
	if !ok {
		return "", false
	}
	r.leaveLocked(conn, id)
	return id, true
}

// Snapshot returns a copy of the room's members and their keys in join
// order. An unknown room yields nil.
func (r *Registry) Snapshot(roomID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]Member, 0, len(rm.members))
	for _, c := range rm.members {
		members = append(members, Member{Conn: c, PublicKey: rm.keys[c]})
	}
	return members
}

// IsMember reports whether conn currently belongs to roomID.
func (r *Registry) IsMember(conn Conn, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	return ok && rm.indexOf(conn) >= 0
}

// MemberCount returns the number of members in roomID.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.members)
	}
	return 0
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Rooms returns the ids of all live rooms, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
