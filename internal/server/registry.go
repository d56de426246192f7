package server

import (
	"errors"
	"slices"
	"sync"
)

var (
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrUserRoom            = errors.New("cannot leave own user room")
	ErrForeignUserRoom     = errors.New("cannot join another user's room")
)

// Conn is a registered connection as seen by the registry and dispatcher.
// Deliver must not block; it reports false when the message was dropped.
type Conn interface {
	Id() string
	UserId() int
	Deliver(msg *ServerMessage) bool
}

type membership struct {
	conn  Conn
	rooms map[RoomKey]struct{}
}

// Registry tracks live connections and the rooms they belong to. Reads
// (MembersOf) take a shared lock so concurrent sends do not serialize on
// each other.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*membership
	rooms map[RoomKey]map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*membership),
		rooms: make(map[RoomKey]map[string]Conn),
	}
}

// Register records conn and joins it to its user's room.
func (r *Registry) Register(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.Id()]; ok {
		return ErrDuplicateConnection
	}

	r.conns[conn.Id()] = &membership{conn: conn, rooms: make(map[RoomKey]struct{})}
	r.join(conn.Id(), UserRoom(conn.UserId()))
	return nil
}

// Join is idempotent.
func (r *Registry) Join(connId string, room RoomKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connId]
	if !ok {
		return ErrUnknownConnection
	}
	if room.IsUserRoom() && room != UserRoom(m.conn.UserId()) {
		return ErrForeignUserRoom
	}
	r.join(connId, room)
	return nil
}

func (r *Registry) join(connId string, room RoomKey) {
	m := r.conns[connId]
	if _, ok := m.rooms[room]; ok {
		return
	}

	m.rooms[room] = struct{}{}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]Conn)
	}
	r.rooms[room][connId] = m.conn
}

// Leave removes connId from room. Leaving a room the connection is not in
// is a no-op; the connection's own user room cannot be left.
func (r *Registry) Leave(connId string, room RoomKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connId]
	if !ok {
		return ErrUnknownConnection
	}
	if room == UserRoom(m.conn.UserId()) {
		return ErrUserRoom
	}

	r.leave(connId, room)
	delete(m.rooms, room)
	return nil
}

func (r *Registry) leave(connId string, room RoomKey) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}

	delete(members, connId)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Unregister removes the connection from every room. It reports whether
// the connection was registered.
func (r *Registry) Unregister(connId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connId]
	if !ok {
		return false
	}

	for room := range m.rooms {
		r.leave(connId, room)
	}
	delete(r.conns, connId)
	return true
}

// MembersOf returns a snapshot of the connections in room.
func (r *Registry) MembersOf(room RoomKey) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]Conn, 0, len(r.rooms[room]))
	for _, conn := range r.rooms[room] {
		members = append(members, conn)
	}
	return members
}

// RoomsOf returns the rooms connId belongs to, sorted.
func (r *Registry) RoomsOf(connId string) []RoomKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.conns[connId]
	if !ok {
		return nil
	}

	rooms := make([]RoomKey, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}

func (r *Registry) ConnectionsFor(userId int) []Conn {
	return r.MembersOf(UserRoom(userId))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Close drops every connection and returns the ones that were registered.
func (r *Registry) Close() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]Conn, 0, len(r.conns))
	for _, m := range r.conns {
		conns = append(conns, m.conn)
	}

	r.conns = make(map[string]*membership)
	r.rooms = make(map[RoomKey]map[string]Conn)
	return conns
}
