package websocket

import (
	"sort"
	"sync"

	"schoolchat/internal/metrics"
	"schoolchat/pkg/types"
)

// Registry tracks open connections and which rooms each one has joined.
// It holds no message logic; the router reads RoomMembers for fan-out.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[types.RoomKey]map[string]*Connection // room -> connID -> conn
	memberships map[string]map[types.RoomKey]struct{}    // connID -> rooms
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[types.RoomKey]map[string]*Connection),
		memberships: make(map[string]map[types.RoomKey]struct{}),
	}
}

// RegisterConnection adds conn with no room memberships.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateRegister
	}
	r.connections[conn.ID()] = conn
	r.memberships[conn.ID()] = make(map[types.RoomKey]struct{})
	metrics.RelayConnections.Inc()
	return nil
}

// UnregisterConnection removes conn and all of its room memberships.
// Unregistering an unknown connection is a no-op.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if registered, exists := r.connections[id]; !exists || registered != conn {
		return
	}
	for room := range r.memberships[id] {
		r.removeMemberLocked(room, id)
	}
	delete(r.memberships, id)
	delete(r.connections, id)
	metrics.RelayConnections.Dec()
}

// Join adds conn to room. It reports false when conn was already a member.
func (r *Registry) Join(conn *Connection, room types.RoomKey) (bool, error) {
	if conn == nil {
		return false, ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, exists := r.memberships[conn.ID()]
	if !exists {
		return false, ErrNotRegistered
	}
	if _, member := rooms[room]; member {
		return false, nil
	}
	rooms[room] = struct{}{}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Connection)
	}
	r.rooms[room][conn.ID()] = conn
	return true, nil
}

// Leave removes conn from room. It reports false when conn was not a member.
func (r *Registry) Leave(conn *Connection, room types.RoomKey) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, exists := r.memberships[conn.ID()]
	if !exists {
		return false
	}
	if _, member := rooms[room]; !member {
		return false
	}
	delete(rooms, room)
	r.removeMemberLocked(room, conn.ID())
	return true
}

func (r *Registry) removeMemberLocked(room types.RoomKey, connID string) {
	members, exists := r.rooms[room]
	if !exists {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// IsMember reports whether conn has joined room.
func (r *Registry) IsMember(conn *Connection, room types.RoomKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, member := r.memberships[conn.ID()][room]
	return member
}

// RoomMembers returns the connections joined to room.
func (r *Registry) RoomMembers(room types.RoomKey) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	connections := make([]*Connection, 0, len(members))
	for _, conn := range members {
		connections = append(connections, conn)
	}
	return connections
}

// ActiveRooms returns the sorted keys of rooms with at least one member.
func (r *Registry) ActiveRooms() []types.RoomKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]types.RoomKey, 0, len(r.rooms))
	for room := range r.rooms {
		keys = append(keys, room)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// GetConnection looks a connection up by id.
func (r *Registry) GetConnection(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, exists := r.connections[id]
	return conn, exists
}

// GetStats returns counts for the health endpoint.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.connections),
		"active_rooms":      len(r.rooms),
	}
}

// CloseAll closes every registered connection. Their read pumps then
// unregister them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
