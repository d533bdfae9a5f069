package ws

import (
	"sync"
)

// room is the set of live connections subscribed to one conversation's
// broadcast events. Each room carries its own lock so joins and leaves on
// different rooms never contend with each other. gone is set, under the
// room lock, when the room is unregistered; a joiner that looked the room
// up before the delete landed sees it and retries against the registry.
type room struct {
	mu      sync.RWMutex
	members map[string]*Connection // connection_id -> Connection
	gone    bool
}

// RoomRegistry tracks which connections have joined which conversation
// rooms. The registry-level lock only guards the room map itself; all
// membership mutation happens under the per-room lock.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*room // conversation_id -> room
}

// NewRoomRegistry creates an empty RoomRegistry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]*room),
	}
}

// Join adds a connection to a conversation's room, creating the room if
// needed. It returns true if this was the first local member, which is
// the signal to subscribe the instance to the conversation's event
// subject.
func (r *RoomRegistry) Join(conversationID string, conn *Connection) (first bool) {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[conversationID]
		if !ok {
			rm = &room{members: make(map[string]*Connection)}
			r.rooms[conversationID] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.gone {
			// A concurrent last-member Leave unregistered this room
			// between the registry lookup and here. Inserting would
			// strand the member in an object broadcasts can no longer
			// reach; retry against the registry instead.
			rm.mu.Unlock()
			continue
		}
		first = len(rm.members) == 0
		rm.members[conn.ID] = conn
		rm.mu.Unlock()

		conn.trackRoom(conversationID)
		return first
	}
}

// Leave removes a connection from a room. It returns true if the room is
// now empty of local members, the signal to drop the instance's event
// subscription. Leaving a room the connection never joined is a no-op.
func (r *RoomRegistry) Leave(conversationID string, conn *Connection) (empty bool) {
	r.mu.RLock()
	rm, ok := r.rooms[conversationID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	delete(rm.members, conn.ID)
	empty = len(rm.members) == 0
	rm.mu.Unlock()

	conn.untrackRoom(conversationID)

	if empty {
		// Drop the room object itself. A concurrent Join may have
		// re-populated it between the member delete and here; re-check
		// under both locks before removing.
		r.mu.Lock()
		rm.mu.Lock()
		if len(rm.members) == 0 && r.rooms[conversationID] == rm {
			rm.gone = true
			delete(r.rooms, conversationID)
		} else {
			empty = false
		}
		rm.mu.Unlock()
		r.mu.Unlock()
	}
	return empty
}

// LeaveAll releases every room membership the connection holds, in one
// pass, so no broadcast is ever sent to a dangling handle after
// disconnect. It returns the conversation ids of rooms that became empty.
func (r *RoomRegistry) LeaveAll(conn *Connection) (emptied []string) {
	for _, conversationID := range conn.joinedRooms() {
		if r.Leave(conversationID, conn) {
			emptied = append(emptied, conversationID)
		}
	}
	return emptied
}

// Broadcast delivers a payload to every connection currently joined to
// the conversation's room. The member set is snapshotted under the room's
// read lock, so concurrent joins and leaves during the fan-out neither
// block nor corrupt it. Write errors on individual connections are
// ignored; dead connections are reaped by the heartbeat.
func (r *RoomRegistry) Broadcast(conversationID string, data []byte) int {
	r.mu.RLock()
	rm, ok := r.rooms[conversationID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.RLock()
	conns := make([]*Connection, 0, len(rm.members))
	for _, c := range rm.members {
		conns = append(conns, c)
	}
	rm.mu.RUnlock()

	for _, c := range conns {
		_ = c.WriteMessage(data)
	}
	return len(conns)
}

// MemberCount returns the number of local connections in a room.
func (r *RoomRegistry) MemberCount(conversationID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[conversationID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.RLock()
	n := len(rm.members)
	rm.mu.RUnlock()
	return n
}

// RoomCount returns the number of rooms with at least one local member.
func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	n := len(r.rooms)
	r.mu.RUnlock()
	return n
}

// InRoom reports whether the connection is currently joined to the room.
func (r *RoomRegistry) InRoom(conversationID string, conn *Connection) bool {
	r.mu.RLock()
	rm, ok := r.rooms[conversationID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.RLock()
	_, in := rm.members[conn.ID]
	rm.mu.RUnlock()
	return in
}
