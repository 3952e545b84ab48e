package main

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Candidates considered per pairing attempt before the caller is enqueued.
// Bounded so a queue full of stale entries cannot stall a join.
const matchAttempts = 5

type RoomMember struct {
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

// Room is a strict 2-party pairing. Connection ids are recorded at pairing
// time; delivery always prefers the session's current connection and falls
// back to the recorded one.
type Room struct {
	RoomID   string     `json:"roomId"`
	Session1 RoomMember `json:"session1"`
	Session2 RoomMember `json:"session2"`
}

// Peer returns the other member of the room, or nil when the given session
// is not a member.
func (r *Room) Peer(sessionID string) *RoomMember {
	switch sessionID {
	case r.Session1.SessionID:
		return &r.Session2
	case r.Session2.SessionID:
		return &r.Session1
	default:
		return nil
	}
}

type QueueEntry struct {
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

// Matchmaker owns the random-pairing queue and the room store. Room
// installation and teardown keep the room record, the room set, both reverse
// indices and both session room bindings consistent as one logical step.
//
// JoinQueue returns a room when the caller was paired with a waiter, or
// (nil, nil) when the caller was enqueued (or was already waiting).
type Matchmaker interface {
	JoinQueue(ctx context.Context, sessionID string, connectionID string) (*Room, error)
	LeaveQueue(ctx context.Context, sessionID string) error
	InQueue(ctx context.Context, sessionID string) (bool, error)
	QueueLen(ctx context.Context) (int, error)

	GetRoom(ctx context.Context, roomID string) (*Room, error)
	RoomBySession(ctx context.Context, sessionID string) (*Room, error)
	PeerConnectionID(ctx context.Context, roomID string, sessionID string) (string, error)
	InstallRoom(ctx context.Context, room *Room) error
	DestroyRoom(ctx context.Context, roomID string) error
	RoomCount(ctx context.Context) (int, error)
}

func NewRoomID() string {
	return uuid.NewString()
}

type LocalMatchmaker struct {
	sessions SessionRegistry

	mu            sync.Mutex
	queue         []QueueEntry
	queued        map[string]bool
	rooms         map[string]*Room
	roomBySession map[string]string
}

func NewLocalMatchmaker(sessions SessionRegistry) *LocalMatchmaker {
	return &LocalMatchmaker{
		sessions:      sessions,
		queued:        make(map[string]bool),
		rooms:         make(map[string]*Room),
		roomBySession: make(map[string]string),
	}
}

// viable reports whether a popped queue entry still names a session that can
// be matched: it exists, has a live connection, and is not already in a room.
func (m *LocalMatchmaker) viable(ctx context.Context, entry QueueEntry) bool {
	session, err := m.sessions.GetSession(ctx, entry.SessionID)

	if err != nil || session == nil {
		return false
	}

	return session.RoomID == "" && session.ConnectionID != ""
}

func (m *LocalMatchmaker) JoinQueue(ctx context.Context, sessionID string, connectionID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queued[sessionID] {
		return nil, nil
	}

	for i := 0; i < matchAttempts && len(m.queue) > 0; i++ {
		waiter := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, waiter.SessionID)

		if waiter.SessionID == sessionID {
			continue
		}

		if !m.viable(ctx, waiter) {
			continue
		}

		room := &Room{
			RoomID:   NewRoomID(),
			Session1: RoomMember{SessionID: waiter.SessionID, ConnectionID: waiter.ConnectionID},
			Session2: RoomMember{SessionID: sessionID, ConnectionID: connectionID},
		}

		m.installLocked(ctx, room)

		return room, nil
	}

	m.queue = append(m.queue, QueueEntry{SessionID: sessionID, ConnectionID: connectionID})
	m.queued[sessionID] = true

	return nil, nil
}

func (m *LocalMatchmaker) LeaveQueue(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.queued[sessionID] {
		return nil
	}

	filtered := m.queue[:0]

	for _, entry := range m.queue {
		if entry.SessionID != sessionID {
			filtered = append(filtered, entry)
		}
	}

	m.queue = filtered
	delete(m.queued, sessionID)

	return nil
}

func (m *LocalMatchmaker) InQueue(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.queued[sessionID], nil
}

func (m *LocalMatchmaker) QueueLen(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue), nil
}

func (m *LocalMatchmaker) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]

	if !ok {
		return nil, nil
	}

	copied := *room

	return &copied, nil
}

func (m *LocalMatchmaker) RoomBySession(ctx context.Context, sessionID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, ok := m.roomBySession[sessionID]

	if !ok {
		return nil, nil
	}

	room, ok := m.rooms[roomID]

	if !ok {
		return nil, nil
	}

	copied := *room

	return &copied, nil
}

func (m *LocalMatchmaker) PeerConnectionID(ctx context.Context, roomID string, sessionID string) (string, error) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]

	if !ok {
		m.mu.Unlock()
		return "", nil
	}

	peer := room.Peer(sessionID)
	m.mu.Unlock()

	if peer == nil {
		return "", nil
	}

	session, err := m.sessions.GetSession(ctx, peer.SessionID)

	if err == nil && session != nil && session.ConnectionID != "" {
		return session.ConnectionID, nil
	}

	return peer.ConnectionID, nil
}

func (m *LocalMatchmaker) installLocked(ctx context.Context, room *Room) {
	m.rooms[room.RoomID] = room
	m.roomBySession[room.Session1.SessionID] = room.RoomID
	m.roomBySession[room.Session2.SessionID] = room.RoomID
	_ = m.sessions.SetSessionRoom(ctx, room.Session1.SessionID, room.RoomID)
	_ = m.sessions.SetSessionRoom(ctx, room.Session2.SessionID, room.RoomID)
}

func (m *LocalMatchmaker) InstallRoom(ctx context.Context, room *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.installLocked(ctx, room)

	return nil
}

func (m *LocalMatchmaker) DestroyRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]

	if !ok {
		return nil
	}

	delete(m.rooms, roomID)
	delete(m.roomBySession, room.Session1.SessionID)
	delete(m.roomBySession, room.Session2.SessionID)
	_ = m.sessions.ClearSessionRoom(ctx, room.Session1.SessionID)
	_ = m.sessions.ClearSessionRoom(ctx, room.Session2.SessionID)

	return nil
}

func (m *LocalMatchmaker) RoomCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.rooms), nil
}
