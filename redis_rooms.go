package main

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

const queueListKey = "queue:list"
const queueSetKey = "queue:set"
const roomKeyPrefix = "room:"
const roomSetKey = "rooms:set"
const roomBySessionKeyPrefix = "roomBySession:"

// Appends a session to the queue only if the membership set did not already
// contain it. KEYS[1] = queue:list, KEYS[2] = queue:set, ARGV[1] = sessionId
var queuePushScript = redis.NewScript(`
	if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
		redis.call('LPUSH', KEYS[1], ARGV[1])
		return 1
	end
	return 0
`)

// Pops the oldest waiter and drops it from the membership set.
// KEYS[1] = queue:list, KEYS[2] = queue:set
var queuePopScript = redis.NewScript(`
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		return false
	end
	redis.call('SREM', KEYS[2], id)
	return id
`)

// KEYS[1] = queue:list, KEYS[2] = queue:set, ARGV[1] = sessionId
var queueRemoveScript = redis.NewScript(`
	redis.call('LREM', KEYS[1], 0, ARGV[1])
	redis.call('SREM', KEYS[2], ARGV[1])
	return 1
`)

// Installs the room record, the room-set entry and both reverse indices in
// one transaction. KEYS[1] = room:{id}, KEYS[2] = rooms:set,
// KEYS[3]/KEYS[4] = roomBySession:{s1}/{s2}, ARGV[1] = room JSON, ARGV[2] = roomId
var roomInstallScript = redis.NewScript(`
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SADD', KEYS[2], ARGV[2])
	redis.call('SET', KEYS[3], ARGV[2])
	redis.call('SET', KEYS[4], ARGV[2])
	return 1
`)

// Tears down everything installed by roomInstallScript. Reads the record to
// find both members so repeat calls are no-ops.
// KEYS[1] = room:{id}, KEYS[2] = rooms:set, ARGV[1] = roomId
var roomDestroyScript = redis.NewScript(`
	local raw = redis.call('GET', KEYS[1])
	if not raw then
		return 0
	end
	local room = cjson.decode(raw)
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('DEL', 'roomBySession:' .. room.session1.sessionId)
	redis.call('DEL', 'roomBySession:' .. room.session2.sessionId)
	return 1
`)

type RedisMatchmaker struct {
	Redis    Redis
	Sessions SessionRegistry
}

func (m *RedisMatchmaker) viable(ctx context.Context, sessionID string) (string, bool) {
	session, err := m.Sessions.GetSession(ctx, sessionID)

	if err != nil || session == nil {
		return "", false
	}

	if session.RoomID != "" || session.ConnectionID == "" {
		return "", false
	}

	return session.ConnectionID, true
}

func (m *RedisMatchmaker) JoinQueue(ctx context.Context, sessionID string, connectionID string) (*Room, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.JoinQueue")
	defer span.Finish()

	member, err := m.Redis.SIsMember(ctx, queueSetKey, sessionID).Result()

	if err != nil {
		ext.LogError(span, err)
		return nil, ErrBackendGone
	}

	if member {
		return nil, nil
	}

	for i := 0; i < matchAttempts; i++ {
		popped, err := queuePopScript.Run(ctx, m.Redis, []string{queueListKey, queueSetKey}).Result()

		if err == redis.Nil {
			break
		}

		if err != nil {
			ext.LogError(span, err)
			return nil, ErrBackendGone
		}

		waiterID, ok := popped.(string)

		if !ok || waiterID == sessionID {
			continue
		}

		waiterConn, ok := m.viable(ctx, waiterID)

		if !ok {
			continue
		}

		room := &Room{
			RoomID:   NewRoomID(),
			Session1: RoomMember{SessionID: waiterID, ConnectionID: waiterConn},
			Session2: RoomMember{SessionID: sessionID, ConnectionID: connectionID},
		}

		if err := m.InstallRoom(ctx, room); err != nil {
			return nil, err
		}

		return room, nil
	}

	err = queuePushScript.Run(ctx, m.Redis, []string{queueListKey, queueSetKey}, sessionID).Err()

	if err != nil {
		ext.LogError(span, err)
		return nil, ErrBackendGone
	}

	return nil, nil
}

func (m *RedisMatchmaker) LeaveQueue(ctx context.Context, sessionID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.LeaveQueue")
	defer span.Finish()

	err := queueRemoveScript.Run(ctx, m.Redis, []string{queueListKey, queueSetKey}, sessionID).Err()

	if err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}

func (m *RedisMatchmaker) InQueue(ctx context.Context, sessionID string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.InQueue")
	defer span.Finish()

	member, err := m.Redis.SIsMember(ctx, queueSetKey, sessionID).Result()

	if err != nil {
		ext.LogError(span, err)
		return false, ErrBackendGone
	}

	return member, nil
}

func (m *RedisMatchmaker) QueueLen(ctx context.Context) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.QueueLen")
	defer span.Finish()

	length, err := m.Redis.LLen(ctx, queueListKey).Result()

	if err != nil {
		ext.LogError(span, err)
		return 0, ErrBackendGone
	}

	return int(length), nil
}

func (m *RedisMatchmaker) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.GetRoom")
	defer span.Finish()

	raw, err := m.Redis.Get(ctx, roomKeyPrefix+roomID).Result()

	if err == redis.Nil {
		return nil, nil
	}

	if err != nil {
		ext.LogError(span, err)
		return nil, ErrBackendGone
	}

	var room Room

	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		ext.LogError(span, err)
		return nil, err
	}

	return &room, nil
}

func (m *RedisMatchmaker) RoomBySession(ctx context.Context, sessionID string) (*Room, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.RoomBySession")
	defer span.Finish()

	roomID, err := m.Redis.Get(ctx, roomBySessionKeyPrefix+sessionID).Result()

	if err == redis.Nil {
		return nil, nil
	}

	if err != nil {
		ext.LogError(span, err)
		return nil, ErrBackendGone
	}

	return m.GetRoom(ctx, roomID)
}

func (m *RedisMatchmaker) PeerConnectionID(ctx context.Context, roomID string, sessionID string) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.PeerConnectionID")
	defer span.Finish()

	room, err := m.GetRoom(ctx, roomID)

	if err != nil {
		return "", err
	}

	if room == nil {
		return "", nil
	}

	peer := room.Peer(sessionID)

	if peer == nil {
		return "", nil
	}

	session, err := m.Sessions.GetSession(ctx, peer.SessionID)

	if err == nil && session != nil && session.ConnectionID != "" {
		return session.ConnectionID, nil
	}

	return peer.ConnectionID, nil
}

func (m *RedisMatchmaker) InstallRoom(ctx context.Context, room *Room) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.InstallRoom")
	defer span.Finish()

	encoded, err := json.Marshal(room)

	if err != nil {
		ext.LogError(span, err)
		return err
	}

	keys := []string{
		roomKeyPrefix + room.RoomID,
		roomSetKey,
		roomBySessionKeyPrefix + room.Session1.SessionID,
		roomBySessionKeyPrefix + room.Session2.SessionID,
	}

	err = roomInstallScript.Run(ctx, m.Redis, keys, encoded, room.RoomID).Err()

	if err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}

func (m *RedisMatchmaker) DestroyRoom(ctx context.Context, roomID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.DestroyRoom")
	defer span.Finish()

	keys := []string{roomKeyPrefix + roomID, roomSetKey}

	err := roomDestroyScript.Run(ctx, m.Redis, keys, roomID).Err()

	if err != nil && err != redis.Nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}

func (m *RedisMatchmaker) RoomCount(ctx context.Context) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisMatchmaker.RoomCount")
	defer span.Finish()

	count, err := m.Redis.SCard(ctx, roomSetKey).Result()

	if err != nil {
		ext.LogError(span, err)
		return 0, ErrBackendGone
	}

	return int(count), nil
}
