package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// MaxEncryptedBytes caps the base64-decoded size of a relayed payload.
const MaxEncryptedBytes = 35 << 20

const msgSessionRequired = "A session id is required."
const msgSessionUnknown = "Session not found. Send join first."
const msgAlreadyInChat = "Already in a chat."
const msgAlreadySearching = "Already searching for a partner."
const msgCodeRequired = "An invite code is required."
const msgInviteNotFound = "Invite code not found or expired."
const msgSelfInvite = "You can't join your own invite."
const msgNoFreeCode = "Could not allocate an invite code. Try again."
const msgNotInChat = "Not in a chat."
const msgKeyRequired = "A public key is required."
const msgPayloadRequired = "An encrypted payload is required."
const msgRateLimited = "Too many messages. Please slow down."
const msgOversize = "Message too large."
const msgBackendDown = "Service temporarily unavailable."
const msgUnknownEvent = "Unknown event."

const reasonPeerLeft = "The other person has left."
const reasonReport = "Chat ended due to a report."
const reasonTakeover = "Session opened on another connection."

// Conn is what the dispatcher needs from a live transport attachment: its
// server-assigned id and the session binding that joins it to a participant.
type Conn interface {
	ID() string
	SessionID() string
	BindSession(sessionID string)
}

// Dispatcher maps inbound client events to state mutations and fan-out to
// the peer. Handlers enforce the per-session mutual-exclusion invariant by
// checking preconditions and cancelling any conflicting holding (queue spot,
// invite) before entering a new one.
type Dispatcher struct {
	Sessions SessionRegistry
	Limiter  RateLimiter
	Invites  InviteStore
	Rooms    Matchmaker
	Emitter  Emitter
	Log      zerolog.Logger
}

// Base64DecodedLen estimates the decoded byte length of a base64 string
// without decoding it.
func Base64DecodedLen(s string) int {
	pad := 0

	if strings.HasSuffix(s, "==") {
		pad = 2
	} else if strings.HasSuffix(s, "=") {
		pad = 1
	}

	return len(s)*3/4 - pad
}

func (d *Dispatcher) emit(ctx context.Context, connectionID string, event string, data interface{}) {
	eventsOut.WithLabelValues(event).Inc()

	if err := d.Emitter.Emit(ctx, connectionID, event, data); err != nil {
		// Fan-out is best-effort; the peer may be gone already.
		d.Log.Debug().Err(err).Str("event", event).Msg("emit dropped")
	}
}

func (d *Dispatcher) error(ctx context.Context, connectionID string, message string) {
	d.emit(ctx, connectionID, EventError, ErrorPayload{Message: message})
}

// Dispatch handles one inbound event. The transport calls it from the
// connection's read loop, so events on a single connection are handled in
// arrival order.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, frame Frame) {
	eventsIn.WithLabelValues(frame.Event).Inc()

	switch frame.Event {
	case EventJoin:
		d.handleJoin(ctx, conn, frame.Data)
	case EventFindRandom:
		d.handleFindRandom(ctx, conn)
	case EventCancelSearch:
		d.handleCancelSearch(ctx, conn)
	case EventCreateInvite:
		d.handleCreateInvite(ctx, conn)
	case EventJoinInvite:
		d.handleJoinInvite(ctx, conn, frame.Data)
	case EventKeyExchange:
		d.handleKeyExchange(ctx, conn, frame.Data)
	case EventSendEncrypted:
		d.handleSendEncrypted(ctx, conn, frame.Data)
	case EventSecurityAlert:
		d.handleRelay(ctx, conn, EventPeerSecurityAlert, frame.Data)
	case EventChatReady:
		d.handleRelay(ctx, conn, EventPeerReady, nil)
	case EventReport:
		d.handleReport(ctx, conn)
	case EventLeaveRoom:
		d.handleLeaveRoom(ctx, conn)
	default:
		d.error(ctx, conn.ID(), msgUnknownEvent)
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, conn Conn, data json.RawMessage) {
	var payload JoinPayload

	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.SessionID) == "" {
		d.error(ctx, conn.ID(), msgSessionRequired)
		return
	}

	sessionID := payload.SessionID

	prior, err := d.Sessions.GetSession(ctx, sessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	if prior != nil && prior.ConnectionID != "" && prior.ConnectionID != conn.ID() {
		// Another connection holds this session. Detach it first so its
		// disconnect handler cannot tear down state the new connection is
		// about to own, then close it and clean up silently.
		_ = d.Emitter.ForceClose(ctx, prior.ConnectionID, true, reasonTakeover)
		d.cascade(ctx, prior, false)
	}

	if err := d.Sessions.AddSession(ctx, sessionID, conn.ID()); err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	conn.BindSession(sessionID)

	d.emit(ctx, conn.ID(), EventJoined, nil)
}

func (d *Dispatcher) handleFindRandom(ctx context.Context, conn Conn) {
	session, ok := d.requireIdle(ctx, conn)

	if !ok {
		return
	}

	// Joining the queue supersedes any pending invite.
	if _, err := d.Invites.CancelInvite(ctx, session.SessionID); err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	room, err := d.Rooms.JoinQueue(ctx, session.SessionID, conn.ID())

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	if room == nil {
		d.emit(ctx, conn.ID(), EventWaiting, nil)
		return
	}

	matchesTotal.WithLabelValues("random").Inc()

	d.notifyMatched(ctx, room)
}

// notifyMatched tells both members of a freshly installed room about it. The
// room is fully visible in the stores before either side hears "matched".
func (d *Dispatcher) notifyMatched(ctx context.Context, room *Room) {
	payload := MatchedPayload{RoomID: room.RoomID}

	d.emit(ctx, room.Session1.ConnectionID, EventMatched, payload)
	d.emit(ctx, room.Session2.ConnectionID, EventMatched, payload)
}

func (d *Dispatcher) handleCancelSearch(ctx context.Context, conn Conn) {
	sessionID := conn.SessionID()

	if sessionID == "" {
		return
	}

	if err := d.Rooms.LeaveQueue(ctx, sessionID); err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	// A match may have completed just before the cancel arrived; if so the
	// session is in a room now and leaving it is what the client meant.
	_ = d.leaveRoom(ctx, sessionID)
}

func (d *Dispatcher) handleCreateInvite(ctx context.Context, conn Conn) {
	session, ok := d.requireIdle(ctx, conn)

	if !ok {
		return
	}

	queued, err := d.Rooms.InQueue(ctx, session.SessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	if queued {
		d.error(ctx, conn.ID(), msgAlreadySearching)
		return
	}

	// A fresh invite replaces any outstanding one.
	if _, err := d.Invites.CancelInvite(ctx, session.SessionID); err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	code, err := d.Invites.CreateInvite(ctx, session.SessionID, conn.ID())

	if err == ErrNoFreeCode {
		d.error(ctx, conn.ID(), msgNoFreeCode)
		return
	}

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	d.emit(ctx, conn.ID(), EventInviteCreated, InvitePayload{Code: code})
}

func (d *Dispatcher) handleJoinInvite(ctx context.Context, conn Conn, data json.RawMessage) {
	session, ok := d.requireIdle(ctx, conn)

	if !ok {
		return
	}

	queued, err := d.Rooms.InQueue(ctx, session.SessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	if queued {
		d.error(ctx, conn.ID(), msgAlreadySearching)
		return
	}

	var payload InvitePayload

	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.Code) == "" {
		d.error(ctx, conn.ID(), msgCodeRequired)
		return
	}

	code := NormalizeInviteCode(payload.Code)

	invite, err := d.Invites.RedeemInvite(ctx, code)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	if invite == nil {
		d.error(ctx, conn.ID(), msgInviteNotFound)
		return
	}

	if invite.SessionID == session.SessionID {
		d.error(ctx, conn.ID(), msgSelfInvite)
		return
	}

	issuer, err := d.Sessions.GetSession(ctx, invite.SessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	// An issuer that vanished or got matched elsewhere is indistinguishable
	// from an expired code on purpose.
	if issuer == nil || issuer.RoomID != "" {
		d.error(ctx, conn.ID(), msgInviteNotFound)
		return
	}

	_ = d.Rooms.LeaveQueue(ctx, issuer.SessionID)
	_ = d.Rooms.LeaveQueue(ctx, session.SessionID)

	room := &Room{
		RoomID:   NewRoomID(),
		Session1: RoomMember{SessionID: issuer.SessionID, ConnectionID: issuer.ConnectionID},
		Session2: RoomMember{SessionID: session.SessionID, ConnectionID: conn.ID()},
	}

	if err := d.Rooms.InstallRoom(ctx, room); err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	matchesTotal.WithLabelValues("invite").Inc()

	d.notifyMatched(ctx, room)
}

func (d *Dispatcher) handleKeyExchange(ctx context.Context, conn Conn, data json.RawMessage) {
	var payload KeyPayload

	if err := json.Unmarshal(data, &payload); err != nil || payload.PublicKey == "" {
		d.error(ctx, conn.ID(), msgKeyRequired)
		return
	}

	peer, ok := d.requirePeer(ctx, conn)

	if !ok {
		return
	}

	d.emit(ctx, peer, EventPeerKey, KeyPayload{PublicKey: payload.PublicKey})
}

func (d *Dispatcher) handleSendEncrypted(ctx context.Context, conn Conn, data json.RawMessage) {
	var payload EncryptedPayload

	if err := json.Unmarshal(data, &payload); err != nil || payload.Encrypted == "" {
		d.error(ctx, conn.ID(), msgPayloadRequired)
		return
	}

	sessionID := conn.SessionID()

	if sessionID == "" {
		d.error(ctx, conn.ID(), msgNotInChat)
		return
	}

	room, err := d.Rooms.RoomBySession(ctx, sessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	if room == nil {
		d.error(ctx, conn.ID(), msgNotInChat)
		return
	}

	allowed, err := d.Limiter.Allow(ctx, sessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	if !allowed {
		d.error(ctx, conn.ID(), msgRateLimited)
		return
	}

	if Base64DecodedLen(payload.Encrypted) > MaxEncryptedBytes {
		d.error(ctx, conn.ID(), msgOversize)
		return
	}

	// The rate token above is spent even if the peer lookup comes up empty,
	// so a missing recipient cannot be probed for free.
	peerConn, err := d.Rooms.PeerConnectionID(ctx, room.RoomID, sessionID)

	if err != nil || peerConn == "" {
		return
	}

	relayedTotal.Inc()

	d.emit(ctx, peerConn, EventReceiveEncrypted, EncryptedPayload{Encrypted: payload.Encrypted})
}

// handleRelay forwards an opaque payload to the peer under a new event name.
func (d *Dispatcher) handleRelay(ctx context.Context, conn Conn, event string, data json.RawMessage) {
	peer, ok := d.requirePeer(ctx, conn)

	if !ok {
		return
	}

	if data == nil {
		d.emit(ctx, peer, event, nil)
		return
	}

	d.emit(ctx, peer, event, data)
}

func (d *Dispatcher) handleReport(ctx context.Context, conn Conn) {
	sessionID := conn.SessionID()

	if sessionID == "" {
		d.error(ctx, conn.ID(), msgNotInChat)
		return
	}

	room, err := d.Rooms.RoomBySession(ctx, sessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return
	}

	if room == nil {
		d.error(ctx, conn.ID(), msgNotInChat)
		return
	}

	peerConn, _ := d.Rooms.PeerConnectionID(ctx, room.RoomID, sessionID)

	ended := EndedPayload{Reason: reasonReport}

	d.emit(ctx, conn.ID(), EventChatEnded, ended)

	if peerConn != "" {
		d.emit(ctx, peerConn, EventChatEnded, ended)
	}

	if err := d.Rooms.DestroyRoom(ctx, room.RoomID); err != nil {
		d.Log.Error().Err(err).Str("room", room.RoomID).Msg("destroy on report failed")
	}

	_ = d.Emitter.ForceClose(ctx, conn.ID(), false, reasonReport)

	if peerConn != "" {
		_ = d.Emitter.ForceClose(ctx, peerConn, false, reasonReport)
	}
}

func (d *Dispatcher) handleLeaveRoom(ctx context.Context, conn Conn) {
	sessionID := conn.SessionID()

	if sessionID == "" {
		return
	}

	_ = d.leaveRoom(ctx, sessionID)
}

// Disconnect runs the cascade for a connection whose transport has gone
// away. A connection whose session binding was detached (takeover) or whose
// session has moved to another connection cleans up nothing.
func (d *Dispatcher) Disconnect(ctx context.Context, conn Conn) {
	sessionID := conn.SessionID()

	if sessionID == "" {
		return
	}

	session, err := d.Sessions.GetSession(ctx, sessionID)

	if err != nil {
		d.Log.Error().Err(err).Msg("disconnect cleanup failed")
		return
	}

	if session == nil || session.ConnectionID != conn.ID() {
		return
	}

	d.cascade(ctx, session, true)
}

// ExpireSessions runs the cascade for a batch of sessions that passed their
// TTL, force-closing any connection still attached.
func (d *Dispatcher) ExpireSessions(ctx context.Context, batch []Session) {
	for i := range batch {
		session := batch[i]

		d.Log.Info().Str("session", session.SessionID).Msg("session expired")

		if session.ConnectionID != "" {
			_ = d.Emitter.ForceClose(ctx, session.ConnectionID, true, "Session expired.")
		}

		d.cascade(ctx, &session, true)
	}
}

// cascade is the fixed cleanup sequence run whenever a session leaves for
// any reason: dequeue, cancel invite, notify peer and destroy room, clear
// the rate counter, remove the session. Every step is a no-op when the
// session holds nothing, so repeat runs are safe.
func (d *Dispatcher) cascade(ctx context.Context, session *Session, notifyPeer bool) {
	sessionID := session.SessionID

	_ = d.Rooms.LeaveQueue(ctx, sessionID)
	_, _ = d.Invites.CancelInvite(ctx, sessionID)

	if notifyPeer {
		_ = d.leaveRoom(ctx, sessionID)
	} else if room, err := d.Rooms.RoomBySession(ctx, sessionID); err == nil && room != nil {
		_ = d.Rooms.DestroyRoom(ctx, room.RoomID)
	}

	_ = d.Limiter.Clear(ctx, sessionID)
	_ = d.Sessions.RemoveSession(ctx, sessionID)
}

// leaveRoom tells the peer the chat is over and destroys the room. Returns
// false when the session was not in a room.
func (d *Dispatcher) leaveRoom(ctx context.Context, sessionID string) bool {
	room, err := d.Rooms.RoomBySession(ctx, sessionID)

	if err != nil || room == nil {
		return false
	}

	peerConn, _ := d.Rooms.PeerConnectionID(ctx, room.RoomID, sessionID)

	if peerConn != "" {
		d.emit(ctx, peerConn, EventChatEnded, EndedPayload{Reason: reasonPeerLeft})
	}

	if err := d.Rooms.DestroyRoom(ctx, room.RoomID); err != nil {
		d.Log.Error().Err(err).Str("room", room.RoomID).Msg("destroy room failed")
		return true
	}

	return true
}

// requireIdle fetches the caller's session and rejects the transition when
// the session is unknown or already in a room.
func (d *Dispatcher) requireIdle(ctx context.Context, conn Conn) (*Session, bool) {
	sessionID := conn.SessionID()

	if sessionID == "" {
		d.error(ctx, conn.ID(), msgSessionUnknown)
		return nil, false
	}

	session, err := d.Sessions.GetSession(ctx, sessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return nil, false
	}

	if session == nil {
		d.error(ctx, conn.ID(), msgSessionUnknown)
		return nil, false
	}

	if session.RoomID != "" {
		d.error(ctx, conn.ID(), msgAlreadyInChat)
		return nil, false
	}

	return session, true
}

// requirePeer resolves the caller's peer connection for relay events.
func (d *Dispatcher) requirePeer(ctx context.Context, conn Conn) (string, bool) {
	sessionID := conn.SessionID()

	if sessionID == "" {
		d.error(ctx, conn.ID(), msgNotInChat)
		return "", false
	}

	room, err := d.Rooms.RoomBySession(ctx, sessionID)

	if err != nil {
		d.error(ctx, conn.ID(), msgBackendDown)
		return "", false
	}

	if room == nil {
		d.error(ctx, conn.ID(), msgNotInChat)
		return "", false
	}

	peerConn, err := d.Rooms.PeerConnectionID(ctx, room.RoomID, sessionID)

	if err != nil || peerConn == "" {
		return "", false
	}

	return peerConn, true
}
