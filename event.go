package main

import "encoding/json"

// Incoming
const EventJoin = "join"
const EventFindRandom = "find-random"
const EventCancelSearch = "cancel-search"
const EventCreateInvite = "create-invite"
const EventJoinInvite = "join-invite"
const EventKeyExchange = "key-exchange"
const EventSendEncrypted = "send-encrypted"
const EventSecurityAlert = "security-alert"
const EventChatReady = "chat-ready"
const EventReport = "report"
const EventLeaveRoom = "leave-room"

// Outgoing
const EventJoined = "joined"
const EventWaiting = "waiting"
const EventMatched = "matched"
const EventInviteCreated = "invite-created"
const EventPeerKey = "peer-key"
const EventReceiveEncrypted = "receive-encrypted"
const EventPeerSecurityAlert = "peer-security-alert"
const EventPeerReady = "peer-ready"
const EventChatEnded = "chat-ended"
const EventError = "error"

// Frame is the wire representation of a single client or server event.
// Data is left opaque here; individual handlers decode only the fields
// they care about and relayed payloads are forwarded verbatim.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	SessionID string `json:"sessionId"`
}

type InvitePayload struct {
	Code string `json:"code"`
}

type KeyPayload struct {
	PublicKey string `json:"publicKey"`
}

type EncryptedPayload struct {
	Encrypted string `json:"encrypted"`
}

type MatchedPayload struct {
	RoomID string `json:"roomId"`
}

type EndedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
