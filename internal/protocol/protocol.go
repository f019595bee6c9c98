// Package protocol defines the JSON event frames exchanged over a client
// socket. Every frame is {"event": string, "data": object}; the event set is
// closed and each event has a fixed payload shape.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/slowplay/slowplay/internal/sportclock"
)

// Inbound event names.
const (
	EventJoinRoom     = "join-room"
	EventSyncGameTime = "sync-game-time"
	EventSendMessage  = "send-message"
)

// Outbound event names.
const (
	EventJoinedRoom     = "joined-room"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventUserSynced     = "user-synced"
	EventSyncConfirmed  = "sync-confirmed"
	EventOffsetUpdated  = "offset-updated"
	EventNewMessage     = "new-message"
	EventSessionExpired = "session-expired"
	EventError          = "error"
)

// Error kinds surfaced to clients. The wire format carries only a human
// readable message; these constants keep server-side classification stable.
const (
	ErrInvalidRoomID   = "InvalidRoomId"
	ErrInvalidNickname = "InvalidNickname"
	ErrInvalidSport    = "InvalidSport"
	ErrInvalidTime     = "InvalidTime"
	ErrInvalidMessage  = "InvalidMessage"
	ErrRateLimited     = "RateLimited"
	ErrMustJoinFirst   = "MustJoinFirst"
	ErrStoreFailure    = "StoreFailure"
	ErrInternal        = "InternalError"
)

// Frame is the envelope for every event in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseFrame decodes a raw socket payload into a Frame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("frame missing event name")
	}
	return f, nil
}

// Encode builds the wire bytes for an outbound event.
func Encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: payload})
}

// MustEncode is Encode for payloads built from internal state, where a
// marshal failure is a programming error.
func MustEncode(event string, data any) []byte {
	raw, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return raw
}

// JoinRoomRequest is the payload of join-room.
type JoinRoomRequest struct {
	RoomCode  string    `json:"roomCode"`
	Nickname  string    `json:"nickname"`
	SessionID string    `json:"sessionId,omitempty"`
	Sport     string    `json:"sport,omitempty"`
	RoomMeta  *RoomMeta `json:"roomMeta,omitempty"`
}

// RoomMeta is optional display metadata supplied by the first joiner.
type RoomMeta struct {
	RoomName string `json:"roomName,omitempty"`
	Teams    string `json:"teams,omitempty"`
	GameDate string `json:"gameDate,omitempty"`
}

// SyncRequest is the payload of sync-game-time.
type SyncRequest struct {
	Period  int `json:"period"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// SendMessageRequest is the payload of send-message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// RosterUser is one entry of the roster carried by joined-room.
type RosterUser struct {
	SocketID string               `json:"socketId"`
	Nickname string               `json:"nickname"`
	Synced   bool                 `json:"synced"`
	OffsetMs int64                `json:"offsetMs"`
	GameTime *sportclock.GameTime `json:"gameTime,omitempty"`
}

// ChatMessage is a delivered chat message. SessionID is the sender's durable
// session, stable across reconnects, so clients can correlate history with
// the roster.
type ChatMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Nickname  string `json:"nickname"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // server accept instant, Unix ms
}

// SportConfig describes the room's sport to the client.
type SportConfig struct {
	Tag           string `json:"tag"`
	Periods       int    `json:"periods"`
	PeriodMinutes int    `json:"periodMinutes"`
	Direction     string `json:"direction"`
}

// JoinedRoom is the payload of joined-room, sent to the joiner only.
type JoinedRoom struct {
	RoomCode    string               `json:"roomCode"`
	SessionID   string               `json:"sessionId"`
	IsReconnect bool                 `json:"isReconnect"`
	Users       []RosterUser         `json:"users"`
	Messages    []ChatMessage        `json:"messages"`
	SyncState   *sportclock.GameTime `json:"syncState,omitempty"`
	OffsetMs    int64                `json:"offsetMs"`
	Sport       SportConfig          `json:"sport"`
	RoomMeta    *RoomMeta            `json:"roomMeta,omitempty"`
}

// UserJoined is broadcast to the rest of the room on a join.
type UserJoined struct {
	SocketID string `json:"socketId"`
	Nickname string `json:"nickname"`
}

// UserLeft is broadcast to the rest of the room on a disconnect.
type UserLeft struct {
	SocketID string `json:"socketId"`
	Nickname string `json:"nickname"`
}

// SyncConfirmed is the reply to a successful sync-game-time.
type SyncConfirmed struct {
	OffsetMs       int64               `json:"offsetMs"`
	IsBaseline     bool                `json:"isBaseline"`
	ElapsedSeconds int                 `json:"elapsedSeconds"`
	GameTime       sportclock.GameTime `json:"gameTime"`
}

// UserSynced is broadcast when any user's sync state changes.
type UserSynced struct {
	SocketID string              `json:"socketId"`
	Nickname string              `json:"nickname"`
	OffsetMs int64               `json:"offsetMs"`
	GameTime sportclock.GameTime `json:"gameTime"`
}

// OffsetUpdated is unicast to a user whose own offset changed because someone
// else moved the baseline.
type OffsetUpdated struct {
	OffsetMs int64 `json:"offsetMs"`
}

// SessionExpired is sent before the server drops an over-age socket.
type SessionExpired struct {
	Reason string `json:"reason"`
}

// ErrorReply is the payload of the error event. RetryAfter is only set on
// rate-limit rejections.
type ErrorReply struct {
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter,omitempty"` // seconds
}
