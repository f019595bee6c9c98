// Package registry owns the live in-memory state: rooms, their users, the
// per-user delay offsets and a bounded cache of recent messages.
//
// Concurrency contract: every operation on a room runs under that room's
// lock, so room state transitions are serialized. Operations on different
// rooms do not contend.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slowplay/slowplay/internal/monitoring"
	"github.com/slowplay/slowplay/internal/protocol"
	"github.com/slowplay/slowplay/internal/sportclock"
)

// MessageCacheCap bounds the in-memory recent-message cache per room.
const MessageCacheCap = 50

// User is the live presence of one socket in a room.
type User struct {
	SocketID       string
	Nickname       string
	SessionID      string
	JoinedAt       time.Time
	Synced         bool
	GameTime       sportclock.GameTime
	ElapsedSeconds int
	OffsetMs       int64
}

// Room holds one live room. All fields are guarded by mu.
type Room struct {
	mu       sync.Mutex
	code     string
	durID    string
	sport    sportclock.Sport
	meta     *protocol.RoomMeta
	users    map[string]*User // socketID → user
	messages []protocol.ChatMessage
}

// OffsetChange describes one user whose offset moved during a recompute.
type OffsetChange struct {
	SocketID string
	Nickname string
	OffsetMs int64
	GameTime sportclock.GameTime
}

// SyncResult is the outcome of UpdateUserGameTime.
type SyncResult struct {
	OffsetMs       int64
	IsBaseline     bool
	ElapsedSeconds int
	GameTime       sportclock.GameTime
	// ChangedOffsets lists the other users whose offset moved as a result.
	ChangedOffsets []OffsetChange
}

// Recipient is a fan-out target snapshot.
type Recipient struct {
	SocketID string
	Synced   bool
	OffsetMs int64
}

// Registry maps room codes to live rooms.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	logger zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// InitializeRoom materialises a room in memory, attaching its durable id and
// sport, and hydrating the message cache from preloaded history if the cache
// is empty. Idempotent.
func (r *Registry) InitializeRoom(roomCode, durableID string, sport sportclock.Sport, meta *protocol.RoomMeta, preloaded []protocol.ChatMessage) {
	r.mu.Lock()
	room, ok := r.rooms[roomCode]
	if !ok {
		room = &Room{
			code:  roomCode,
			durID: durableID,
			sport: sport,
			meta:  meta,
			users: make(map[string]*User),
		}
		r.rooms[roomCode] = room
		monitoring.RoomsActive.Set(float64(len(r.rooms)))
		r.logger.Info().Str("room", roomCode).Str("sport", sport.Tag).Msg("room materialised")
	}
	r.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.messages) == 0 && len(preloaded) > 0 {
		start := 0
		if len(preloaded) > MessageCacheCap {
			start = len(preloaded) - MessageCacheCap
		}
		room.messages = append(room.messages, preloaded[start:]...)
	}
}

// RoomInfo returns the durable id, sport and metadata of a live room.
func (r *Registry) RoomInfo(roomCode string) (durableID string, sport sportclock.Sport, meta *protocol.RoomMeta, ok bool) {
	room := r.get(roomCode)
	if room == nil {
		return "", sportclock.Sport{}, nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.durID, room.sport, room.meta, true
}

// AddUser attaches a user to a room. A restored sync snapshot (reconnect
// path) seeds the user's game time and triggers an offset recompute; the
// returned changes cover other users whose offset moved.
func (r *Registry) AddUser(roomCode string, u User, restored *sportclock.GameTime, restoredElapsed int) ([]OffsetChange, error) {
	room := r.get(roomCode)
	if room == nil {
		return nil, fmt.Errorf("room %q not initialised", roomCode)
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	user := &User{
		SocketID:  u.SocketID,
		Nickname:  u.Nickname,
		SessionID: u.SessionID,
		JoinedAt:  u.JoinedAt,
	}
	if restored != nil {
		user.Synced = true
		user.GameTime = *restored
		user.ElapsedSeconds = restoredElapsed
	}
	room.users[u.SocketID] = user

	if restored != nil {
		return room.recomputeOffsets(u.SocketID), nil
	}
	return nil, nil
}

// NicknameInUse reports whether a live user other than socketID already
// carries the nickname, along with the session id holding it. A joiner that
// presents the holder's session id is a takeover, not a collision.
func (r *Registry) NicknameInUse(roomCode, nickname, socketID string) (string, bool) {
	room := r.get(roomCode)
	if room == nil {
		return "", false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	for id, u := range room.users {
		if id != socketID && u.Nickname == nickname {
			return u.SessionID, true
		}
	}
	return "", false
}

// RemoveUser detaches a socket from its room. When the departed user was the
// baseline, offsets are recomputed and the changes returned. When the room
// empties it is dropped from memory; the durable row is untouched.
func (r *Registry) RemoveUser(roomCode, socketID string) (removed *User, changes []OffsetChange, roomEmpty bool) {
	room := r.get(roomCode)
	if room == nil {
		return nil, nil, false
	}

	room.mu.Lock()
	user, ok := room.users[socketID]
	if !ok {
		room.mu.Unlock()
		return nil, nil, false
	}
	delete(room.users, socketID)

	wasBaseline := user.Synced && user.OffsetMs == 0
	if wasBaseline {
		changes = room.recomputeOffsets(socketID)
	}
	empty := len(room.users) == 0
	room.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check under the registry lock; a concurrent join may have
		// repopulated the room.
		room.mu.Lock()
		if len(room.users) == 0 {
			delete(r.rooms, roomCode)
			monitoring.RoomsActive.Set(float64(len(r.rooms)))
			r.logger.Info().Str("room", roomCode).Msg("room dropped from memory")
		} else {
			empty = false
		}
		room.mu.Unlock()
		r.mu.Unlock()
	}
	return user, changes, empty
}

// UpdateUserGameTime validates and applies a sync, then recomputes every
// offset in the room.
func (r *Registry) UpdateUserGameTime(roomCode, socketID string, period, minutes, seconds int) (SyncResult, error) {
	room := r.get(roomCode)
	if room == nil {
		return SyncResult{}, fmt.Errorf("room %q not initialised", roomCode)
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	user, ok := room.users[socketID]
	if !ok {
		return SyncResult{}, fmt.Errorf("socket %q not in room %q", socketID, roomCode)
	}

	elapsed, err := room.sport.ToElapsed(period, minutes, seconds)
	if err != nil {
		return SyncResult{}, err
	}

	user.Synced = true
	user.GameTime = sportclock.GameTime{Period: period, Minutes: minutes, Seconds: seconds}
	user.GameTime.Display = room.sport.Display(user.GameTime)
	user.ElapsedSeconds = elapsed

	changed := room.recomputeOffsets(socketID)

	return SyncResult{
		OffsetMs:       user.OffsetMs,
		IsBaseline:     user.OffsetMs == 0,
		ElapsedSeconds: elapsed,
		GameTime:       user.GameTime,
		ChangedOffsets: changed,
	}, nil
}

// recomputeOffsets applies offsetMs = 1000 × (maxElapsed − elapsed) to every
// synced user and returns the users other than exclude whose offset changed.
// Unsynced users keep the zero sentinel. Caller holds room.mu.
func (room *Room) recomputeOffsets(exclude string) []OffsetChange {
	maxElapsed := -1
	for _, u := range room.users {
		if u.Synced && u.ElapsedSeconds > maxElapsed {
			maxElapsed = u.ElapsedSeconds
		}
	}
	if maxElapsed < 0 {
		return nil
	}

	var changed []OffsetChange
	for _, u := range room.users {
		if !u.Synced {
			continue
		}
		offset := int64(maxElapsed-u.ElapsedSeconds) * 1000
		if offset != u.OffsetMs {
			u.OffsetMs = offset
			if u.SocketID != exclude {
				changed = append(changed, OffsetChange{
					SocketID: u.SocketID,
					Nickname: u.Nickname,
					OffsetMs: offset,
					GameTime: u.GameTime,
				})
			}
		}
	}
	return changed
}

// AddMessage appends a message to the room's cache, dropping the oldest
// entry past the cap.
func (r *Registry) AddMessage(roomCode string, msg protocol.ChatMessage) error {
	room := r.get(roomCode)
	if room == nil {
		return fmt.Errorf("room %q not initialised", roomCode)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.messages = append(room.messages, msg)
	if len(room.messages) > MessageCacheCap {
		room.messages = room.messages[len(room.messages)-MessageCacheCap:]
	}
	return nil
}

// Messages returns a copy of the room's cached messages, oldest-first.
func (r *Registry) Messages(roomCode string) []protocol.ChatMessage {
	room := r.get(roomCode)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]protocol.ChatMessage, len(room.messages))
	copy(out, room.messages)
	return out
}

// Roster returns a snapshot of the room's users for the joined-room payload.
func (r *Registry) Roster(roomCode string) []protocol.RosterUser {
	room := r.get(roomCode)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]protocol.RosterUser, 0, len(room.users))
	for _, u := range room.users {
		ru := protocol.RosterUser{
			SocketID: u.SocketID,
			Nickname: u.Nickname,
			Synced:   u.Synced,
			OffsetMs: u.OffsetMs,
		}
		if u.Synced {
			gt := u.GameTime
			ru.GameTime = &gt
		}
		out = append(out, ru)
	}
	return out
}

// Recipients returns a fan-out snapshot of the room's users.
func (r *Registry) Recipients(roomCode string) []Recipient {
	room := r.get(roomCode)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]Recipient, 0, len(room.users))
	for _, u := range room.users {
		out = append(out, Recipient{SocketID: u.SocketID, Synced: u.Synced, OffsetMs: u.OffsetMs})
	}
	return out
}

// User returns a copy of one live user.
func (r *Registry) User(roomCode, socketID string) (User, bool) {
	room := r.get(roomCode)
	if room == nil {
		return User{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	u, ok := room.users[socketID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// UserCount returns the number of live users in a room (0 when the room is
// not materialised).
func (r *Registry) UserCount(roomCode string) int {
	room := r.get(roomCode)
	if room == nil {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.users)
}

func (r *Registry) get(roomCode string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomCode]
}
