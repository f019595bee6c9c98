package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/slowplay/slowplay/internal/monitoring"
	"github.com/slowplay/slowplay/internal/protocol"
	"github.com/slowplay/slowplay/internal/registry"
	"github.com/slowplay/slowplay/internal/sportclock"
	"github.com/slowplay/slowplay/internal/store"
	"github.com/slowplay/slowplay/internal/validate"
)

const storeTimeout = 10 * time.Second

// handleFrame routes one inbound frame. Everything except join-room requires
// the socket to be in a room already.
func (s *Server) handleFrame(c *Client, raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, "malformed frame", 0)
		return
	}

	switch frame.Event {
	case protocol.EventJoinRoom:
		s.handleJoinRoom(c, frame.Data)
	case protocol.EventSyncGameTime:
		if roomCode, _, _ := c.session(); roomCode == "" {
			s.sendError(c, protocol.ErrMustJoinFirst, "join a room before syncing", 0)
			return
		}
		s.handleSyncGameTime(c, frame.Data)
	case protocol.EventSendMessage:
		if roomCode, _, _ := c.session(); roomCode == "" {
			s.sendError(c, protocol.ErrMustJoinFirst, "join a room before sending messages", 0)
			return
		}
		s.handleSendMessage(c, frame.Data)
	default:
		s.sendError(c, protocol.ErrInvalidMessage, "unknown event: "+frame.Event, 0)
	}
}

func (s *Server) handleJoinRoom(c *Client, data json.RawMessage) {
	var req protocol.JoinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, "malformed join-room payload", 0)
		return
	}

	roomCode, err := validate.RoomCode(req.RoomCode)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidRoomID, err.Error(), 0)
		return
	}
	nickname, err := validate.Nickname(req.Nickname)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidNickname, err.Error(), 0)
		return
	}
	// The sport is optional: an existing room keeps its own, and a brand-new
	// room without one gets the default.
	sportTag := req.Sport
	if sportTag == "" {
		sportTag = sportclock.DefaultTag
	}
	sport, ok := sportclock.Lookup(sportTag)
	if !ok {
		s.sendError(c, protocol.ErrInvalidSport, "unsupported sport: "+req.Sport, 0)
		return
	}

	// A nickname held by a live user belongs to that user's session; only a
	// joiner presenting the same session id may reclaim it.
	if holder, inUse := s.registry.NicknameInUse(roomCode, nickname, c.ID); inUse && holder != req.SessionID {
		s.sendError(c, protocol.ErrInvalidNickname, "nickname already in use in this room", 0)
		return
	}

	params := store.JoinParams{
		RoomCode:        roomCode,
		Nickname:        nickname,
		ClientSessionID: req.SessionID,
		SportTag:        sport.Tag,
	}
	if req.RoomMeta != nil {
		params.RoomName = req.RoomMeta.RoomName
		params.Teams = req.RoomMeta.Teams
		params.GameDate = req.RoomMeta.GameDate
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	sess, room, isReconnect, err := s.store.GetOrCreateSession(ctx, params)
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomCode).Msg("join failed at store")
		s.sendError(c, protocol.ErrStoreFailure, "could not join room, please retry", 0)
		return
	}

	// The room's sport is fixed by its first joiner; the request's sport is
	// only a creation hint.
	sport, ok = sportclock.Lookup(room.SportTag)
	if !ok {
		s.sendError(c, protocol.ErrInvalidSport, "unsupported sport: "+room.SportTag, 0)
		return
	}

	// A second device claiming the same (room, nickname) takes the session
	// over; the older socket is evicted.
	if sess.CurrentSocketID != "" && sess.CurrentSocketID != c.ID {
		s.evictSocket(sess.CurrentSocketID, roomCode)
	}

	if err := s.store.ConnectSession(ctx, sess.ID, c.ID); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("connect session failed")
		s.sendError(c, protocol.ErrStoreFailure, "could not join room, please retry", 0)
		return
	}

	history, err := s.store.LoadRecentMessages(ctx, room.ID, registry.MessageCacheCap)
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomCode).Msg("history load failed")
		history = nil
	}

	meta := roomMeta(room)
	s.registry.InitializeRoom(roomCode, room.ID, sport, meta, toChatMessages(history))

	var restored *sportclock.GameTime
	restoredElapsed := 0
	if isReconnect && sess.GameTime != nil {
		gt := sportclock.GameTime{
			Period:  sess.GameTime.Period,
			Minutes: sess.GameTime.Minutes,
			Seconds: sess.GameTime.Seconds,
		}
		gt.Display = sport.Display(gt)
		restored = &gt
		restoredElapsed = sess.GameTime.ElapsedSeconds
	}

	changes, err := s.registry.AddUser(roomCode, registry.User{
		SocketID:  c.ID,
		Nickname:  nickname,
		SessionID: sess.ID,
		JoinedAt:  time.Now(),
	}, restored, restoredElapsed)
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomCode).Msg("registry add failed")
		s.sendError(c, protocol.ErrInternal, "could not join room, please retry", 0)
		return
	}

	c.setSession(roomCode, sess.ID, nickname)
	if isReconnect {
		monitoring.SessionsReconnected.Inc()
	}

	if !c.identity.Guest {
		userID := c.identity.UserID
		s.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := s.store.LinkSessionUser(ctx, sess.ID, userID); err != nil {
				monitoring.StoreWriteFailures.WithLabelValues("link_session_user").Inc()
			}
			if err := s.store.TouchRecentRoom(ctx, userID, roomCode); err != nil {
				monitoring.StoreWriteFailures.WithLabelValues("touch_recent_room").Inc()
			}
		})
	}

	ownOffset := int64(0)
	if u, ok := s.registry.User(roomCode, c.ID); ok {
		ownOffset = u.OffsetMs
	}

	s.sendEvent(c, protocol.EventJoinedRoom, protocol.JoinedRoom{
		RoomCode:    roomCode,
		SessionID:   sess.ID,
		IsReconnect: isReconnect,
		Users:       s.registry.Roster(roomCode),
		Messages:    s.registry.Messages(roomCode),
		SyncState:   restored,
		OffsetMs:    ownOffset,
		Sport: protocol.SportConfig{
			Tag:           sport.Tag,
			Periods:       sport.Periods,
			PeriodMinutes: sport.PeriodMinutes,
			Direction:     string(sport.Direction),
		},
		RoomMeta: meta,
	})

	s.broadcastToRoom(roomCode, c.ID, protocol.MustEncode(protocol.EventUserJoined, protocol.UserJoined{
		SocketID: c.ID,
		Nickname: nickname,
	}))
	s.notifyOffsetChanges(roomCode, changes)

	s.logger.Info().
		Str("socket_id", c.ID).
		Str("room", roomCode).
		Str("nickname", nickname).
		Bool("reconnect", isReconnect).
		Msg("user joined room")
}

func (s *Server) handleSyncGameTime(c *Client, data json.RawMessage) {
	var req protocol.SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, "malformed sync-game-time payload", 0)
		return
	}
	roomCode, sessionID, nickname := c.session()

	result, err := s.registry.UpdateUserGameTime(roomCode, c.ID, req.Period, req.Minutes, req.Seconds)
	if err != nil {
		var ite *sportclock.InvalidTimeError
		if errors.As(err, &ite) {
			s.sendError(c, protocol.ErrInvalidTime, ite.Error(), 0)
		} else {
			s.sendError(c, protocol.ErrInternal, "sync failed, please retry", 0)
		}
		return
	}

	s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		err := s.store.UpdateSessionGameTime(ctx, sessionID, store.StoredGameTime{
			Period:         result.GameTime.Period,
			Minutes:        result.GameTime.Minutes,
			Seconds:        result.GameTime.Seconds,
			ElapsedSeconds: result.ElapsedSeconds,
		})
		if err != nil {
			monitoring.StoreWriteFailures.WithLabelValues("update_game_time").Inc()
		}
	})

	s.sendEvent(c, protocol.EventSyncConfirmed, protocol.SyncConfirmed{
		OffsetMs:       result.OffsetMs,
		IsBaseline:     result.IsBaseline,
		ElapsedSeconds: result.ElapsedSeconds,
		GameTime:       result.GameTime,
	})
	s.broadcastToRoom(roomCode, c.ID, protocol.MustEncode(protocol.EventUserSynced, protocol.UserSynced{
		SocketID: c.ID,
		Nickname: nickname,
		OffsetMs: result.OffsetMs,
		GameTime: result.GameTime,
	}))
	s.notifyOffsetChanges(roomCode, result.ChangedOffsets)
}

func (s *Server) handleSendMessage(c *Client, data json.RawMessage) {
	var req protocol.SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, "malformed send-message payload", 0)
		return
	}
	content, err := validate.MessageContent(req.Content)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error(), 0)
		return
	}

	allowed, retryAfter := s.messages.Allow(c.ID)
	if !allowed {
		monitoring.MessagesRateLimited.Inc()
		retrySecs := int64((retryAfter + time.Second - 1) / time.Second)
		s.sendError(c, protocol.ErrRateLimited, "sending too fast, slow down", retrySecs)
		return
	}

	roomCode, sessionID, nickname := c.session()
	now := time.Now()
	msg := protocol.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Nickname:  nickname,
		Content:   content,
		Timestamp: now.UnixMilli(),
	}
	monitoring.MessagesAccepted.Inc()

	if err := s.registry.AddMessage(roomCode, msg); err != nil {
		s.sendError(c, protocol.ErrInternal, "could not send message, please retry", 0)
		return
	}

	durableID, _, _, ok := s.registry.RoomInfo(roomCode)
	if ok {
		s.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			err := s.store.AppendMessage(ctx, store.Message{
				ID:             msg.ID,
				RoomID:         durableID,
				SessionID:      sessionID,
				SenderNickname: nickname,
				Content:        content,
				Timestamp:      now,
			})
			if err != nil {
				monitoring.StoreWriteFailures.WithLabelValues("append_message").Inc()
			}
		})
	}

	s.fanOut(c.ID, roomCode, protocol.MustEncode(protocol.EventNewMessage, msg), now)
}

// fanOut applies the delivery rule: the sender, unsynced viewers and
// baseline viewers get the message immediately; everyone else gets it after
// their offset elapses.
func (s *Server) fanOut(senderID, roomCode string, payload []byte, now time.Time) {
	for _, rec := range s.registry.Recipients(roomCode) {
		if rec.SocketID == senderID || !rec.Synced || rec.OffsetMs == 0 {
			s.mu.RLock()
			client, ok := s.clients[rec.SocketID]
			s.mu.RUnlock()
			if ok {
				monitoring.MessagesDelivered.WithLabelValues("immediate").Inc()
				s.push(client, payload)
			}
			continue
		}
		s.queue.Enqueue(rec.SocketID, payload, now.Add(time.Duration(rec.OffsetMs)*time.Millisecond))
	}
}

// handleLeave removes a departed socket from its room and tells the room.
func (s *Server) handleLeave(c *Client, roomCode string) {
	s.handleLeaveSocket(c.ID, roomCode)
}

// evictSocket force-disconnects a socket whose session was taken over by a
// newer device. The store row is left alone: the new socket owns it now.
func (s *Server) evictSocket(socketID, roomCode string) {
	s.mu.Lock()
	old, ok := s.clients[socketID]
	if ok {
		delete(s.clients, socketID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.queue.Clear(socketID)
	s.messages.Forget(socketID)
	old.setSession("", "", "")
	s.handleLeaveSocket(socketID, roomCode)
	s.sendEvent(old, protocol.EventSessionExpired, protocol.SessionExpired{
		Reason: "session resumed on another connection",
	})
	old.close()
	monitoring.ConnectionsActive.Set(float64(s.clientCount()))
	s.logger.Info().Str("socket_id", socketID).Str("room", roomCode).Msg("socket evicted by session takeover")
}

func (s *Server) handleLeaveSocket(socketID, roomCode string) {
	removed, changes, _ := s.registry.RemoveUser(roomCode, socketID)
	if removed == nil {
		return
	}
	s.broadcastToRoom(roomCode, socketID, protocol.MustEncode(protocol.EventUserLeft, protocol.UserLeft{
		SocketID: socketID,
		Nickname: removed.Nickname,
	}))
	s.notifyOffsetChanges(roomCode, changes)
}

// broadcastToRoom pushes a payload to every live socket in a room except
// exclude. Presence and sync events bypass the delay queue; only chat
// messages are spoiler-gated.
func (s *Server) broadcastToRoom(roomCode, exclude string, payload []byte) {
	for _, rec := range s.registry.Recipients(roomCode) {
		if rec.SocketID == exclude {
			continue
		}
		s.mu.RLock()
		client, ok := s.clients[rec.SocketID]
		s.mu.RUnlock()
		if ok {
			s.push(client, payload)
		}
	}
}

// notifyOffsetChanges unicasts each affected user their new offset and
// broadcasts their updated sync state so every roster stays consistent.
func (s *Server) notifyOffsetChanges(roomCode string, changes []registry.OffsetChange) {
	for _, change := range changes {
		s.mu.RLock()
		client, ok := s.clients[change.SocketID]
		s.mu.RUnlock()
		if ok {
			s.sendEvent(client, protocol.EventOffsetUpdated, protocol.OffsetUpdated{OffsetMs: change.OffsetMs})
		}
		s.broadcastToRoom(roomCode, change.SocketID, protocol.MustEncode(protocol.EventUserSynced, protocol.UserSynced{
			SocketID: change.SocketID,
			Nickname: change.Nickname,
			OffsetMs: change.OffsetMs,
			GameTime: change.GameTime,
		}))
	}
}

func (s *Server) sendEvent(c *Client, event string, data any) {
	s.push(c, protocol.MustEncode(event, data))
}

// sendError emits an error reply. kind never reaches the wire; it feeds the
// client-error metric and the structured log so rejections stay classifiable.
func (s *Server) sendError(c *Client, kind, message string, retryAfter int64) {
	monitoring.ClientErrors.WithLabelValues(kind).Inc()
	s.logger.Debug().Str("socket_id", c.ID).Str("kind", kind).Str("reason", message).Msg("client error")
	s.sendEvent(c, protocol.EventError, protocol.ErrorReply{Message: message, RetryAfter: retryAfter})
}

func roomMeta(room store.Room) *protocol.RoomMeta {
	if room.RoomName == "" && room.Teams == "" && room.GameDate == "" {
		return nil
	}
	return &protocol.RoomMeta{RoomName: room.RoomName, Teams: room.Teams, GameDate: room.GameDate}
}

func toChatMessages(history []store.Message) []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, protocol.ChatMessage{
			ID:        m.ID,
			SessionID: m.SessionID,
			Nickname:  m.SenderNickname,
			Content:   m.Content,
			Timestamp: m.Timestamp.UnixMilli(),
		})
	}
	return out
}
