package gateway

import (
	"context"
	"time"

	"github.com/slowplay/slowplay/internal/monitoring"
	"github.com/slowplay/slowplay/internal/protocol"
)

// startSweepers launches the background maintenance loops: long room stay
// reaping, durable session expiry, and stale room purging.
func (s *Server) startSweepers() {
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.runTicker(s.cfg.SweepInterval, "room-stay-sweep", s.sweepExpiredRoomStays)
	}()
	go func() {
		defer s.wg.Done()
		s.runTicker(s.cfg.SweepInterval, "session-expiry-sweep", s.sweepExpiredSessions)
	}()
	go func() {
		defer s.wg.Done()
		s.runTicker(s.cfg.PurgeInterval, "purge-sweep", s.sweepStaleRooms)
	}()
}

func (s *Server) runTicker(interval time.Duration, name string, fn func()) {
	defer monitoring.RecoverPanic(s.logger, name, nil)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// sweepExpiredRoomStays drops sockets whose user has been in a room past the
// stay limit, telling them why first.
func (s *Server) sweepExpiredRoomStays() {
	cutoff := time.Now().Add(-s.cfg.RoomStayMax)

	s.mu.RLock()
	var expired []*Client
	for _, c := range s.clients {
		roomCode, _, _ := c.session()
		if roomCode == "" {
			continue
		}
		if u, ok := s.registry.User(roomCode, c.ID); ok && u.JoinedAt.Before(cutoff) {
			expired = append(expired, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range expired {
		monitoring.SessionsExpired.Inc()
		s.sendEvent(c, protocol.EventSessionExpired, protocol.SessionExpired{
			Reason: "room stay limit reached",
		})
		s.logger.Info().Str("socket_id", c.ID).Msg("dropping socket past room stay limit")
		c.close()
	}
}

// sweepExpiredSessions marks durable sessions inactive once their reconnect
// window has lapsed.
func (s *Server) sweepExpiredSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	n, err := s.store.ExpireDisconnectedSessions(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("session expiry sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("expired", n).Msg("expired disconnected sessions")
	}
}

// sweepStaleRooms deletes rooms with no activity for the configured number
// of days, along with their messages and sessions.
func (s *Server) sweepStaleRooms() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.store.PurgeStale(ctx, s.cfg.PurgeStaleAfterDay); err != nil {
		s.logger.Error().Err(err).Msg("stale room purge failed")
	}
}
