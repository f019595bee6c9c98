// Package store provides the durable side of the chat service: rooms,
// sessions, messages and user preferences, backed by an embedded SQLite
// database.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string; never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ReconnectWindow is how long a disconnected session stays revivable.
const ReconnectWindow = 60 * time.Minute

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

var migrations = []string{
	// v1: rooms
	`CREATE TABLE IF NOT EXISTS rooms (
		id               TEXT PRIMARY KEY,
		room_code        TEXT NOT NULL UNIQUE,
		sport_tag        TEXT NOT NULL,
		room_name        TEXT,
		teams            TEXT,
		game_date        TEXT,
		created_at       INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	)`,
	// v2: sessions; game_time_quarter keeps the historical column name,
	// the protocol calls it "period"
	`CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		room_id           TEXT NOT NULL REFERENCES rooms(id),
		user_id           TEXT,
		nickname          TEXT NOT NULL,
		current_socket_id TEXT,
		is_active         INTEGER NOT NULL DEFAULT 1,
		last_seen_at      INTEGER NOT NULL,
		game_time_quarter INTEGER,
		game_time_minutes INTEGER,
		game_time_seconds INTEGER,
		elapsed_seconds   INTEGER,
		UNIQUE(room_id, nickname)
	)`,
	// v3: messages
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		room_id         TEXT NOT NULL REFERENCES rooms(id),
		session_id      TEXT REFERENCES sessions(id),
		sender_nickname TEXT NOT NULL,
		content         TEXT NOT NULL,
		timestamp       INTEGER NOT NULL
	)`,
	// v4: lookup indexes
	`CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, timestamp)`,
	// v5: sweeper index
	`CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at)`,
	// v6: user preferences (JSON document per user)
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id    TEXT PRIMARY KEY,
		prefs_json TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL
	)`,
	// v7: recent rooms per user
	`CREATE TABLE IF NOT EXISTS recent_rooms (
		user_id    TEXT NOT NULL,
		room_code  TEXT NOT NULL,
		visited_at INTEGER NOT NULL,
		PRIMARY KEY(user_id, room_code)
	)`,
	// v8: enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Room is a durable room row.
type Room struct {
	ID             string
	RoomCode       string
	SportTag       string
	RoomName       string
	Teams          string
	GameDate       string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Session is a durable occupant of a (room, nickname) slot.
type Session struct {
	ID              string
	RoomID          string
	UserID          string // empty for guests
	Nickname        string
	CurrentSocketID string // empty when disconnected
	IsActive        bool
	LastSeenAt      time.Time
	GameTime        *StoredGameTime
}

// StoredGameTime is the last persisted sync snapshot of a session.
type StoredGameTime struct {
	Period         int
	Minutes        int
	Seconds        int
	ElapsedSeconds int
}

// Message is a durable chat message row.
type Message struct {
	ID             string
	RoomID         string
	SessionID      string
	SenderNickname string
	Content        string
	Timestamp      time.Time
}

// Store wraps the SQLite database. All operations retry transparently on
// transient errors (3 attempts, exponential backoff from 100 ms) and surface
// anything else verbatim.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite serialises writes; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		logger.Warn().Err(err).Msg("busy_timeout pragma failed")
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.logger.Debug().Int("version", v).Msg("applied migration")
	}
	return nil
}

// isTransient reports whether an error is worth retrying. modernc sqlite
// surfaces lock contention as SQLITE_BUSY / "database is locked".
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "interrupted")
}

// withRetry runs fn up to retryAttempts times, backing off exponentially on
// transient errors. Non-transient errors surface immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			s.logger.Warn().
				Str("op", op).
				Int("attempt", attempt+1).
				Err(err).
				Msg("retrying store operation")
		}
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
	}
	return err
}

// JoinParams carries everything getOrCreateSession needs.
type JoinParams struct {
	RoomCode        string
	Nickname        string
	ClientSessionID string
	SportTag        string
	RoomName        string
	Teams           string
	GameDate        string
}

// GetOrCreateSession upserts the room row (first write wins for sport tag and
// metadata) and resolves the durable session for (room, nickname):
//
//  1. a client-presented session id matching a live session within the
//     reconnect window is reused;
//  2. otherwise an active session for the same (room, nickname) within the
//     window is reused;
//  3. otherwise a session is created, or a stale one reactivated with its
//     sync snapshot cleared.
//
// isReconnect is true for the first two paths.
func (s *Store) GetOrCreateSession(ctx context.Context, p JoinParams) (sess Session, room Room, isReconnect bool, err error) {
	err = s.withRetry(ctx, "getOrCreateSession", func() error {
		now := s.now()
		nowMs := now.UnixMilli()

		// Upsert room; conflicts only touch last_activity_at so the first
		// joiner's sport and metadata stick.
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rooms(id, room_code, sport_tag, room_name, teams, game_date, created_at, last_activity_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(room_code) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
			uuid.NewString(), p.RoomCode, p.SportTag,
			nullable(p.RoomName), nullable(p.Teams), nullable(p.GameDate),
			nowMs, nowMs,
		)
		if err != nil {
			return fmt.Errorf("upsert room: %w", err)
		}
		room, err = s.getRoomByCode(ctx, p.RoomCode)
		if err != nil {
			return fmt.Errorf("load room: %w", err)
		}

		cutoff := now.Add(-ReconnectWindow).UnixMilli()

		if p.ClientSessionID != "" {
			found, err := s.findSession(ctx, `
				SELECT `+sessionCols+` FROM sessions
				WHERE id = ? AND room_id = ? AND nickname = ? AND is_active = 1 AND last_seen_at > ?`,
				p.ClientSessionID, room.ID, p.Nickname, cutoff)
			if err != nil {
				return err
			}
			if found != nil {
				sess, isReconnect = *found, true
				return nil
			}
		}

		found, err := s.findSession(ctx, `
			SELECT `+sessionCols+` FROM sessions
			WHERE room_id = ? AND nickname = ? AND is_active = 1 AND last_seen_at > ?`,
			room.ID, p.Nickname, cutoff)
		if err != nil {
			return err
		}
		if found != nil {
			sess, isReconnect = *found, true
			return nil
		}

		// Create or reactivate. Reactivation clears the stale sync snapshot.
		id := uuid.NewString()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sessions(id, room_id, nickname, is_active, last_seen_at)
			VALUES(?, ?, ?, 1, ?)
			ON CONFLICT(room_id, nickname) DO UPDATE SET
				is_active = 1,
				last_seen_at = excluded.last_seen_at,
				current_socket_id = NULL,
				game_time_quarter = NULL,
				game_time_minutes = NULL,
				game_time_seconds = NULL,
				elapsed_seconds = NULL`,
			id, room.ID, p.Nickname, nowMs,
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		found, err = s.findSession(ctx, `
			SELECT `+sessionCols+` FROM sessions WHERE room_id = ? AND nickname = ?`,
			room.ID, p.Nickname)
		if err != nil {
			return err
		}
		if found == nil {
			return fmt.Errorf("session vanished after upsert")
		}
		sess, isReconnect = *found, false
		return nil
	})
	return sess, room, isReconnect, err
}

// ConnectSession binds a session to a live socket.
func (s *Store) ConnectSession(ctx context.Context, sessionID, socketID string) error {
	return s.withRetry(ctx, "connectSession", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET current_socket_id = ?, is_active = 1, last_seen_at = ?
			WHERE id = ?`,
			socketID, s.now().UnixMilli(), sessionID)
		return err
	})
}

// DisconnectSession clears the socket binding but leaves the session active
// so it can be revived within the reconnect window.
func (s *Store) DisconnectSession(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "disconnectSession", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET current_socket_id = NULL, last_seen_at = ?
			WHERE id = ?`,
			s.now().UnixMilli(), sessionID)
		return err
	})
}

// UpdateSessionGameTime persists a sync snapshot.
func (s *Store) UpdateSessionGameTime(ctx context.Context, sessionID string, gt StoredGameTime) error {
	return s.withRetry(ctx, "updateSessionGameTime", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET
				game_time_quarter = ?, game_time_minutes = ?, game_time_seconds = ?,
				elapsed_seconds = ?, last_seen_at = ?
			WHERE id = ?`,
			gt.Period, gt.Minutes, gt.Seconds, gt.ElapsedSeconds,
			s.now().UnixMilli(), sessionID)
		return err
	})
}

// GetSessionGameTime returns the stored sync snapshot, or nil if the session
// never synced.
func (s *Store) GetSessionGameTime(ctx context.Context, sessionID string) (*StoredGameTime, error) {
	var gt *StoredGameTime
	err := s.withRetry(ctx, "getSessionGameTime", func() error {
		var period, minutes, seconds, elapsed sql.NullInt64
		err := s.db.QueryRowContext(ctx, `
			SELECT game_time_quarter, game_time_minutes, game_time_seconds, elapsed_seconds
			FROM sessions WHERE id = ?`, sessionID).
			Scan(&period, &minutes, &seconds, &elapsed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if period.Valid {
			gt = &StoredGameTime{
				Period:         int(period.Int64),
				Minutes:        int(minutes.Int64),
				Seconds:        int(seconds.Int64),
				ElapsedSeconds: int(elapsed.Int64),
			}
		}
		return nil
	})
	return gt, err
}

// AppendMessage durably appends a chat message.
func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	return s.withRetry(ctx, "appendMessage", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages(id, room_id, session_id, sender_nickname, content, timestamp)
			VALUES(?, ?, ?, ?, ?, ?)`,
			m.ID, m.RoomID, nullable(m.SessionID), m.SenderNickname, m.Content,
			m.Timestamp.UnixMilli())
		return err
	})
}

// LoadRecentMessages returns the last limit messages for a room,
// oldest-first.
func (s *Store) LoadRecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	var out []Message
	err := s.withRetry(ctx, "loadRecentMessages", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, room_id, COALESCE(session_id, ''), sender_nickname, content, timestamp
			FROM messages WHERE room_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?`, roomID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var m Message
			var ts int64
			if err := rows.Scan(&m.ID, &m.RoomID, &m.SessionID, &m.SenderNickname, &m.Content, &ts); err != nil {
				return err
			}
			m.Timestamp = time.UnixMilli(ts)
			out = append(out, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		// Query walks newest-first; present oldest-first.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return nil
	})
	return out, err
}

// ExpireDisconnectedSessions deactivates sessions whose socket is gone and
// whose last activity predates the reconnect window. Returns the number of
// sessions expired.
func (s *Store) ExpireDisconnectedSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "expireDisconnectedSessions", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET is_active = 0
			WHERE current_socket_id IS NULL AND is_active = 1 AND last_seen_at < ?`,
			s.now().Add(-ReconnectWindow).UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// PurgeStale deletes inactive sessions older than maxAgeDays, then rooms
// (and their messages) with no recent activity and no active sessions.
func (s *Store) PurgeStale(ctx context.Context, maxAgeDays int) error {
	return s.withRetry(ctx, "purgeStale", func() error {
		cutoff := s.now().AddDate(0, 0, -maxAgeDays).UnixMilli()

		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM sessions WHERE is_active = 0 AND last_seen_at < ?`, cutoff); err != nil {
			return err
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM rooms
			WHERE last_activity_at < ?
			AND NOT EXISTS (SELECT 1 FROM sessions WHERE sessions.room_id = rooms.id AND sessions.is_active = 1)`,
			cutoff)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range stale {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, id); err != nil {
				return err
			}
			if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE room_id = ?`, id); err != nil {
				return err
			}
			if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
				return err
			}
		}
		if len(stale) > 0 {
			s.logger.Info().Int("rooms", len(stale)).Msg("purged stale rooms")
		}
		return nil
	})
}

// LinkSessionUser attaches an authenticated user id to a session.
func (s *Store) LinkSessionUser(ctx context.Context, sessionID, userID string) error {
	return s.withRetry(ctx, "linkSessionUser", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET user_id = ? WHERE id = ?`, userID, sessionID)
		return err
	})
}

// GetPreferences returns the user's preferences JSON document ("{}" when
// unset).
func (s *Store) GetPreferences(ctx context.Context, userID string) (string, error) {
	prefs := "{}"
	err := s.withRetry(ctx, "getPreferences", func() error {
		err := s.db.QueryRowContext(ctx,
			`SELECT prefs_json FROM user_preferences WHERE user_id = ?`, userID).Scan(&prefs)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	return prefs, err
}

// SetPreferences upserts the user's preferences JSON document.
func (s *Store) SetPreferences(ctx context.Context, userID, prefsJSON string) error {
	return s.withRetry(ctx, "setPreferences", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_preferences(user_id, prefs_json, updated_at) VALUES(?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET prefs_json = excluded.prefs_json, updated_at = excluded.updated_at`,
			userID, prefsJSON, s.now().UnixMilli())
		return err
	})
}

// TouchRecentRoom records a visit and keeps only the 10 most recent rooms
// per user.
func (s *Store) TouchRecentRoom(ctx context.Context, userID, roomCode string) error {
	return s.withRetry(ctx, "touchRecentRoom", func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO recent_rooms(user_id, room_code, visited_at) VALUES(?, ?, ?)
			ON CONFLICT(user_id, room_code) DO UPDATE SET visited_at = excluded.visited_at`,
			userID, roomCode, s.now().UnixMilli()); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM recent_rooms WHERE user_id = ? AND room_code NOT IN (
				SELECT room_code FROM recent_rooms WHERE user_id = ?
				ORDER BY visited_at DESC LIMIT 10)`,
			userID, userID)
		return err
	})
}

// GetRecentRooms returns the user's recently visited room codes, most recent
// first.
func (s *Store) GetRecentRooms(ctx context.Context, userID string) ([]string, error) {
	var codes []string
	err := s.withRetry(ctx, "getRecentRooms", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT room_code FROM recent_rooms WHERE user_id = ?
			ORDER BY visited_at DESC`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		codes = codes[:0]
		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				return err
			}
			codes = append(codes, code)
		}
		return rows.Err()
	})
	return codes, err
}

const sessionCols = `id, room_id, COALESCE(user_id, ''), nickname, COALESCE(current_socket_id, ''),
	is_active, last_seen_at, game_time_quarter, game_time_minutes, game_time_seconds, elapsed_seconds`

func (s *Store) findSession(ctx context.Context, query string, args ...any) (*Session, error) {
	var sess Session
	var lastSeen int64
	var period, minutes, seconds, elapsed sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sess.ID, &sess.RoomID, &sess.UserID, &sess.Nickname, &sess.CurrentSocketID,
		&sess.IsActive, &lastSeen, &period, &minutes, &seconds, &elapsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.LastSeenAt = time.UnixMilli(lastSeen)
	if period.Valid {
		sess.GameTime = &StoredGameTime{
			Period:         int(period.Int64),
			Minutes:        int(minutes.Int64),
			Seconds:        int(seconds.Int64),
			ElapsedSeconds: int(elapsed.Int64),
		}
	}
	return &sess, nil
}

func (s *Store) getRoomByCode(ctx context.Context, roomCode string) (Room, error) {
	var r Room
	var name, teams, date sql.NullString
	var created, activity int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_code, sport_tag, room_name, teams, game_date, created_at, last_activity_at
		FROM rooms WHERE room_code = ?`, roomCode).
		Scan(&r.ID, &r.RoomCode, &r.SportTag, &name, &teams, &date, &created, &activity)
	if err != nil {
		return Room{}, err
	}
	r.RoomName, r.Teams, r.GameDate = name.String, teams.String, date.String
	r.CreatedAt = time.UnixMilli(created)
	r.LastActivityAt = time.UnixMilli(activity)
	return r, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
