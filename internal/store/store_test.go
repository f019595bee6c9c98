package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateSessionNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, room, isReconnect, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "alice", SportTag: "basketball",
	})
	require.NoError(t, err)
	assert.False(t, isReconnect)
	assert.Equal(t, "demo", room.RoomCode)
	assert.Equal(t, "basketball", room.SportTag)
	assert.Equal(t, room.ID, sess.RoomID)
	assert.Equal(t, "alice", sess.Nickname)
	assert.True(t, sess.IsActive)
	assert.Nil(t, sess.GameTime)
}

func TestRoomFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, room, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "alice", SportTag: "basketball", RoomName: "Finals G7",
	})
	require.NoError(t, err)
	assert.Equal(t, "Finals G7", room.RoomName)

	// A later joiner cannot change the sport or metadata.
	_, room, _, err = s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "bob", SportTag: "soccer", RoomName: "other",
	})
	require.NoError(t, err)
	assert.Equal(t, "basketball", room.SportTag)
	assert.Equal(t, "Finals G7", room.RoomName)
}

func TestSessionReuseByClientID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "carol", SportTag: "hockey",
	})
	require.NoError(t, err)
	require.NoError(t, s.ConnectSession(ctx, sess.ID, "sock-1"))
	require.NoError(t, s.DisconnectSession(ctx, sess.ID))

	again, _, isReconnect, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "carol", ClientSessionID: sess.ID, SportTag: "hockey",
	})
	require.NoError(t, err)
	assert.True(t, isReconnect)
	assert.Equal(t, sess.ID, again.ID)
}

func TestSessionReuseByRoomNickname(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "dave", SportTag: "football",
	})
	require.NoError(t, err)

	// No client session id presented; same (room, nickname) still resumes.
	again, _, isReconnect, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "dave", SportTag: "football",
	})
	require.NoError(t, err)
	assert.True(t, isReconnect)
	assert.Equal(t, sess.ID, again.ID)
}

func TestSessionReactivationOutsideWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	sess, _, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "erin", SportTag: "basketball",
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionGameTime(ctx, sess.ID, StoredGameTime{Period: 2, Minutes: 5, Seconds: 0, ElapsedSeconds: 1140}))

	// Rejoin after the window: same row, but treated as a fresh session with
	// the sync snapshot cleared.
	s.SetClock(func() time.Time { return base.Add(ReconnectWindow + time.Minute) })
	again, _, isReconnect, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "erin", ClientSessionID: sess.ID, SportTag: "basketball",
	})
	require.NoError(t, err)
	assert.False(t, isReconnect)
	assert.Equal(t, sess.ID, again.ID)
	assert.Nil(t, again.GameTime)
}

func TestConnectDisconnect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "frank", SportTag: "soccer",
	})
	require.NoError(t, err)

	require.NoError(t, s.ConnectSession(ctx, sess.ID, "sock-9"))
	got, err := s.findSession(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "sock-9", got.CurrentSocketID)
	assert.True(t, got.IsActive)

	require.NoError(t, s.DisconnectSession(ctx, sess.ID))
	got, err = s.findSession(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentSocketID)
	assert.True(t, got.IsActive) // stays active within the window
}

func TestGameTimeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "gina", SportTag: "basketball",
	})
	require.NoError(t, err)

	gt, err := s.GetSessionGameTime(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, gt)

	want := StoredGameTime{Period: 3, Minutes: 8, Seconds: 42, ElapsedSeconds: 1638}
	require.NoError(t, s.UpdateSessionGameTime(ctx, sess.ID, want))

	gt, err = s.GetSessionGameTime(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, gt)
	assert.Equal(t, want, *gt)
}

func TestMessagesAppendAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, room, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "hank", SportTag: "hockey",
	})
	require.NoError(t, err)

	base := time.Now().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, Message{
			ID:             fmt.Sprintf("m%d", i),
			RoomID:         room.ID,
			SessionID:      sess.ID,
			SenderNickname: "hank",
			Content:        fmt.Sprintf("msg %d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.LoadRecentMessages(ctx, room.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Last three, oldest-first.
	assert.Equal(t, "msg 2", msgs[0].Content)
	assert.Equal(t, "msg 4", msgs[2].Content)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), msgs[0].Timestamp.UnixMilli())
}

func TestExpireDisconnectedSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	sess, _, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "demo", Nickname: "ivy", SportTag: "soccer",
	})
	require.NoError(t, err)
	require.NoError(t, s.ConnectSession(ctx, sess.ID, "sock-2"))
	require.NoError(t, s.DisconnectSession(ctx, sess.ID))

	// Still within the window: nothing expires.
	n, err := s.ExpireDisconnectedSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.SetClock(func() time.Time { return base.Add(ReconnectWindow + time.Minute) })
	n, err = s.ExpireDisconnectedSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.findSession(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestPurgeStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	s.SetClock(func() time.Time { return base.AddDate(0, 0, -10) })

	sess, room, _, err := s.GetOrCreateSession(ctx, JoinParams{
		RoomCode: "old", Nickname: "jay", SportTag: "basketball",
	})
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, Message{
		ID: "m1", RoomID: room.ID, SessionID: sess.ID,
		SenderNickname: "jay", Content: "hello", Timestamp: base.AddDate(0, 0, -10),
	}))
	require.NoError(t, s.DisconnectSession(ctx, sess.ID))

	s.SetClock(func() time.Time { return base })
	n, err := s.ExpireDisconnectedSessions(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, s.PurgeStale(ctx, 7))

	_, err = s.getRoomByCode(ctx, "old")
	assert.Error(t, err)
	msgs, err := s.LoadRecentMessages(ctx, room.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPreferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs, err := s.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "{}", prefs)

	require.NoError(t, s.SetPreferences(ctx, "user-1", `{"theme":"dark"}`))
	prefs, err = s.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, `{"theme":"dark"}`, prefs)

	require.NoError(t, s.SetPreferences(ctx, "user-1", `{"theme":"light"}`))
	prefs, err = s.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, `{"theme":"light"}`, prefs)
}

func TestRecentRoomsCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 12; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		s.SetClock(func() time.Time { return tick })
		require.NoError(t, s.TouchRecentRoom(ctx, "user-1", fmt.Sprintf("room-%02d", i)))
	}

	codes, err := s.GetRecentRooms(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, codes, 10)
	assert.Equal(t, "room-11", codes[0])
	assert.Equal(t, "room-02", codes[9])
}
