package gateway

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slowplay/slowplay/internal/auth"
)

func TestUpgradeRejectedDuringShutdown(t *testing.T) {
	s := newTestServer(t)
	atomic.StoreInt32(&s.shuttingDown, 1)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	s.HandleWebSocket(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpgradeRejectedByOrigin(t *testing.T) {
	s := newTestServer(t)
	s.cfg.CORSOrigin = "https://slowplay.example"

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	s.HandleWebSocket(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The allowed origin passes the check and proceeds to the upgrade,
	// which fails on a plain HTTP request.
	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://slowplay.example")
	rec = httptest.NewRecorder()
	s.HandleWebSocket(rec, req)
	assert.NotEqual(t, http.StatusForbidden, rec.Code)
}

func TestUpgradeRejectedByHandshakeLimit(t *testing.T) {
	s := newTestServer(t)

	var rejected bool
	for i := 0; i < s.cfg.HandshakeRateLimit+1; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		s.HandleWebSocket(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestUpgradeRejectedAtCapacity(t *testing.T) {
	s := newTestServer(t)
	s.cfg.MaxConnections = 1
	connect(s, auth.Guest())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	s.HandleWebSocket(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSweepDropsExpiredRoomStays(t *testing.T) {
	s := newTestServer(t)
	c := connect(s, auth.Guest())
	join(t, s, c, "demo", "alice", "basketball")

	// A socket that never joined a room is left alone.
	lobby := connect(s, auth.Guest())

	s.cfg.RoomStayMax = -time.Second
	s.sweepExpiredRoomStays()
	nextEvent(t, c, "session-expired")

	select {
	case raw := <-lobby.send:
		t.Fatalf("unexpected frame for roomless socket: %s", raw)
	default:
	}
}
