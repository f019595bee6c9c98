package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/slowplay/slowplay/internal/monitoring"
)

// HandshakeLimiter rate limits WebSocket upgrade attempts per client IP
// using token buckets. Stale IP entries are cleaned up on a timer so the map
// cannot grow without bound.
type HandshakeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*handshakeEntry
	burst    int
	interval time.Duration
	ttl      time.Duration
	logger   zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type handshakeEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewHandshakeLimiter allows burst upgrade attempts per IP, refilling over
// interval. Entries idle for a full interval are dropped.
func NewHandshakeLimiter(burst int, interval time.Duration, logger zerolog.Logger) *HandshakeLimiter {
	hl := &HandshakeLimiter{
		limiters: make(map[string]*handshakeEntry),
		burst:    burst,
		interval: interval,
		ttl:      interval,
		logger:   logger.With().Str("component", "handshake_limiter").Logger(),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	go hl.cleanupLoop()
	return hl
}

// Allow reports whether an upgrade attempt from ip may proceed.
func (hl *HandshakeLimiter) Allow(ip string) bool {
	hl.mu.Lock()
	entry, ok := hl.limiters[ip]
	if !ok {
		// burst tokens per interval, e.g. 10 attempts per 15 minutes.
		perSecond := float64(hl.burst) / hl.interval.Seconds()
		entry = &handshakeEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), hl.burst)}
		hl.limiters[ip] = entry
	}
	entry.lastAccess = hl.now()
	hl.mu.Unlock()

	if !entry.limiter.Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("handshake_rate_limit").Inc()
		hl.logger.Warn().Str("ip", ip).Msg("handshake rejected by rate limit")
		return false
	}
	return true
}

func (hl *HandshakeLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hl.cleanup()
		case <-hl.stop:
			return
		}
	}
}

func (hl *HandshakeLimiter) cleanup() {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	now := hl.now()
	for ip, entry := range hl.limiters {
		if now.Sub(entry.lastAccess) > hl.ttl {
			delete(hl.limiters, ip)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (hl *HandshakeLimiter) Stop() {
	hl.stopOnce.Do(func() { close(hl.stop) })
}

// MessageLimiter enforces a sliding-window cap on chat messages per socket.
// Unlike a token bucket it can report exactly how long the caller must wait,
// which the client surfaces to the user.
type MessageLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewMessageLimiter allows limit messages per window per socket.
func NewMessageLimiter(limit int, window time.Duration) *MessageLimiter {
	return &MessageLimiter{
		history: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// SetClock overrides the limiter's time source. Test hook.
func (ml *MessageLimiter) SetClock(now func() time.Time) {
	ml.mu.Lock()
	ml.now = now
	ml.mu.Unlock()
}

// Allow records a message attempt for socketID. When over the cap it returns
// false plus the wait until the oldest in-window message ages out.
func (ml *MessageLimiter) Allow(socketID string) (bool, time.Duration) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	cutoff := now.Add(-ml.window)

	kept := ml.history[socketID][:0]
	for _, t := range ml.history[socketID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= ml.limit {
		ml.history[socketID] = kept
		retryAfter := kept[0].Sub(cutoff)
		return false, retryAfter
	}

	ml.history[socketID] = append(kept, now)
	return true, 0
}

// Forget drops all state for a socket. Called on disconnect.
func (ml *MessageLimiter) Forget(socketID string) {
	ml.mu.Lock()
	delete(ml.history, socketID)
	ml.mu.Unlock()
}
