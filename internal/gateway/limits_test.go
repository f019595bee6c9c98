package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestMessageLimiterSlidingWindow(t *testing.T) {
	ml := NewMessageLimiter(3, time.Minute)
	base := time.Now()
	ml.SetClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		ok, _ := ml.Allow("s1")
		assert.True(t, ok)
	}
	ok, retryAfter := ml.Allow("s1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)

	// Once the oldest message ages out the socket can send again.
	ml.SetClock(func() time.Time { return base.Add(61 * time.Second) })
	ok, _ = ml.Allow("s1")
	assert.True(t, ok)
}

func TestMessageLimiterPerSocket(t *testing.T) {
	ml := NewMessageLimiter(1, time.Minute)
	ok, _ := ml.Allow("s1")
	assert.True(t, ok)
	ok, _ = ml.Allow("s2")
	assert.True(t, ok)
	ok, _ = ml.Allow("s1")
	assert.False(t, ok)
}

func TestMessageLimiterForget(t *testing.T) {
	ml := NewMessageLimiter(1, time.Minute)
	ml.Allow("s1")
	ok, _ := ml.Allow("s1")
	assert.False(t, ok)

	ml.Forget("s1")
	ok, _ = ml.Allow("s1")
	assert.True(t, ok)
}

func TestHandshakeLimiterBurst(t *testing.T) {
	hl := NewHandshakeLimiter(3, 15*time.Minute, zerolog.Nop())
	defer hl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, hl.Allow("10.0.0.1"))
	}
	assert.False(t, hl.Allow("10.0.0.1"))

	// Other IPs are unaffected.
	assert.True(t, hl.Allow("10.0.0.2"))
}

func TestHandshakeLimiterCleanup(t *testing.T) {
	hl := NewHandshakeLimiter(3, time.Minute, zerolog.Nop())
	defer hl.Stop()

	base := time.Now()
	hl.now = func() time.Time { return base }
	hl.Allow("10.0.0.1")

	hl.now = func() time.Time { return base.Add(2 * time.Minute) }
	hl.cleanup()

	hl.mu.Lock()
	_, tracked := hl.limiters["10.0.0.1"]
	hl.mu.Unlock()
	assert.False(t, tracked)
}
