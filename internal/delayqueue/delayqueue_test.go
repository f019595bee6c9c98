package delayqueue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu      sync.Mutex
	emitted map[string][]string
}

func (c *capture) emit(socketID string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted[socketID] = append(c.emitted[socketID], string(payload))
}

func (c *capture) got(socketID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.emitted[socketID]...)
}

func newTestQueue() (*Queue, *capture, func(time.Time)) {
	c := &capture{emitted: make(map[string][]string)}
	q := New(c.emit, zerolog.Nop())
	now := time.Now()
	q.SetClock(func() time.Time { return now })
	advance := func(to time.Time) {
		now = to
		q.SetClock(func() time.Time { return now })
	}
	return q, c, advance
}

func TestDispatchOnlyDueEntries(t *testing.T) {
	q, c, advance := newTestQueue()
	base := time.Now()
	advance(base)

	q.Enqueue("s1", []byte("soon"), base.Add(time.Second))
	q.Enqueue("s1", []byte("later"), base.Add(time.Minute))

	q.dispatchDue()
	assert.Empty(t, c.got("s1"))

	advance(base.Add(2 * time.Second))
	q.dispatchDue()
	assert.Equal(t, []string{"soon"}, c.got("s1"))
	assert.Equal(t, 1, q.PendingFor("s1"))

	advance(base.Add(2 * time.Minute))
	q.dispatchDue()
	assert.Equal(t, []string{"soon", "later"}, c.got("s1"))
	assert.Zero(t, q.PendingFor("s1"))
}

func TestEqualDeadlinesDeliverFIFO(t *testing.T) {
	q, c, advance := newTestQueue()
	base := time.Now()
	advance(base)

	at := base.Add(time.Second)
	for i := 0; i < 5; i++ {
		q.Enqueue("s1", []byte(fmt.Sprintf("m%d", i)), at)
	}

	advance(base.Add(2 * time.Second))
	q.dispatchDue()
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, c.got("s1"))
}

func TestOrderIsByDeadlineNotEnqueue(t *testing.T) {
	q, c, advance := newTestQueue()
	base := time.Now()
	advance(base)

	q.Enqueue("s1", []byte("second"), base.Add(2*time.Second))
	q.Enqueue("s1", []byte("first"), base.Add(time.Second))

	advance(base.Add(3 * time.Second))
	q.dispatchDue()
	assert.Equal(t, []string{"first", "second"}, c.got("s1"))
}

func TestCapEvictsEarliestDeadline(t *testing.T) {
	q, c, advance := newTestQueue()
	base := time.Now()
	advance(base)

	for i := 0; i < PerSocketCap; i++ {
		q.Enqueue("s1", []byte(fmt.Sprintf("m%d", i)), base.Add(time.Duration(i+1)*time.Second))
	}
	require.Equal(t, PerSocketCap, q.PendingFor("s1"))

	// One past the cap: m0 (the earliest deadline) is evicted.
	q.Enqueue("s1", []byte("overflow"), base.Add(time.Hour))
	assert.Equal(t, PerSocketCap, q.PendingFor("s1"))

	advance(base.Add(2 * time.Hour))
	q.dispatchDue()
	got := c.got("s1")
	require.Len(t, got, PerSocketCap)
	assert.Equal(t, "m1", got[0])
	assert.Equal(t, "overflow", got[len(got)-1])
}

func TestClearDropsPending(t *testing.T) {
	q, c, advance := newTestQueue()
	base := time.Now()
	advance(base)

	q.Enqueue("s1", []byte("gone"), base.Add(time.Second))
	q.Enqueue("s2", []byte("kept"), base.Add(time.Second))
	q.Clear("s1")

	advance(base.Add(2 * time.Second))
	q.dispatchDue()
	assert.Empty(t, c.got("s1"))
	assert.Equal(t, []string{"kept"}, c.got("s2"))
}

func TestSocketsAreIndependent(t *testing.T) {
	q, c, advance := newTestQueue()
	base := time.Now()
	advance(base)

	q.Enqueue("s1", []byte("fast"), base.Add(time.Second))
	q.Enqueue("s2", []byte("slow"), base.Add(time.Minute))

	advance(base.Add(2 * time.Second))
	q.dispatchDue()
	assert.Equal(t, []string{"fast"}, c.got("s1"))
	assert.Empty(t, c.got("s2"))
}
