// Package delayqueue holds per-socket min-heaps of pending deliveries and a
// dispatcher that drains them as their deadlines come due. Delays are applied
// per recipient, so two sockets in the same room can receive the same message
// at different wall-clock instants.
package delayqueue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/slowplay/slowplay/internal/monitoring"
)

const (
	// PerSocketCap bounds a single socket's pending queue. A full queue
	// evicts the entry closest to delivery to make room.
	PerSocketCap = 100

	// TickInterval is how often the dispatcher scans for due entries.
	TickInterval = 100 * time.Millisecond
)

// EmitFunc pushes a due payload to a socket. It must not block.
type EmitFunc func(socketID string, payload []byte)

type entry struct {
	payload   []byte
	deliverAt time.Time
	seq       uint64
}

// entryHeap orders entries by deadline, then by enqueue order so equal
// deadlines deliver FIFO.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deliverAt.Equal(h[j].deliverAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].deliverAt.Before(h[j].deliverAt)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// socketQueue is one socket's pending entries behind its own lock, so
// enqueues and dispatch scans on different sockets never contend. gone is
// set by Clear; a late enqueue racing a disconnect is dropped.
type socketQueue struct {
	mu      sync.Mutex
	entries entryHeap
	gone    bool
}

// Queue is the set of per-socket delay heaps plus the dispatcher state. The
// top-level lock only guards the socket map; entry mutation is per socket.
type Queue struct {
	mu      sync.RWMutex
	sockets map[string]*socketQueue
	now     func() time.Time

	seq    atomic.Uint64
	depth  atomic.Int64
	emit   EmitFunc
	logger zerolog.Logger
}

// New creates a queue that hands due payloads to emit.
func New(emit EmitFunc, logger zerolog.Logger) *Queue {
	return &Queue{
		sockets: make(map[string]*socketQueue),
		emit:    emit,
		logger:  logger.With().Str("component", "delayqueue").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the queue's time source. Test hook.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Enqueue schedules a payload for a socket at deliverAt. When the socket's
// queue is at capacity, the entry with the nearest deadline is evicted first.
func (q *Queue) Enqueue(socketID string, payload []byte, deliverAt time.Time) {
	q.mu.RLock()
	sq := q.sockets[socketID]
	q.mu.RUnlock()
	if sq == nil {
		q.mu.Lock()
		sq = q.sockets[socketID]
		if sq == nil {
			sq = &socketQueue{}
			q.sockets[socketID] = sq
		}
		q.mu.Unlock()
	}

	sq.mu.Lock()
	if sq.gone {
		sq.mu.Unlock()
		return
	}
	if sq.entries.Len() >= PerSocketCap {
		heap.Pop(&sq.entries)
		q.depth.Add(-1)
		monitoring.QueueEvictions.Inc()
		q.logger.Warn().Str("socket_id", socketID).Int("cap", PerSocketCap).
			Msg("delay queue full, evicting earliest pending entry")
	}
	heap.Push(&sq.entries, &entry{payload: payload, deliverAt: deliverAt, seq: q.seq.Add(1)})
	sq.mu.Unlock()

	monitoring.QueueDepth.Set(float64(q.depth.Add(1)))
}

// Clear drops every pending entry for a socket. Called on disconnect; entries
// for a gone socket must never be delivered to a reconnected successor.
func (q *Queue) Clear(socketID string) {
	q.mu.Lock()
	sq := q.sockets[socketID]
	delete(q.sockets, socketID)
	q.mu.Unlock()
	if sq == nil {
		return
	}

	sq.mu.Lock()
	n := len(sq.entries)
	sq.entries = nil
	sq.gone = true
	sq.mu.Unlock()
	if n > 0 {
		monitoring.QueueDepth.Set(float64(q.depth.Add(int64(-n))))
	}
}

// PendingFor returns the number of entries queued for one socket.
func (q *Queue) PendingFor(socketID string) int {
	q.mu.RLock()
	sq := q.sockets[socketID]
	q.mu.RUnlock()
	if sq == nil {
		return 0
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.entries)
}

// Run drives the dispatcher until ctx is cancelled. A panic during one tick
// is logged and the next tick proceeds.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick()
		}
	}
}

func (q *Queue) tick() {
	defer monitoring.RecoverPanic(q.logger, "delayqueue-dispatcher", nil)
	q.dispatchDue()
}

// dispatchDue pops and emits every entry whose deadline has passed. Emission
// happens outside all locks so a slow or re-entrant emit cannot stall
// enqueues.
func (q *Queue) dispatchDue() {
	type due struct {
		socketID string
		e        *entry
	}

	q.mu.RLock()
	now := q.now()
	queues := make(map[string]*socketQueue, len(q.sockets))
	for socketID, sq := range q.sockets {
		queues[socketID] = sq
	}
	q.mu.RUnlock()

	var ready []due
	for socketID, sq := range queues {
		sq.mu.Lock()
		for sq.entries.Len() > 0 && !sq.entries[0].deliverAt.After(now) {
			ready = append(ready, due{socketID, heap.Pop(&sq.entries).(*entry)})
			q.depth.Add(-1)
		}
		sq.mu.Unlock()
	}
	if len(ready) == 0 {
		return
	}
	monitoring.QueueDepth.Set(float64(q.depth.Load()))

	for _, d := range ready {
		monitoring.QueueDispatchLag.Observe(now.Sub(d.e.deliverAt).Seconds())
		q.emit(d.socketID, d.e.payload)
	}
}
