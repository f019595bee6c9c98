package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(4, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt64(&ran, 1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.EqualValues(t, 10, atomic.LoadInt64(&ran))
	assert.Zero(t, p.Dropped())
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	block := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-block
	})
	<-started

	// One fits in the buffer, the rest are dropped.
	for i := 0; i < 5; i++ {
		p.Submit(func() {})
	}
	assert.Positive(t, p.Dropped())
	close(block)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := NewPool(1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(func() { panic("bad write") })

	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := NewPool(2, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var ran int64
	for i := 0; i < 8; i++ {
		p.Submit(func() { atomic.AddInt64(&ran, 1) })
	}
	p.Stop()
	assert.EqualValues(t, 8, atomic.LoadInt64(&ran))
}
