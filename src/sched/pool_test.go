package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsJobs(t *testing.T) {
	p := NewPool(2, 8)
	defer p.Close()

	var counter int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			atomic.AddInt32(&counter, 1)
		}))
	}

	wg.Wait()
	assert.Equal(t, int32(8), atomic.LoadInt32(&counter))
}

func TestSubmitNeverBlocks(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	block := make(chan struct{})

	// Occupy the single worker.
	require.NoError(t, p.Submit(func() { <-block }))

	// Fill the queue. Eventually Submit must fail fast with ErrQueueFull
	// instead of blocking.
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := p.Submit(func() { <-block }); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			sawFull = true
			break
		}
	}

	assert.True(t, sawFull, "a saturated pool must reject submissions")

	close(block)
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewPool(1, 1)
	p.Close()

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDrainsQueue(t *testing.T) {
	p := NewPool(1, 4)

	var counter int32
	var submitted int32

	for i := 0; i < 4; i++ {
		if err := p.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&counter, 1)
		}); err == nil {
			submitted++
		}
	}

	// Close lets queued jobs finish before returning.
	p.Close()

	assert.Equal(t, submitted, atomic.LoadInt32(&counter))
}
