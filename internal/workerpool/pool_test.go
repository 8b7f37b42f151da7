package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(Config{CoreWorkers: 2, MaxWorkers: 5, QueueCapacity: 50})

	var ran int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			atomic.AddInt32(&ran, 1)
		}))
	}

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(20), atomic.LoadInt32(&ran))
}

func TestPool_GrowsThenRejectsWhenSaturated(t *testing.T) {
	p := New(Config{
		CoreWorkers:   1,
		MaxWorkers:    2,
		QueueCapacity: 1,
		SubmitTimeout: 200 * time.Millisecond,
		IdleTimeout:   time.Minute,
	})

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var ran int32
	blocking := func(ctx context.Context) {
		started <- struct{}{}
		<-release
		atomic.AddInt32(&ran, 1)
	}

	// A occupies the core worker
	require.NoError(t, p.Submit(context.Background(), blocking))
	<-started

	// B fills the queue
	require.NoError(t, p.Submit(context.Background(), blocking))

	// C finds the queue full, which starts the extra worker to take B
	require.NoError(t, p.Submit(context.Background(), blocking))
	<-started

	// D has no worker left to grow into
	err := p.Submit(context.Background(), blocking)
	assert.True(t, errors.Is(err, ErrQueueFull))

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&ran))
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(Config{CoreWorkers: 1, MaxWorkers: 1, QueueCapacity: 2})

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(context.Background(), func(ctx context.Context) {})
	assert.Equal(t, ErrPoolClosed, err)
}

func TestPool_ShutdownTimesOutAndCancelsTasks(t *testing.T) {
	p := New(Config{CoreWorkers: 1, MaxWorkers: 1, QueueCapacity: 1})

	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}
