package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDDeterministic(t *testing.T) {
	a := JobID("search", "42", "show", "1080", "x265")
	b := JobID("search", "42", "show", "1080", "x265")
	c := JobID("search", "42", "show", "1080", "x264")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSubmitDeduplicatesInFlight(t *testing.T) {
	q := New(Config{Name: "test", Workers: 1})

	release := make(chan struct{})
	var runs atomic.Int32
	job := Job{
		ID:   JobID("search", "media-1"),
		Name: "search",
		Run: func(ctx context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	handles := make([]*Handle, 5)
	for i := range handles {
		handles[i] = q.Submit(job)
	}
	close(release)

	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
		// Every submission shares the first job's handle.
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, int32(1), runs.Load())
}

func TestPriorityIsMonotonic(t *testing.T) {
	q := New(Config{Name: "test", Workers: 1})

	// Block the single worker so later submissions stay queued.
	gate := make(chan struct{})
	q.Submit(Job{ID: 1, Name: "gate", Run: func(ctx context.Context) error {
		<-gate
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// Wait until the gate job is running (queue drained).
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a := q.Submit(Job{ID: 2, Name: "a", Priority: PriorityNormal, Run: record("a")})
	b := q.Submit(Job{ID: 3, Name: "b", Priority: PriorityBackground, Run: record("b")})

	// Raising b's priority takes effect; a later attempt to lower it is a
	// no-op.
	same := q.Submit(Job{ID: 3, Name: "b", Priority: PriorityUrgent, Run: record("b")})
	assert.Same(t, b, same)
	q.Submit(Job{ID: 3, Name: "b", Priority: PriorityBackground, Run: record("b")})

	close(gate)
	require.NoError(t, b.Wait(context.Background()))
	require.NoError(t, a.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestTransientRetryBounded(t *testing.T) {
	q := New(Config{Name: "test", Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var attempts atomic.Int32
	h := q.Submit(Job{
		ID:          JobID("flaky"),
		Name:        "flaky",
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Run: func(ctx context.Context) error {
			attempts.Add(1)
			return Transient(errors.New("timeout"))
		},
	})

	err := h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestNonTransientFailsOnce(t *testing.T) {
	q := New(Config{Name: "test", Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	sentinel := errors.New("challenge page")
	var attempts atomic.Int32
	h := q.Submit(Job{
		ID:          JobID("challenge"),
		Name:        "challenge",
		MaxAttempts: 5,
		Run: func(ctx context.Context) error {
			attempts.Add(1)
			return sentinel
		},
	})

	err := h.Wait(context.Background())
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestWaitHonorsContext(t *testing.T) {
	q := New(Config{Name: "test", Workers: 1})
	// Pool never started, so the job never runs.
	h := q.Submit(Job{ID: 1, Name: "stuck", Run: func(ctx context.Context) error { return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
}
