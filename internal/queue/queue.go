// Package queue provides the per-stage priority queues and worker pools
// the acquisition pipeline runs on.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Priority bands; higher runs first. The exact values are tuning, only
// the relative order is load-bearing.
type Priority int

const (
	PriorityBackground Priority = 100
	PriorityNormal     Priority = 1000
	PriorityUrgent     Priority = 2000
)

// Job is one unit of pipeline work. ID must be deterministic from the
// business key so duplicate submissions collapse onto one in-flight job.
type Job struct {
	ID       uint64
	Name     string
	Priority Priority
	Run      func(ctx context.Context) error

	// MaxAttempts bounds retries for transient failures; zero means one
	// attempt, no retry.
	MaxAttempts int
	Backoff     time.Duration
}

// JobID derives a deterministic job identity from a name and business key
// parts.
func JobID(name string, keyParts ...string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	for _, p := range keyParts {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(p)
	}
	return h.Sum64()
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable by the worker pool.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Handle tracks one submitted job. Multiple submitters of the same job ID
// share a handle.
type Handle struct {
	id   uint64
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Wait blocks until the job finishes or ctx expires.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.Err()
	}
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

type item struct {
	job     Job
	handle  *Handle
	seq     uint64
	index   int // heap index, -1 once popped
	running bool
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Config sizes one stage's pool.
type Config struct {
	Name    string
	Workers int
	// FailureRateStep is the extra sleep added per consecutive failure on
	// a worker, throttling throughput against a failing origin.
	FailureRateStep time.Duration
	Logger          *logrus.Logger
}

// Queue is a single-stage priority queue with a bounded worker pool.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	heap     jobHeap
	inFlight map[uint64]*item
	seq      uint64
	closed   bool

	wg sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	q := &Queue{cfg: cfg, inFlight: make(map[uint64]*item)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit enqueues job, deduplicated on job.ID. While a job with the same
// ID is pending or running the existing handle is returned; a pending
// job's priority may be raised (never lowered) by the new submission.
func (q *Queue) Submit(job Job) *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.inFlight[job.ID]; ok {
		if !existing.running && job.Priority > existing.job.Priority {
			existing.job.Priority = job.Priority
			heap.Fix(&q.heap, existing.index)
		}
		return existing.handle
	}

	q.seq++
	it := &item{
		job:    job,
		handle: &Handle{id: job.ID, done: make(chan struct{})},
		seq:    q.seq,
	}
	q.inFlight[job.ID] = it
	heap.Push(&q.heap, it)
	q.cond.Signal()
	return it.handle
}

// Pending returns the queued-but-not-running job count.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Start launches the worker pool. Workers exit when ctx is cancelled and
// Shutdown waits for them.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) Shutdown() {
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := q.cfg.Logger.WithFields(logrus.Fields{"stage": q.cfg.Name, "worker": id})

	failureStreak := 0
	for {
		it := q.pop()
		if it == nil {
			return
		}

		err := q.runJob(ctx, it)

		q.mu.Lock()
		delete(q.inFlight, it.job.ID)
		q.mu.Unlock()
		it.handle.finish(err)

		if err != nil && !errors.Is(err, context.Canceled) {
			failureStreak++
			logger.WithFields(logrus.Fields{"job": it.job.Name, "job_id": fmt.Sprintf("%x", it.job.ID)}).
				Errorf("job failed (streak %d): %v", failureStreak, err)
		} else {
			failureStreak = 0
		}

		// Consecutive failures slow this worker down rather than letting
		// it hammer a failing origin.
		if failureStreak > 0 && q.cfg.FailureRateStep > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(failureStreak) * q.cfg.FailureRateStep):
			}
		}
	}
}

func (q *Queue) pop() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	it.running = true
	return it
}

func (q *Queue) runJob(ctx context.Context, it *item) error {
	attempts := it.job.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = it.job.Run(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(it.job.Backoff):
		}
	}
	return err
}
