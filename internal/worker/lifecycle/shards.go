package lifecycle

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("shard dispatcher closed")

// Job is one unit of work bound to a key.
type Job func(ctx context.Context)

// Shards runs jobs on a fixed set of goroutines. Jobs that share a key always
// land on the same goroutine and run in submission order; jobs with different
// keys may run concurrently.
type Shards struct {
	queues []chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewShards starts n workers, each with a buffer of depth jobs.
func NewShards(ctx context.Context, n, depth int) *Shards {
	if n <= 0 {
		n = 1
	}
	if depth <= 0 {
		depth = 64
	}
	s := &Shards{queues: make([]chan Job, n)}
	for i := range s.queues {
		q := make(chan Job, depth)
		s.queues[i] = q
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for job := range q {
				job(ctx)
			}
		}()
	}
	return s
}

// Shard returns the shard index for key.
func (s *Shards) Shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.queues)))
}

// Submit enqueues job on key's shard. It blocks while the shard is full.
func (s *Shards) Submit(ctx context.Context, key string, job Job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queues[s.Shard(key)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (s *Shards) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, q := range s.queues {
			close(q)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
