package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned by MemoryQueue.Enqueue when the buffer is full.
var ErrQueueFull = errors.New("jobs: queue full")

// MemoryQueue is an in-process queue backed by a buffered channel. Jobs are
// lost on restart.
type MemoryQueue struct {
	ch chan Job

	mu   sync.Mutex
	dead []Job
}

// NewMemoryQueue creates a queue holding at most size pending jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{ch: make(chan Job, size)}
}

// Enqueue adds a job without blocking.
func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload any) (Job, error) {
	job, err := newJob(name, payload)
	if err != nil {
		return Job{}, err
	}
	select {
	case q.ch <- job:
		return job, nil
	default:
		return Job{}, ErrQueueFull
	}
}

// Dequeue waits up to wait for a job.
func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case job := <-q.ch:
		return &job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op: a dequeued job is already out of the channel.
func (q *MemoryQueue) Ack(context.Context, *Job) error {
	return nil
}

// Retry requeues the job.
func (q *MemoryQueue) Retry(_ context.Context, job *Job) error {
	j := *job
	j.Attempts++
	select {
	case q.ch <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Bury keeps the job in the dead list.
func (q *MemoryQueue) Bury(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, *job)
	return nil
}

// Len returns the number of pending jobs.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Dead returns a copy of the buried jobs.
func (q *MemoryQueue) Dead() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

// HealthCheck always succeeds.
func (q *MemoryQueue) HealthCheck(context.Context) error {
	return nil
}
