package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable queue over three Redis lists: pending jobs under
// key, jobs being processed under key:processing and buried jobs under
// key:dead. Jobs move atomically from pending to processing when dequeued,
// so a crashed worker's jobs can be recovered with RequeueInflight.
type RedisQueue struct {
	client redis.Cmdable
	key    string
}

// NewRedisQueue creates a queue stored under key.
func NewRedisQueue(client redis.Cmdable, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) processingKey() string { return q.key + ":processing" }
func (q *RedisQueue) deadKey() string       { return q.key + ":dead" }

// Enqueue pushes a job onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload any) (Job, error) {
	job, err := newJob(name, payload)
	if err != nil {
		return Job{}, err
	}
	if err := q.push(ctx, q.key, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Dequeue moves the oldest pending job to the processing list.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	raw, err := q.client.BLMove(ctx, q.key, q.processingKey(), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis blmove %q: %w", q.key, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// An undecodable entry can never succeed; park it with the dead jobs.
		_ = q.client.LRem(ctx, q.processingKey(), 1, raw).Err()
		_ = q.client.LPush(ctx, q.deadKey(), raw).Err()
		return nil, fmt.Errorf("jobs: decode queued job: %w", err)
	}
	job.raw = raw
	return &job, nil
}

// Ack removes the job from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("redis lrem %q: %w", q.processingKey(), err)
	}
	return nil
}

// Retry pushes the job back onto the pending list with one more attempt
// counted.
func (q *RedisQueue) Retry(ctx context.Context, job *Job) error {
	next := *job
	next.Attempts++
	if err := q.push(ctx, q.key, &next); err != nil {
		return err
	}
	return q.Ack(ctx, job)
}

// Bury moves the job to the dead list.
func (q *RedisQueue) Bury(ctx context.Context, job *Job) error {
	if err := q.push(ctx, q.deadKey(), job); err != nil {
		return err
	}
	return q.Ack(ctx, job)
}

// RequeueInflight moves every job left on the processing list back to the
// pending list. Call it before starting workers.
func (q *RedisQueue) RequeueInflight(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(), q.key, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("redis lmove %q: %w", q.processingKey(), err)
		}
		n++
	}
}

// Len returns the number of pending jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// DeadLen returns the number of buried jobs.
func (q *RedisQueue) DeadLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadKey()).Result()
}

// HealthCheck pings Redis.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) push(ctx context.Context, key string, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("redis lpush %q: %w", key, err)
	}
	return nil
}
