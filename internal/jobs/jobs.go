// Package jobs runs named background jobs from a queue. Delivery is at least
// once: a job is removed only after its handler succeeds or it exhausts its
// attempts.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is one queued unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// raw is the encoded form the job was dequeued as. Queues that address
	// in-flight jobs by value need it to acknowledge.
	raw string
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s (%s): empty payload", j.ID, j.Name)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s (%s): decode payload: %w", j.ID, j.Name, err)
	}
	return nil
}

// Queue stores jobs until a worker processes them.
type Queue interface {
	// Enqueue adds a job. payload is JSON encoded.
	Enqueue(ctx context.Context, name string, payload any) (Job, error)
	// Dequeue waits up to wait for a job. It returns nil, nil when none
	// arrived in time.
	Dequeue(ctx context.Context, wait time.Duration) (*Job, error)
	// Ack removes a processed job.
	Ack(ctx context.Context, job *Job) error
	// Retry puts a failed job back with its attempt count incremented.
	Retry(ctx context.Context, job *Job) error
	// Bury moves a job that exhausted its attempts out of the queue.
	Bury(ctx context.Context, job *Job) error
}

func newJob(name string, payload any) (Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: encode %s payload: %w", name, err)
	}
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    b,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
