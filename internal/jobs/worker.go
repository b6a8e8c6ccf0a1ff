package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/config"
	"github.com/pitabwire/worktrail/internal/observability"
)

// HandlerFunc processes one job. Returning an error schedules a retry until
// the job's attempts are exhausted.
type HandlerFunc func(ctx context.Context, job *Job) error

// ErrUnknownJob is returned for jobs with no registered handler. Such jobs
// are buried without retrying.
var ErrUnknownJob = errors.New("jobs: no handler registered")

// Worker pulls jobs from a queue and runs the handler registered for each
// job's name.
type Worker struct {
	queue       Queue
	handlers    map[string]HandlerFunc
	workers     int
	maxAttempts int
	wait        time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewWorker creates a worker. metrics may be nil.
func NewWorker(queue Queue, cfg config.JobsConfig, logger *zap.Logger, metrics *observability.Metrics) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		queue:       queue,
		handlers:    make(map[string]HandlerFunc),
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		wait:        cfg.BlockTimeout,
		logger:      logger,
		metrics:     metrics,
	}
	if w.maxAttempts < 1 {
		w.maxAttempts = 1
	}
	if w.wait <= 0 {
		w.wait = time.Second
	}
	return w
}

// Handle registers fn for jobs named name. Call before Run.
func (w *Worker) Handle(name string, fn HandlerFunc) {
	w.handlers[name] = fn
}

// Run processes jobs on the configured number of goroutines until ctx is
// cancelled. With zero workers it returns immediately.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range w.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, i)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, n int) {
	logger := w.logger.With(zap.Int("worker", n))
	logger.Debug("job worker started")
	for ctx.Err() == nil {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("job queue error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.wait):
			}
		}
	}
	logger.Debug("job worker stopped")
}

// RunOnce waits for one job and processes it. It reports whether a job was
// taken from the queue.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.wait)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, job)
}

// Drain processes jobs until the queue yields none within the wait time.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		took, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !took {
			return nil
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.Int("attempt", job.Attempts+1),
	)
	ctx = observability.WithLogger(ctx, logger)
	ctx, span := observability.StartSpan(ctx, "job.run", observability.AttrJob.String(job.Name))

	err := w.call(ctx, job)
	observability.EndSpanWithError(span, err)

	switch {
	case err == nil:
		w.metrics.RecordJob(job.Name, "ok")
		return w.queue.Ack(ctx, job)
	case errors.Is(err, ErrUnknownJob) || job.Attempts+1 >= w.maxAttempts:
		logger.Error("job failed permanently", zap.Error(err))
		w.metrics.RecordJob(job.Name, "dead")
		return w.queue.Bury(ctx, job)
	default:
		logger.Warn("job failed, will retry", zap.Error(err))
		w.metrics.RecordJob(job.Name, "retry")
		return w.queue.Retry(ctx, job)
	}
}

func (w *Worker) call(ctx context.Context, job *Job) (err error) {
	fn, ok := w.handlers[job.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return fn(ctx, job)
}
