// Package worker runs background jobs: notification delivery and
// consultation report generation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/pkg/queue"
)

const pollTimeout = 5 * time.Second

// Processor executes one job.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// JobSource is the queue the dispatcher consumes.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration, keys ...string) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Dispatcher pulls jobs from the queue and routes them to processors by type.
type Dispatcher struct {
	source     JobSource
	processors map[queue.JobType]Processor
	keys       []string
	backoff    time.Duration
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher with no processors.
func NewDispatcher(source JobSource, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:     source,
		processors: make(map[queue.JobType]Processor),
		backoff:    queue.RetryBackoff,
		logger:     logger,
	}
}

// Handle routes jobs of type t, read from the list key, to p.
func (d *Dispatcher) Handle(t queue.JobType, key string, p Processor) {
	d.processors[t] = p
	d.keys = append(d.keys, key)
}

// Run starts the worker loop: dequeue, process, retry on error. It returns
// when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.keys) == 0 {
		d.logger.Warn("worker has no processors")
		return
	}
	d.logger.Info("worker started", zap.Strings("queues", d.keys))
	for {
		if ctx.Err() != nil {
			d.logger.Info("worker stopping")
			return
		}

		job, _, err := d.source.Dequeue(ctx, pollTimeout, d.keys...)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			d.logger.Warn("dequeue error", zap.Error(err))
			d.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		d.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := d.Dispatch(ctx, job); err != nil {
			d.logger.Error("job failed", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := d.source.Retry(ctx, job); reErr != nil {
				d.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			d.sleep(ctx)
		}
	}
}

// Dispatch runs the processor registered for job.Type.
func (d *Dispatcher) Dispatch(ctx context.Context, job *queue.Job) error {
	p, ok := d.processors[job.Type]
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	return p.Process(ctx, job)
}

func (d *Dispatcher) sleep(ctx context.Context) {
	t := time.NewTimer(d.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
