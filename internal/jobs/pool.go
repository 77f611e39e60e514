package jobs

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gwlsn/codecbench/internal/logger"
)

// Pool runs the pending jobs of a queue with a fixed number of workers.
type Pool struct {
	queue   *Queue
	runner  Runner
	workers int
}

// NewPool creates a pool. The worker count is clamped to 1..16 and a nil
// runner runs steps as local processes.
func NewPool(queue *Queue, runner Runner, workers int) *Pool {
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &Pool{
		queue:   queue,
		runner:  runner,
		workers: ClampWorkerCount(workers),
	}
}

// Workers returns the effective worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Run executes pending jobs until none are left, including jobs added while
// it runs. A failing job does not stop the others. When ctx is cancelled,
// running jobs are cancelled, pending ones stay pending and ctx.Err() is
// returned.
func (p *Pool) Run(ctx context.Context) error {
	for ctx.Err() == nil && p.queue.Stats().Pending > 0 {
		p.drain(ctx)
	}
	return ctx.Err()
}

// drain runs jobs until none is pending and every started job has ended.
// Go blocks while all workers are busy, so a job is claimed only once a
// worker is free to run it.
func (p *Pool) drain(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(p.workers)
	for ctx.Err() == nil && p.queue.Stats().Pending > 0 {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if job := p.queue.Claim(); job != nil {
				p.process(ctx, job)
			}
			return nil
		})
	}
	g.Wait()
}

func (p *Pool) process(ctx context.Context, job *Job) {
	logger.Info("Job started", "job", job.Name, "steps", len(job.Steps))
	start := time.Now()

	for i, step := range job.Steps {
		if i > 0 {
			if err := p.queue.SetStep(job.ID, i); err != nil {
				logger.Warn("Failed to record step", "job", job.Name, "error", err)
			}
		}

		err := p.runner.RunStep(ctx, step)
		if err == nil {
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			logger.Warn("Job cancelled", "job", job.Name, "step", step.Name)
			if err := p.queue.abort(job.ID, "cancelled during "+step.Name); err != nil {
				logger.Warn("Failed to cancel job", "job", job.Name, "error", err)
			}
			return
		}

		logger.Error("Job failed", "job", job.Name, "step", step.Name, "error", err)
		if err := p.queue.Fail(job.ID, err.Error()); err != nil {
			logger.Warn("Failed to record failure", "job", job.Name, "error", err)
		}
		return
	}

	if err := p.queue.Complete(job.ID); err != nil {
		logger.Warn("Failed to record completion", "job", job.Name, "error", err)
		return
	}
	logger.Info("Job complete", "job", job.Name,
		"elapsed", time.Since(start).Round(time.Millisecond))
}
