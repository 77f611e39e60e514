package pcc

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/logger"
)

// Executor runs job requests through a queue and a worker pool.
type Executor struct {
	Queue   *jobs.Queue
	Runner  jobs.Runner
	Workers int
}

// Run queues reqs, runs the pool until the queue drains and returns the final
// state of the queued jobs, in request order. Failed jobs are not an error.
func (e *Executor) Run(ctx context.Context, reqs []jobs.Request) ([]*jobs.Job, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	added := e.Queue.AddMultiple(reqs)
	if err := jobs.NewPool(e.Queue, e.Runner, e.Workers).Run(ctx); err != nil {
		return nil, err
	}

	final := make([]*jobs.Job, len(added))
	for i, job := range added {
		j, err := e.Queue.Get(job.ID)
		if err != nil {
			return nil, err
		}
		final[i] = j
	}

	failed := lo.CountBy(final, func(j *jobs.Job) bool { return j.Status != jobs.StatusComplete })
	if failed > 0 {
		logger.Warn("Some jobs did not complete", "failed", failed, "total", len(final))
	}
	return final, nil
}

// Run generates the PLY sequences of every pending test: sampling, then
// quantization with the sampled bounding box, then the output log.
func (g *PLYGen) Run(ctx context.Context, exec *Executor) error {
	pending := g.Pending()
	if len(pending) == 0 {
		return nil
	}

	sampled, err := exec.Run(ctx, lo.Map(pending, func(t PLYTest, _ int) jobs.Request {
		return g.SampleJob(t)
	}))
	if err != nil {
		return err
	}

	var quantize []jobs.Request
	var tests []PLYTest
	for i, job := range sampled {
		if job.Status != jobs.StatusComplete {
			continue
		}
		req, err := g.QuantizeJob(pending[i])
		if err != nil {
			logger.Error("Cannot quantize", "test", pending[i].Name, "error", err)
			continue
		}
		quantize = append(quantize, req)
		tests = append(tests, pending[i])
	}

	quantized, err := exec.Run(ctx, quantize)
	if err != nil {
		return err
	}

	done := 0
	for i, job := range quantized {
		if job.Status != jobs.StatusComplete {
			continue
		}
		if err := g.WriteLog(tests[i]); err != nil {
			logger.Error("Cannot write PLY log", "test", tests[i].Name, "error", err)
			continue
		}
		done++
	}
	if done != len(pending) {
		return fmt.Errorf("%d of %d PLY sequences failed", len(pending)-done, len(pending))
	}
	return nil
}
