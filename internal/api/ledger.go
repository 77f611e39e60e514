package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/logger"
)

// LedgerStore is the part of the job ledger the status server reads.
type LedgerStore interface {
	GetAllJobs() ([]*jobs.Job, []string, error)
	RecentJobs(limit int) ([]*jobs.Job, error)
}

// Ledger serves jobs written to the ledger by another process. It polls the
// store and turns the differences between two polls into job events.
type Ledger struct {
	store    LedgerStore
	interval time.Duration

	mu    sync.RWMutex
	jobs  map[string]*jobs.Job
	order []string

	subsMu      sync.RWMutex
	subscribers map[chan jobs.JobEvent]struct{}
}

// NewLedger creates a ledger source polling every interval (default 2s).
func NewLedger(store LedgerStore, interval time.Duration) *Ledger {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Ledger{
		store:       store,
		interval:    interval,
		jobs:        make(map[string]*jobs.Job),
		subscribers: make(map[chan jobs.JobEvent]struct{}),
	}
}

// Run polls the store until ctx is done.
func (l *Ledger) Run(ctx context.Context) error {
	if err := l.Refresh(); err != nil {
		return err
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Refresh(); err != nil {
				logger.Warn("Failed to read job ledger", "error", err)
			}
		}
	}
}

// Refresh reloads the jobs and broadcasts one event per changed job.
func (l *Ledger) Refresh() error {
	all, order, err := l.store.GetAllJobs()
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	next := make(map[string]*jobs.Job, len(all))
	for _, job := range all {
		next[job.ID] = job
	}

	l.mu.Lock()
	prev := l.jobs
	l.jobs = next
	l.order = order
	l.mu.Unlock()

	for _, id := range order {
		job := next[id]
		old, seen := prev[id]
		switch {
		case !seen:
			l.broadcast(jobs.JobEvent{Type: "added", Job: job.Copy()})
		case old.Status != job.Status:
			l.broadcast(jobs.JobEvent{Type: eventType(job.Status), Job: job.Copy()})
		case old.CurrentStep != job.CurrentStep:
			l.broadcast(jobs.JobEvent{Type: "step", Job: job.Copy()})
		}
	}
	for id, old := range prev {
		if _, ok := next[id]; !ok {
			l.broadcast(jobs.JobEvent{Type: "removed", Job: old.Copy()})
		}
	}
	return nil
}

func eventType(s jobs.Status) string {
	switch s {
	case jobs.StatusRunning:
		return "started"
	case jobs.StatusPending:
		return "requeued"
	default:
		return string(s)
	}
}

// GetAll returns copies of all jobs in queue order.
func (l *Ledger) GetAll() []*jobs.Job {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*jobs.Job, 0, len(l.order))
	for _, id := range l.order {
		if job, ok := l.jobs[id]; ok {
			out = append(out, job.Copy())
		}
	}
	return out
}

// Get returns a copy of a job by ID.
func (l *Ledger) Get(id string) (*jobs.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	job, ok := l.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	return job.Copy(), nil
}

// Recent reads the newest jobs from the store, newest first.
func (l *Ledger) Recent(limit int) ([]*jobs.Job, error) {
	recent, err := l.store.RecentJobs(limit)
	if err != nil {
		return nil, fmt.Errorf("load recent jobs: %w", err)
	}
	return recent, nil
}

// Stats counts the jobs of the last poll.
func (l *Ledger) Stats() jobs.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var stats jobs.Stats
	for _, job := range l.jobs {
		stats.Count(job.Status)
	}
	return stats
}

// Subscribe returns a channel that receives job events
func (l *Ledger) Subscribe() chan jobs.JobEvent {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()

	ch := make(chan jobs.JobEvent, 100)
	l.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription
func (l *Ledger) Unsubscribe(ch chan jobs.JobEvent) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()

	if _, ok := l.subscribers[ch]; ok {
		delete(l.subscribers, ch)
		close(ch)
	}
}

func (l *Ledger) broadcast(event jobs.JobEvent) {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()

	for ch := range l.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
