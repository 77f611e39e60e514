package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gwlsn/codecbench/internal/logger"
)

// Store defines the persistence interface for job data.
// This interface is implemented by internal/store.SQLiteStore.
type Store interface {
	SaveJob(job *Job) error
	SaveJobs(jobs []*Job) error
	GetJob(id string) (*Job, error)
	DeleteJob(id string) error
	GetAllJobs() ([]*Job, []string, error)
	AppendToOrder(id string) error
	ResetRunningJobs() (int, error)
	Close() error
}

// Queue manages the job queue with persistence
type Queue struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // Job IDs in order of creation
	store Store    // Persistence store (nil = in-memory only)

	// Subscribers for job events
	subsMu      sync.RWMutex
	subscribers map[chan JobEvent]struct{}
}

// NewQueue creates a new in-memory job queue.
// Use NewQueueWithStore to keep a ledger of the runs.
func NewQueue() *Queue {
	return &Queue{
		jobs:        make(map[string]*Job),
		order:       make([]string, 0),
		subscribers: make(map[chan JobEvent]struct{}),
	}
}

// NewQueueWithStore creates a job queue backed by a persistent store.
// The store should already be initialized and have running jobs reset.
func NewQueueWithStore(store Store) (*Queue, error) {
	q := NewQueue()
	q.store = store

	// Load existing jobs from store into memory cache
	if store != nil {
		jobs, order, err := store.GetAllJobs()
		if err != nil {
			return nil, fmt.Errorf("load jobs from store: %w", err)
		}

		for _, job := range jobs {
			q.jobs[job.ID] = job
		}
		q.order = order
	}

	return q, nil
}

// persist saves a job to the store (if configured).
// Called with lock held.
func (q *Queue) persist(job *Job) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(job); err != nil {
		logger.Warn("Failed to persist job", "job_id", job.ID, "error", err)
	}
}

// persistOrder adds a job ID to the store's order (if configured).
// Called with lock held.
func (q *Queue) persistOrder(id string) {
	if q.store == nil {
		return
	}
	if err := q.store.AppendToOrder(id); err != nil {
		logger.Warn("Failed to persist job order", "job_id", id, "error", err)
	}
}

// persistDelete removes a job from the store (if configured).
// Called with lock held.
func (q *Queue) persistDelete(id string) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteJob(id); err != nil {
		logger.Warn("Failed to delete job from store", "job_id", id, "error", err)
	}
}

func newJob(name string, kind Kind, steps []Step) *Job {
	return &Job{
		ID:        generateID(),
		Name:      name,
		Kind:      kind,
		Steps:     steps,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// Add appends a pending job to the queue
func (q *Queue) Add(name string, kind Kind, steps []Step) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := newJob(name, kind, steps)
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)

	q.persist(job)
	q.persistOrder(job.ID)

	q.broadcast(JobEvent{Type: "added", Job: job.Copy()})

	return job.Copy()
}

// Request describes a job to enqueue with AddMultiple.
type Request struct {
	Name  string
	Kind  Kind
	Steps []Step
}

// AddMultiple adds multiple jobs at once with batched persistence and a
// single event.
func (q *Queue) AddMultiple(reqs []Request) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobList := make([]*Job, 0, len(reqs))
	for _, r := range reqs {
		job := newJob(r.Name, r.Kind, r.Steps)
		q.jobs[job.ID] = job
		q.order = append(q.order, job.ID)
		jobList = append(jobList, job)
	}

	// Batch persist to store
	if q.store != nil && len(jobList) > 0 {
		if err := q.store.SaveJobs(jobList); err != nil {
			logger.Warn("Failed to persist jobs batch", "error", err)
		}
		for _, job := range jobList {
			q.persistOrder(job.ID)
		}
	}

	if len(jobList) > 0 {
		q.broadcast(JobEvent{Type: "jobs_added", Count: len(jobList)})
	}

	copies := make([]*Job, len(jobList))
	for i, job := range jobList {
		copies[i] = job.Copy()
	}
	return copies
}

// Get returns a copy of a job by ID
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, jobNotFoundError(id)
	}
	return job.Copy(), nil
}

// GetAll returns copies of all jobs in order
func (q *Queue) GetAll() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	jobs := make([]*Job, 0, len(q.order))
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok {
			jobs = append(jobs, job.Copy())
		}
	}
	return jobs
}

// Claim marks the first pending job as running and returns a copy of it.
// It returns nil when nothing is pending. Two workers never get the same job.
func (q *Queue) Claim() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		job, ok := q.jobs[id]
		if !ok || job.Status != StatusPending {
			continue
		}

		job.Status = StatusRunning
		job.StartedAt = time.Now()
		job.CurrentStep = 0
		job.Error = ""

		q.persist(job)
		q.broadcast(JobEvent{Type: "started", Job: job.Copy()})
		return job.Copy()
	}
	return nil
}

// SetStep records the step a running job is executing.
func (q *Queue) SetStep(id string, step int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return jobNotFoundError(id)
	}
	if job.Status != StatusRunning {
		return jobNotRunningError(id, job.Status)
	}

	job.CurrentStep = step

	// Step changes are rare enough to persist every one
	q.persist(job)
	q.broadcast(JobEvent{Type: "step", Job: job.Copy()})

	return nil
}

// Complete marks a running job as complete
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return jobNotFoundError(id)
	}
	if job.Status != StatusRunning {
		return jobNotRunningError(id, job.Status)
	}

	job.Status = StatusComplete
	job.CurrentStep = len(job.Steps)
	job.CompletedAt = time.Now()

	q.persist(job)
	q.broadcast(JobEvent{Type: "complete", Job: job.Copy()})

	return nil
}

// Fail marks a running job as failed
func (q *Queue) Fail(id string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return jobNotFoundError(id)
	}
	if job.Status != StatusRunning {
		return jobNotRunningError(id, job.Status)
	}

	job.Status = StatusFailed
	job.Error = errMsg
	job.CompletedAt = time.Now()

	q.persist(job)
	q.broadcast(JobEvent{Type: "failed", Job: job.Copy()})

	return nil
}

// Cancel cancels a pending job. Running jobs are stopped through the
// context passed to Pool.Run and end up cancelled there.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return jobNotFoundError(id)
	}
	if job.Status != StatusPending {
		return jobNotPendingError(id, job.Status)
	}

	q.cancelLocked(job, "")
	return nil
}

// CancelAll cancels every pending job and returns how many were cancelled.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok && job.Status == StatusPending {
			q.cancelLocked(job, "")
			count++
		}
	}
	return count
}

// abort moves a running job to cancelled after its context was cancelled.
func (q *Queue) abort(id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return jobNotFoundError(id)
	}
	if job.Status != StatusRunning {
		return jobNotRunningError(id, job.Status)
	}

	q.cancelLocked(job, reason)
	return nil
}

func (q *Queue) cancelLocked(job *Job, reason string) {
	job.Status = StatusCancelled
	job.Error = reason
	job.CompletedAt = time.Now()

	q.persist(job)
	q.broadcast(JobEvent{Type: "cancelled", Job: job.Copy()})
}

// Remove deletes a job that is not running
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return jobNotFoundError(id)
	}
	if job.Status == StatusRunning {
		return fmt.Errorf("cannot remove running job: %s", id)
	}

	delete(q.jobs, id)
	for i, jid := range q.order {
		if jid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}

	q.persistDelete(id)
	q.broadcast(JobEvent{Type: "removed", Job: job.Copy()})

	return nil
}

// Clear removes all terminal jobs and returns how many were removed
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	removed := 0
	for _, id := range q.order {
		job, ok := q.jobs[id]
		if ok && job.IsTerminal() {
			delete(q.jobs, id)
			q.persistDelete(id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept

	if removed > 0 {
		q.broadcast(JobEvent{Type: "removed", Count: removed})
	}
	return removed
}

// Subscribe returns a channel that receives job events
func (q *Queue) Subscribe() chan JobEvent {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()

	ch := make(chan JobEvent, 100)
	q.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription
func (q *Queue) Unsubscribe(ch chan JobEvent) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()

	if _, ok := q.subscribers[ch]; ok {
		delete(q.subscribers, ch)
		close(ch)
	}
}

// broadcast sends an event to all subscribers
func (q *Queue) broadcast(event JobEvent) {
	q.subsMu.RLock()
	defer q.subsMu.RUnlock()

	for ch := range q.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// Stats holds queue statistics
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Complete  int `json:"complete"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Stats returns queue statistics
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var stats Stats
	for _, job := range q.jobs {
		stats.Count(job.Status)
	}
	return stats
}

// Count adds one job with the given status.
func (s *Stats) Count(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusComplete:
		s.Complete++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
}

// generateID creates a unique job ID
func generateID() string {
	return uuid.NewString()
}
