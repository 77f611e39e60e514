package store

import (
	"github.com/gwlsn/codecbench/internal/jobs"
)

// Store defines the persistence interface for job data.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveJob persists a job. If the job already exists (by ID), it is updated.
	SaveJob(job *jobs.Job) error

	// GetJob retrieves a job by ID. Returns nil if not found.
	GetJob(id string) (*jobs.Job, error)

	// DeleteJob removes a job by ID. Also removes it from the order.
	// Returns nil if the job doesn't exist.
	DeleteJob(id string) error

	// SaveJobs persists multiple jobs in a single transaction.
	SaveJobs(jobList []*jobs.Job) error

	// GetAllJobs returns all jobs and their order.
	GetAllJobs() ([]*jobs.Job, []string, error)

	// GetJobsByStatus returns all jobs with the given status in queue order.
	GetJobsByStatus(status jobs.Status) ([]*jobs.Job, error)

	// RecentJobs returns up to limit jobs, most recently created first.
	RecentJobs(limit int) ([]*jobs.Job, error)

	// AppendToOrder adds a job ID to the end of the queue order.
	AppendToOrder(id string) error

	// ResetRunningJobs changes all jobs with status "running" to "pending".
	// Used on startup to recover from an interrupted run.
	// Returns the number of jobs reset.
	ResetRunningJobs() (int, error)

	// Stats returns job counts per status.
	Stats() (jobs.Stats, error)

	// Close closes the store and releases resources.
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
var _ jobs.Store = (*SQLiteStore)(nil)
