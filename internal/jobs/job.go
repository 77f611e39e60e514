package jobs

import (
	"time"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Kind groups jobs by the harness that planned them.
type Kind string

const (
	KindEncode Kind = "encode" // V-PCC encode, decode and metric of one rate point
	KindDecode Kind = "decode" // bitstream to PLY
	KindRender Kind = "render" // PLY to video
	KindPLY    Kind = "ply"    // mesh to PLY
)

// Step is one external command of a job.
type Step struct {
	Name string `json:"name"`

	// Args is the command line, program first. A step without Args only
	// removes files.
	Args []string `json:"args,omitempty"`

	// Dir is the working directory (default: current directory).
	Dir string `json:"dir,omitempty"`

	// LogPath receives stdout, truncated first.
	LogPath string `json:"log_path,omitempty"`

	// CommandLog gets the command line appended before it runs.
	CommandLog string `json:"command_log,omitempty"`

	// Remove lists glob patterns deleted before the command runs.
	Remove []string `json:"remove,omitempty"`
}

// Job is a sequence of steps that run one after the other.
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Steps       []Step    `json:"steps"`
	Status      Status    `json:"status"`
	CurrentStep int       `json:"current_step"` // index into Steps while running
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == StatusComplete || j.Status == StatusFailed || j.Status == StatusCancelled
}

// Elapsed returns the run time of a started job.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.CompletedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// Copy returns a deep copy that is safe to hand to other goroutines.
func (j *Job) Copy() *Job {
	c := *j
	c.Steps = make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		s.Args = append([]string(nil), s.Args...)
		s.Remove = append([]string(nil), s.Remove...)
		c.Steps[i] = s
	}
	return &c
}

// JobEvent represents an event for SSE streaming
type JobEvent struct {
	Type  string `json:"type"` // "added", "jobs_added", "started", "step", "complete", "failed", "cancelled", "removed"
	Job   *Job   `json:"job,omitempty"`
	Count int    `json:"count,omitempty"` // for jobs_added
}
