package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for job operations.
// These can be checked with errors.Is().
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotRunning = errors.New("job is not running")
	ErrJobNotPending = errors.New("job is not pending")
)

// jobNotFoundError returns a wrapped error for a missing job.
func jobNotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// jobNotRunningError returns a wrapped error for a job in an unexpected state.
func jobNotRunningError(id string, status Status) error {
	return fmt.Errorf("%w (status: %s): %s", ErrJobNotRunning, status, id)
}

func jobNotPendingError(id string, status Status) error {
	return fmt.Errorf("%w (status: %s): %s", ErrJobNotPending, status, id)
}

// StepError is returned when an external command exits unsuccessfully.
type StepError struct {
	Step     string
	ExitCode int
	Stderr   string // last lines of stderr
	Err      error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %s failed", e.Step)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}
