package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gwlsn/codecbench/internal/logger"
)

// stderrTail is how much of a failing command's stderr is kept.
const stderrTail = 4096

// Runner executes the steps of a job.
type Runner interface {
	RunStep(ctx context.Context, step Step) error
}

// ExecRunner runs steps as local processes.
type ExecRunner struct {
	// Env is appended to the current environment.
	Env []string
}

// RunStep removes the step's files, appends its command line to the command
// log and runs it with stdout sent to the step log.
func (r *ExecRunner) RunStep(ctx context.Context, step Step) error {
	if err := removeGlobs(step.Remove); err != nil {
		return &StepError{Step: step.Name, ExitCode: -1, Err: err}
	}
	if len(step.Args) == 0 {
		return nil
	}

	if step.CommandLog != "" {
		if err := appendLine(step.CommandLog, CommandLine(step.Args)); err != nil {
			return &StepError{Step: step.Name, ExitCode: -1, Err: err}
		}
	}

	cmd := exec.CommandContext(ctx, step.Args[0], step.Args[1:]...)
	cmd.Dir = step.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	stdout := io.Discard
	if step.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(step.LogPath), 0755); err != nil {
			return &StepError{Step: step.Name, ExitCode: -1, Err: err}
		}
		f, err := os.Create(step.LogPath)
		if err != nil {
			return &StepError{Step: step.Name, ExitCode: -1, Err: err}
		}
		defer f.Close()
		stdout = f
	}
	cmd.Stdout = stdout

	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail

	logger.Debug("Running step", "step", step.Name, "args", step.Args, "dir", step.Dir)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		se := &StepError{Step: step.Name, ExitCode: -1, Stderr: tail.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			se.ExitCode = exitErr.ExitCode()
		}
		return se
	}
	return nil
}

// removeGlobs deletes every file matching the patterns.
func removeGlobs(patterns []string) error {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				return err
			}
		}
		if len(matches) > 0 {
			logger.Debug("Removed files", "pattern", pattern, "count", len(matches))
		}
	}
	return nil
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// CommandLine renders args as a POSIX shell command line.
func CommandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			strings.ContainsRune("-_./=:,+%@", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
