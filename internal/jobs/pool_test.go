package jobs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/gwlsn/codecbench/internal/jobs"
)

// fakeRunner records steps and fails the ones named in fail.
type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	fail    map[string]bool
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (r *fakeRunner) RunStep(ctx context.Context, step jobs.Step) error {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	r.ran = append(r.ran, step.Name)
	r.mu.Unlock()

	if r.fail[step.Name] {
		return &jobs.StepError{Step: step.Name, ExitCode: 1}
	}
	return nil
}

func TestPoolRunsAllJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := jobs.NewQueue()
	queue.Add("one", jobs.KindEncode, []jobs.Step{{Name: "1a"}, {Name: "1b"}})
	queue.Add("two", jobs.KindEncode, []jobs.Step{{Name: "2a"}})

	runner := &fakeRunner{}
	if err := jobs.NewPool(queue, runner, 1).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]string{"1a", "1b", "2a"}, runner.ran); diff != "" {
		t.Errorf("step order (-want +got):\n%s", diff)
	}
	if s := queue.Stats(); s.Complete != 2 || s.Total != 2 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestPoolFailureDoesNotStopOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := jobs.NewQueue()
	bad := queue.Add("bad", jobs.KindEncode, []jobs.Step{{Name: "encode"}, {Name: "decode"}})
	good := queue.Add("good", jobs.KindEncode, []jobs.Step{{Name: "render"}})

	runner := &fakeRunner{fail: map[string]bool{"encode": true}}
	if err := jobs.NewPool(queue, runner, 2).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := queue.Get(bad.ID)
	if got.Status != jobs.StatusFailed {
		t.Errorf("bad job status = %s", got.Status)
	}
	if !strings.Contains(got.Error, "step encode failed with exit code 1") {
		t.Errorf("bad job error = %q", got.Error)
	}
	if got.CurrentStep != 0 {
		t.Errorf("failed at step %d, want 0", got.CurrentStep)
	}

	got, _ = queue.Get(good.ID)
	if got.Status != jobs.StatusComplete {
		t.Errorf("good job status = %s", got.Status)
	}

	for _, name := range runner.ran {
		if name == "decode" {
			t.Error("steps after a failure must not run")
		}
	}
}

func TestPoolParallelism(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := jobs.NewQueue()
	for i := 0; i < 12; i++ {
		queue.Add("job", jobs.KindRender, []jobs.Step{{Name: "render"}})
	}

	runner := &fakeRunner{delay: 20 * time.Millisecond}
	pool := jobs.NewPool(queue, runner, 3)
	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak := runner.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency %d exceeds 3 workers", peak)
	}
	if s := queue.Stats(); s.Complete != 12 {
		t.Errorf("completed %d jobs, want 12", s.Complete)
	}
}

// chainRunner queues a follow-up job while running the first step it sees.
type chainRunner struct {
	queue *jobs.Queue
	once  sync.Once
	ran   atomic.Int32
}

func (r *chainRunner) RunStep(ctx context.Context, step jobs.Step) error {
	r.once.Do(func() {
		r.queue.Add("follow-up", jobs.KindPLY, []jobs.Step{{Name: "quantize"}})
	})
	r.ran.Add(1)
	return nil
}

func TestPoolRunsJobsAddedDuringRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := jobs.NewQueue()
	queue.Add("sample", jobs.KindPLY, []jobs.Step{{Name: "sample"}})

	runner := &chainRunner{queue: queue}
	if err := jobs.NewPool(queue, runner, 4).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := runner.ran.Load(); n != 2 {
		t.Errorf("ran %d steps, want 2", n)
	}
	if s := queue.Stats(); s.Complete != 2 || s.Pending != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestPoolWorkerClamp(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1},
		{-3, 1},
		{4, 4},
		{16, 16},
		{99, 16},
	}
	for _, tt := range tests {
		if got := jobs.NewPool(jobs.NewQueue(), nil, tt.in).Workers(); got != tt.want {
			t.Errorf("NewPool(%d).Workers() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPoolCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := jobs.NewQueue()
	first := queue.Add("slow", jobs.KindEncode, []jobs.Step{{Name: "encode"}})
	second := queue.Add("waiting", jobs.KindEncode, []jobs.Step{{Name: "encode"}})

	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{delay: 10 * time.Second}

	done := make(chan error, 1)
	go func() { done <- jobs.NewPool(queue, runner, 1).Run(ctx) }()

	// Wait for the first job to start
	deadline := time.Now().Add(5 * time.Second)
	for queue.Stats().Running == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	got, _ := queue.Get(first.ID)
	if got.Status != jobs.StatusCancelled {
		t.Errorf("running job status = %s, want cancelled", got.Status)
	}
	got, _ = queue.Get(second.ID)
	if got.Status != jobs.StatusPending {
		t.Errorf("waiting job status = %s, want pending", got.Status)
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecRunner(t *testing.T) {
	dir := t.TempDir()
	tool := writeScript(t, dir, "tool.sh", "echo \"out $1\"\necho 'err line' >&2\n")

	stale := filepath.Join(dir, "dec_0001.ply")
	if err := os.WriteFile(stale, nil, 0644); err != nil {
		t.Fatal(err)
	}

	step := jobs.Step{
		Name:       "encode",
		Args:       []string{tool, "with space"},
		LogPath:    filepath.Join(dir, "logs", "encoder.log"),
		CommandLog: filepath.Join(dir, "logs", "command.log"),
		Remove:     []string{filepath.Join(dir, "dec_*.ply")},
	}

	runner := &jobs.ExecRunner{}
	for i := 0; i < 2; i++ {
		if err := runner.RunStep(context.Background(), step); err != nil {
			t.Fatalf("RunStep: %v", err)
		}
	}

	out, err := os.ReadFile(step.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "out with space\n" {
		t.Errorf("stdout log = %q", out)
	}

	cmdLog, _ := os.ReadFile(step.CommandLog)
	wantLine := tool + " 'with space'\n"
	if string(cmdLog) != wantLine+wantLine {
		t.Errorf("command log = %q", cmdLog)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("files matching Remove were not deleted")
	}
}

func TestExecRunnerFailure(t *testing.T) {
	dir := t.TempDir()
	tool := writeScript(t, dir, "fail.sh", "echo 'cannot open input' >&2\nexit 3\n")

	err := (&jobs.ExecRunner{}).RunStep(context.Background(), jobs.Step{Name: "decode", Args: []string{tool}})

	var se *jobs.StepError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if se.Step != "decode" || se.ExitCode != 3 {
		t.Errorf("unexpected error: %+v", se)
	}
	if !strings.Contains(se.Error(), "cannot open input") {
		t.Errorf("stderr missing from %q", se.Error())
	}
}

func TestExecRunnerRemoveOnly(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "longdress_default_cube_size1.mp4")
	if err := os.WriteFile(video, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	err := (&jobs.ExecRunner{}).RunStep(context.Background(), jobs.Step{
		Name:   "clean",
		Remove: []string{filepath.Join(dir, "longdress_default_cube_size1*")},
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if _, err := os.Stat(video); !os.IsNotExist(err) {
		t.Error("video was not removed")
	}
}

func TestCommandLine(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bin/PccAppEncoder", "--geometryQP=16"}, "bin/PccAppEncoder --geometryQP=16"},
		{[]string{"echo", ""}, "echo ''"},
		{[]string{"echo", "it's"}, `echo 'it'"'"'s'`},
		{[]string{"mm", "sample", "--mode", "grid", "--gridSize", "1024"}, "mm sample --mode grid --gridSize 1024"},
	}
	for _, tt := range tests {
		if got := jobs.CommandLine(tt.args); got != tt.want {
			t.Errorf("CommandLine(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
