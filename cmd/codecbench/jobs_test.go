package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gwlsn/codecbench/internal/config"
	"github.com/gwlsn/codecbench/internal/jobs"
)

func setupLedger(t *testing.T) (done, failed, pending *jobs.Job) {
	t.Helper()
	cfg = config.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "ledger.db")
	t.Cleanup(func() { cfg = nil })

	err := withLedger(func(q *jobs.Queue) error {
		added := q.AddMultiple([]jobs.Request{
			{Name: "encode_R01", Kind: jobs.KindEncode},
			{Name: "encode_R02", Kind: jobs.KindEncode},
			{Name: "render", Kind: jobs.KindRender},
		})
		done, failed, pending = added[0], added[1], added[2]
		q.Claim()
		q.Complete(done.ID)
		q.Claim()
		return q.Fail(failed.ID, "exit status 1")
	})
	if err != nil {
		t.Fatal(err)
	}
	return done, failed, pending
}

func ledgerJobs(t *testing.T) []*jobs.Job {
	t.Helper()
	var all []*jobs.Job
	if err := withLedger(func(q *jobs.Queue) error {
		all = q.GetAll()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return all
}

func TestJobsClear(t *testing.T) {
	_, _, pending := setupLedger(t)

	if err := jobsClearCmd.RunE(jobsClearCmd, nil); err != nil {
		t.Fatal(err)
	}
	all := ledgerJobs(t)
	if len(all) != 1 || all[0].ID != pending.ID {
		t.Fatalf("after clear: %+v", all)
	}
}

func TestJobsCancelAndRemove(t *testing.T) {
	done, _, pending := setupLedger(t)

	if err := jobsCancelCmd.RunE(jobsCancelCmd, []string{pending.ID}); err != nil {
		t.Fatal(err)
	}
	if err := jobsCancelCmd.RunE(jobsCancelCmd, []string{done.ID}); err == nil {
		t.Error("cancelling a finished job should fail")
	}
	if err := jobsRemoveCmd.RunE(jobsRemoveCmd, []string{done.ID, pending.ID}); err != nil {
		t.Fatal(err)
	}
	if err := jobsRemoveCmd.RunE(jobsRemoveCmd, []string{"missing"}); err == nil {
		t.Error("removing an unknown job should fail")
	}

	all := ledgerJobs(t)
	if len(all) != 1 || all[0].Name != "encode_R02" {
		t.Fatalf("after remove: %+v", all)
	}
}

func TestPrintJobs(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	list := []*jobs.Job{
		{ID: "1", Name: "encode_R01", Status: jobs.StatusFailed, Error: "exit status 1",
			StartedAt: start, CompletedAt: start.Add(90 * time.Second)},
		{ID: "2", Name: "render", Status: jobs.StatusPending},
	}
	stats := jobs.Stats{Total: 2, Pending: 1, Failed: 1}

	var buf bytes.Buffer
	if err := printJobs(&buf, list, stats); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if f := strings.Fields(lines[1]); f[3] != "1m30s" || f[2] != "failed" {
		t.Errorf("failed row = %q", lines[1])
	}
	if f := strings.Fields(lines[2]); f[3] != "-" {
		t.Errorf("pending row = %q", lines[2])
	}
	if lines[3] != "2 jobs: 1 pending, 0 running, 0 complete, 1 failed, 0 cancelled" {
		t.Errorf("summary = %q", lines[3])
	}
}

func TestJobsRetry(t *testing.T) {
	done, failed, _ := setupLedger(t)

	err := withLedger(func(q *jobs.Queue) error {
		if _, err := retryJobs(q, []string{done.ID}); err == nil {
			t.Error("retrying a complete job should fail")
		}
		ids, err := retryJobs(q, []string{failed.ID})
		if err != nil {
			return err
		}
		if len(ids) != 1 || ids[0] == failed.ID {
			t.Fatalf("retried ids = %v", ids)
		}
		retry, err := q.Get(ids[0])
		if err != nil {
			return err
		}
		if retry.Name != "encode_R02" || retry.Status != jobs.StatusPending {
			t.Errorf("retry = %+v", retry)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(ledgerJobs(t)); n != 4 {
		t.Errorf("ledger holds %d jobs, want 4", n)
	}
}
