package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gwlsn/codecbench/internal/jobs"
)

func createTestJob(id string) *jobs.Job {
	return &jobs.Job{
		ID:   id,
		Name: "S26C2RAR0" + id,
		Kind: jobs.KindEncode,
		Steps: []jobs.Step{
			{
				Name:       "encode",
				Args:       []string{"bin/PccAppEncoder", "--geometryQP=16", "--attributeQP=20"},
				LogPath:    "F32_test/S26C2RA_longdress/S26C2RAR01_longdress_encoder.log",
				CommandLog: "F32_test/S26C2RA_longdress/S26C2RAR01_longdress_command.log",
			},
			{Name: "clean", Remove: []string{"F32_test/S26C2RA_longdress/S26C2RAR01_longdress_dec_*.ply"}},
		},
		Status:    jobs.StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SaveJob_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	job := createTestJob("1")
	job.Status = jobs.StatusFailed
	job.CurrentStep = 1
	job.Error = "step encode failed with exit code 1"
	job.StartedAt = job.CreatedAt.Add(time.Second)
	job.CompletedAt = job.CreatedAt.Add(time.Minute)

	if err := store.SaveJob(job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	got, err := store.GetJob("1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if diff := cmp.Diff(job, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_SaveJob_UpdatesExisting(t *testing.T) {
	store := newTestStore(t)

	job := createTestJob("1")
	store.SaveJob(job)
	store.AppendToOrder(job.ID)

	job.Status = jobs.StatusRunning
	job.CurrentStep = 1
	if err := store.SaveJob(job); err != nil {
		t.Fatalf("SaveJob update: %v", err)
	}

	got, _ := store.GetJob("1")
	if got.Status != jobs.StatusRunning || got.CurrentStep != 1 {
		t.Errorf("update not persisted: %+v", got)
	}

	// An update must not drop the job from the order
	_, order, err := store.GetAllJobs()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"1"}, order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_GetJob_ReturnsNilForMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetJob("missing")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestSQLiteStore_DeleteJob_RemovesJobAndOrder(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"1", "2"} {
		store.SaveJob(createTestJob(id))
		store.AppendToOrder(id)
	}
	if err := store.DeleteJob("1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	// Deleting twice is fine
	if err := store.DeleteJob("1"); err != nil {
		t.Fatalf("DeleteJob again: %v", err)
	}

	all, order, _ := store.GetAllJobs()
	if len(all) != 1 || all[0].ID != "2" {
		t.Errorf("unexpected jobs: %+v", all)
	}
	if diff := cmp.Diff([]string{"2"}, order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_AppendToOrder_MaintainsInsertionOrder(t *testing.T) {
	store := newTestStore(t)

	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		store.SaveJob(createTestJob(id))
		store.AppendToOrder(id)
	}
	// Appending again is ignored
	store.AppendToOrder("c")

	_, order, err := store.GetAllJobs()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ids, order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_GetJobsByStatus(t *testing.T) {
	store := newTestStore(t)

	statuses := map[string]jobs.Status{
		"1": jobs.StatusPending,
		"2": jobs.StatusComplete,
		"3": jobs.StatusPending,
		"4": jobs.StatusFailed,
	}
	for _, id := range []string{"1", "2", "3", "4"} {
		job := createTestJob(id)
		job.Status = statuses[id]
		store.SaveJob(job)
		store.AppendToOrder(id)
	}

	pending, err := store.GetJobsByStatus(jobs.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != "1" || pending[1].ID != "3" {
		t.Errorf("unexpected pending jobs: %+v", pending)
	}

	running, _ := store.GetJobsByStatus(jobs.StatusRunning)
	if len(running) != 0 {
		t.Errorf("expected no running jobs, got %d", len(running))
	}
}

func TestSQLiteStore_RecentJobs(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"old", "mid", "new"} {
		job := createTestJob(id)
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		store.SaveJob(job)
		store.AppendToOrder(id)
	}

	recent, err := store.RecentJobs(2)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, j := range recent {
		ids = append(ids, j.ID)
	}
	if diff := cmp.Diff([]string{"new", "mid"}, ids); diff != "" {
		t.Errorf("recent jobs (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_ResetRunningJobs(t *testing.T) {
	store := newTestStore(t)

	running := createTestJob("1")
	running.Status = jobs.StatusRunning
	running.CurrentStep = 1
	running.StartedAt = time.Now()
	store.SaveJob(running)

	done := createTestJob("2")
	done.Status = jobs.StatusComplete
	store.SaveJob(done)

	count, err := store.ResetRunningJobs()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("reset %d jobs, want 1", count)
	}

	got, _ := store.GetJob("1")
	if got.Status != jobs.StatusPending || got.CurrentStep != 0 || !got.StartedAt.IsZero() {
		t.Errorf("running job not reset: %+v", got)
	}
	got, _ = store.GetJob("2")
	if got.Status != jobs.StatusComplete {
		t.Errorf("complete job changed: %s", got.Status)
	}
}

func TestSQLiteStore_Stats(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats on empty store: %v", err)
	}
	if stats != (jobs.Stats{}) {
		t.Errorf("expected zero stats, got %+v", stats)
	}

	for i, status := range []jobs.Status{
		jobs.StatusPending, jobs.StatusPending, jobs.StatusRunning,
		jobs.StatusComplete, jobs.StatusFailed, jobs.StatusCancelled,
	} {
		job := createTestJob(string(rune('a' + i)))
		job.Status = status
		store.SaveJob(job)
	}

	stats, err = store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	want := jobs.Stats{Pending: 2, Running: 1, Complete: 1, Failed: 1, Cancelled: 1, Total: 6}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_SaveJobs_BatchPersistence(t *testing.T) {
	store := newTestStore(t)

	batch := []*jobs.Job{createTestJob("1"), createTestJob("2"), createTestJob("3")}
	if err := store.SaveJobs(batch); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}

	all, _, err := store.GetAllJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 jobs, got %d", len(all))
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "codecbench.db")

	store1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	store1.SaveJob(createTestJob("1"))
	store1.AppendToOrder("1")
	store1.Close()

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	got, err := store2.GetJob("1")
	if err != nil || got == nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[1].Remove[0] == "" {
		t.Errorf("steps not persisted: %+v", got.Steps)
	}
}

func TestSQLiteStore_RejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "codecbench.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion+1); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if _, err := NewSQLiteStore(dbPath); err == nil {
		t.Error("expected an error for a newer schema")
	}
}

func TestSQLiteStore_WALMode(t *testing.T) {
	store := newTestStore(t)

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestInitStoreResetsRunningJobs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "codecbench.db")

	store1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	job := createTestJob("1")
	job.Status = jobs.StatusRunning
	store1.SaveJob(job)
	store1.Close()

	store2, err := InitStore(dbPath)
	if err != nil {
		t.Fatalf("InitStore: %v", err)
	}
	defer store2.Close()

	got, _ := store2.GetJob("1")
	if got.Status != jobs.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestOpenReadOnlyRequiresExistingLedger(t *testing.T) {
	if _, err := OpenReadOnly(filepath.Join(t.TempDir(), "none.db")); err == nil {
		t.Error("expected an error for a missing ledger")
	}
}

func TestIsDBPath(t *testing.T) {
	if !IsDBPath("out/codecbench.db") || IsDBPath("codecbench.yaml") {
		t.Error("IsDBPath misclassified a path")
	}
}
