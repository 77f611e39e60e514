package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gwlsn/codecbench/internal/jobs"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	steps TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS job_order (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_kind ON jobs(kind);
`

const jobColumns = `j.id, j.name, j.kind, j.steps, j.status, j.current_step, j.error,
	j.created_at, j.started_at, j.completed_at`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex // Protects concurrent access
	path string
}

// NewSQLiteStore creates a new SQLite-backed store.
// The database file is created if it doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode lets the status server read during a run. Pragmas in the DSN
	// apply to every pooled connection.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// migrate records the schema version and refuses databases written by a
// newer release.
func migrate(db *sql.DB) error {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if version < schemaVersion {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}
	return nil
}

// SaveJob inserts or updates a job.
func (s *SQLiteStore) SaveJob(job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return saveJob(s.db, job)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func saveJob(db execer, job *jobs.Job) error {
	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	// INSERT OR REPLACE would delete the row and cascade to job_order
	_, err = db.Exec(`
		INSERT INTO jobs (
			id, name, kind, steps, status, current_step, error,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			steps = excluded.steps,
			status = excluded.status,
			current_step = excluded.current_step,
			error = excluded.error,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		job.ID, job.Name, string(job.Kind), string(steps), string(job.Status), job.CurrentStep,
		nullString(job.Error), formatTime(job.CreatedAt), formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt),
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(id string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs j WHERE j.id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// DeleteJob removes a job by ID.
func (s *SQLiteStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete from jobs (cascade will remove from job_order)
	_, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	return err
}

// SaveJobs persists multiple jobs in a transaction.
func (s *SQLiteStore) SaveJobs(jobList []*jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, job := range jobList {
		if err := saveJob(tx, job); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetAllJobs returns all jobs in queue order.
func (s *SQLiteStore) GetAllJobs() ([]*jobs.Job, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobList, err := s.queryJobs(`
		SELECT ` + jobColumns + `
		FROM jobs j
		LEFT JOIN job_order o ON j.id = o.job_id
		ORDER BY o.position ASC, j.created_at ASC
	`)
	if err != nil {
		return nil, nil, err
	}

	order := make([]string, len(jobList))
	for i, job := range jobList {
		order[i] = job.ID
	}
	return jobList, order, nil
}

// GetJobsByStatus returns all jobs with the given status.
func (s *SQLiteStore) GetJobsByStatus(status jobs.Status) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryJobs(`
		SELECT `+jobColumns+`
		FROM jobs j
		LEFT JOIN job_order o ON j.id = o.job_id
		WHERE j.status = ?
		ORDER BY o.position ASC, j.created_at ASC
	`, string(status))
}

// RecentJobs returns the most recently created jobs first.
func (s *SQLiteStore) RecentJobs(limit int) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(`
		SELECT `+jobColumns+`
		FROM jobs j
		LEFT JOIN job_order o ON j.id = o.job_id
		ORDER BY j.created_at DESC, o.position DESC
		LIMIT ?
	`, limit)
}

func (s *SQLiteStore) queryJobs(query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobList []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobList = append(jobList, job)
	}
	return jobList, rows.Err()
}

// AppendToOrder adds a job ID to the end of the queue.
func (s *SQLiteStore) AppendToOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("INSERT OR IGNORE INTO job_order (job_id) VALUES (?)", id)
	return err
}

// ResetRunningJobs resets all running jobs to pending.
func (s *SQLiteStore) ResetRunningJobs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'pending', current_step = 0, started_at = NULL
		WHERE status = 'running'
	`)
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	return int(count), err
}

// Stats returns job counts per status.
func (s *SQLiteStore) Stats() (jobs.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats jobs.Stats
	row := s.db.QueryRow(`
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) as pending,
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0) as running,
			COALESCE(SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END), 0) as complete,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) as failed,
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0) as cancelled
		FROM jobs
	`)

	err := row.Scan(&stats.Total, &stats.Pending, &stats.Running, &stats.Complete,
		&stats.Failed, &stats.Cancelled)
	return stats, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Helper functions for scanning rows

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	var kind, steps, status string
	var errStr sql.NullString
	var createdAt, startedAt, completedAt sql.NullString

	err := row.Scan(
		&job.ID, &job.Name, &kind, &steps, &status, &job.CurrentStep, &errStr,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &job.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of job %s: %w", job.ID, err)
		}
	}
	job.Kind = jobs.Kind(kind)
	job.Status = jobs.Status(status)
	job.Error = errStr.String
	job.CreatedAt = parseTime(createdAt.String)
	job.StartedAt = parseTime(startedAt.String)
	job.CompletedAt = parseTime(completedAt.String)

	return &job, nil
}

// Helper functions for SQL values

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
