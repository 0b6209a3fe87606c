//go:build sqlite
// +build sqlite

package stepifi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite.
// It provides ACID transactions and is suitable for single-server deployments
// where the job history should be inspectable with standard SQL tooling.
// Unlike BadgerStore there is no database-native TTL; the record-level expiry
// check in Get/List plus the sweeper provide the same visible behavior.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed job store.
// The database file will be created if it doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema initializes the database schema.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT,
		input_file TEXT,
		output_file TEXT,
		original_name TEXT,
		tolerance REAL NOT NULL,
		repair INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		result BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Put persists a new job record.
func (s *SQLiteStore) Put(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	var result []byte
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		result = data
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, progress, message, input_file, output_file,
			original_name, tolerance, repair, created_at, expires_at, attempts, error, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Status, job.Progress, job.Message, job.InputFile, job.OutputFile,
		job.OriginalName, job.Tolerance, boolToInt(job.Repair),
		job.CreatedAt.Unix(), job.ExpiresAt.Unix(), job.Attempts, job.Error, result)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by id, treating expired records as absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, progress, message, input_file, output_file,
			original_name, tolerance, repair, created_at, expires_at, attempts, error, result
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return job, nil
}

// Merge applies a partial update inside a transaction and returns the record.
func (s *SQLiteStore) Merge(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, status, progress, message, input_file, output_file,
			original_name, tolerance, repair, created_at, expires_at, attempts, error, result
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Expired(time.Now()) {
		return nil, ErrNotFound
	}

	applyPatch(job, patch)

	var result []byte
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		result = data
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, message = ?, output_file = ?,
			attempts = ?, error = ?, result = ?
		WHERE id = ?
	`, job.Status, job.Progress, job.Message, job.OutputFile,
		job.Attempts, job.Error, result, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// List returns all non-expired records, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Job, error) {
	return s.list(ctx, `WHERE expires_at > ?`, time.Now())
}

// ListExpired returns records already past their TTL.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]*Job, error) {
	return s.list(ctx, `WHERE expires_at <= ?`, now)
}

func (s *SQLiteStore) list(ctx context.Context, where string, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, progress, message, input_file, output_file,
			original_name, tolerance, repair, created_at, expires_at, attempts, error, result
		FROM jobs `+where+` ORDER BY created_at DESC, id ASC
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a job record. Deleting an absent id is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		message   sql.NullString
		inputFile sql.NullString
		outFile   sql.NullString
		origName  sql.NullString
		repair    int
		createdAt int64
		expiresAt int64
		errMsg    sql.NullString
		result    []byte
	)
	err := row.Scan(&job.ID, &job.Status, &job.Progress, &message, &inputFile, &outFile,
		&origName, &job.Tolerance, &repair, &createdAt, &expiresAt, &job.Attempts, &errMsg, &result)
	if err != nil {
		return nil, err
	}

	job.Message = message.String
	job.InputFile = inputFile.String
	job.OutputFile = outFile.String
	job.OriginalName = origName.String
	job.Repair = repair != 0
	job.CreatedAt = time.Unix(createdAt, 0)
	job.ExpiresAt = time.Unix(expiresAt, 0)
	job.Error = errMsg.String
	if len(result) > 0 {
		var stats ConversionStats
		if err := json.Unmarshal(result, &stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result for job %s: %w", job.ID, err)
		}
		job.Result = &stats
	}
	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
