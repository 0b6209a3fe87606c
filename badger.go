package stepifi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the Store interface using BadgerDB. Every record is
// written with a native TTL slightly past the job's ExpiresAt, so even if the
// sweeper never runs, a leaked record is eventually evicted by the database
// itself. The slack keeps the record visible to the sweeper long enough for
// artifacts to be removed before the record disappears.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerTTLSlack is the grace period added on top of a job's ExpiresAt when
// setting the native entry TTL. Within the slack window the record is already
// invisible to Get and List (record-level expiry check) but still reachable by
// ListExpired for artifact cleanup.
const badgerTTLSlack = time.Hour

// NewBadgerStore opens a BadgerDB-backed job store at dbPath.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is open and readable.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

const keyPrefixJob = "job:"

func jobKey(id string) []byte {
	return []byte(keyPrefixJob + id)
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Fixed delay, no jitter, so retry behavior stays deterministic in tests.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// setJob writes the record with a native TTL derived from its ExpiresAt.
func setJob(txn *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	entry := badger.NewEntry(jobKey(job.ID), data)
	if !job.ExpiresAt.IsZero() {
		if remaining := time.Until(job.ExpiresAt) + badgerTTLSlack; remaining > 0 {
			entry = entry.WithTTL(remaining)
		}
	}
	return txn.SetEntry(entry)
}

func getJob(txn *badger.Txn, id string) (*Job, error) {
	item, err := txn.Get(jobKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	var job Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Put persists a new job record.
func (s *BadgerStore) Put(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("job already exists: %s", job.ID)
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check existing job: %w", err)
		}
		return setJob(txn, job)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("job persisted", "jobID", job.ID, "expiresAt", job.ExpiresAt)
	return nil
}

// Get retrieves a job by id, treating expired records as absent.
func (s *BadgerStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var job *Job
	err := s.db.View(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return job, nil
}

// Merge applies a partial update and returns the updated record.
func (s *BadgerStore) Merge(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *Job
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if job.Expired(time.Now()) {
			return ErrNotFound
		}
		applyPatch(job, patch)
		if err := setJob(txn, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns all non-expired records, newest first.
func (s *BadgerStore) List(ctx context.Context) ([]*Job, error) {
	return s.list(ctx, false)
}

// ListExpired returns records already past their TTL but not yet evicted.
func (s *BadgerStore) ListExpired(ctx context.Context, now time.Time) ([]*Job, error) {
	return s.list(ctx, true)
}

func (s *BadgerStore) list(ctx context.Context, expired bool) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	jobs := make([]*Job, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if job.Expired(now) == expired {
				j := job
				jobs = append(jobs, &j)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortJobsNewestFirst(jobs)
	return jobs, nil
}

// Delete removes a job record. Deleting an absent id is a no-op.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Delete(jobKey(id))
	})
}
