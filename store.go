package stepifi

import (
	"context"
	"sort"
	"time"
)

// Store is the durable job-state mapping shared by the scheduler, the cleanup
// sweeper, and the HTTP surface. It is the single source of truth for job
// state. Implementations must be safe for concurrent use.
//
// Records past their ExpiresAt are treated as absent by Get and List even
// before a backend-native TTL or the sweeper physically removes them.
type Store interface {
	// Put persists a new job record. Fails if the id already exists.
	Put(ctx context.Context, job *Job) error

	// Get retrieves a job by id. Returns ErrNotFound for unknown or expired ids.
	Get(ctx context.Context, id string) (*Job, error)

	// Merge applies a partial update with last-writer-wins semantics and
	// returns the updated record. No optimistic concurrency control: job
	// ownership is exclusive to one worker at a time by queue construction.
	// Progress-only writes below the current value are dropped, which keeps
	// observed progress monotonic within a status; a patch that also sets
	// Status resets the floor.
	Merge(ctx context.Context, id string, patch JobPatch) (*Job, error)

	// List returns all non-expired job records, newest first.
	List(ctx context.Context) ([]*Job, error)

	// ListExpired returns records whose TTL has passed, for the sweeper.
	// Backends with native TTL may return only the records not yet evicted.
	ListExpired(ctx context.Context, now time.Time) ([]*Job, error)

	// Delete removes a job record. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// JobPatch is a partial job update. Nil fields are left untouched.
type JobPatch struct {
	Status     *JobStatus
	Progress   *int
	Message    *string
	OutputFile *string
	Attempts   *int
	Error      *string
	Result     *ConversionStats
}

// applyPatch merges patch into job in place. Shared by all backends so merge
// semantics cannot drift between them.
func applyPatch(job *Job, patch JobPatch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		// A status transition resets the progress floor, so a retried job
		// starts its next attempt from the bottom of the curve. Within a
		// status, late lower writes are dropped to keep progress monotonic.
		if patch.Status != nil || *patch.Progress > job.Progress {
			job.Progress = *patch.Progress
		}
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}
	if patch.OutputFile != nil {
		job.OutputFile = *patch.OutputFile
	}
	if patch.Attempts != nil {
		job.Attempts = *patch.Attempts
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.Result != nil {
		job.Result = patch.Result
	}
}

// sortJobsNewestFirst orders a List result by creation time, newest first,
// with id as a tiebreaker for stable output.
func sortJobsNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// Convenience pointer helpers for building patches.

func patchStatus(s JobStatus) *JobStatus { return &s }
func patchInt(i int) *int                { return &i }
func patchString(s string) *string       { return &s }
