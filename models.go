// Package stepifi implements the conversion service backend: admission of mesh
// conversion requests, a concurrency-bounded worker pool driving an external
// FreeCAD-based engine, durable job-state tracking with TTL expiry, and
// coordinated cleanup of job records and on-disk artifacts.
//
// The package supports:
//   - Multiple state-store backends (BadgerDB, SQLite, in-memory)
//   - A bounded FIFO queue feeding a fixed-size worker pool
//   - Retry with configurable limits and backoff
//   - Per-invocation subprocess timeouts with best-effort cancellation
//   - Automatic TTL-based cleanup of expired jobs and their artifacts
//
// Example usage:
//
//	store, _ := stepifi.NewBadgerStore("./jobs.db", logger)
//	queue := stepifi.NewFIFOQueue(cfg.QueueCapacity)
//	pool := stepifi.NewPool(store, queue, engine, artifacts, cfg, logger)
//	pool.Start(ctx)
package stepifi

import (
	"time"
)

// JobStatus represents the lifecycle state of a conversion job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting for a free worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates a worker owns the job and the engine is running.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the conversion succeeded and output is available.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed and retries are exhausted.
	JobStatusFailed JobStatus = "failed"
	// JobStatusTimeout indicates the final attempt was killed on the wall-clock bound.
	JobStatusTimeout JobStatus = "timeout"
	// JobStatusCancelled indicates cancellation was requested while the job was in flight.
	// The record is removed once the owning worker observes engine termination, so this
	// state is transient and normally not visible for long.
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final state. Expiry is not a status: an
// expired job's record simply disappears from the store.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// Job is a single mesh conversion request tracked from admission to expiry.
type Job struct {
	ID           string           `json:"id"`                     // Unique job identifier, assigned at admission
	Status       JobStatus        `json:"status"`                 // Current lifecycle state
	Progress     int              `json:"progress"`               // 0-100, non-decreasing while processing
	Message      string           `json:"message,omitempty"`      // Human-readable status text
	InputFile    string           `json:"inputFile,omitempty"`    // Absolute path of the uploaded mesh
	OutputFile   string           `json:"outputFile,omitempty"`   // Absolute path of the produced STEP file (set on success)
	OriginalName string           `json:"originalName,omitempty"` // Client-supplied filename, used for download
	Tolerance    float64          `json:"tolerance"`              // Mesh-to-shape tolerance passed to the engine
	Repair       bool             `json:"repair"`                 // Whether the engine runs mesh repair first
	CreatedAt    time.Time        `json:"createdAt"`              // Admission time
	ExpiresAt    time.Time        `json:"expiresAt"`              // CreatedAt + TTL, fixed at creation
	Attempts     int              `json:"attempts"`               // Number of failed attempts so far
	Error        string           `json:"error,omitempty"`        // Error summary, set only in terminal failure states
	Result       *ConversionStats `json:"result,omitempty"`       // Engine-reported statistics, set only on success
}

// Expired reports whether the job's TTL has passed at the given instant.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}

// ConversionStats carries the statistics the engine reports on success.
type ConversionStats struct {
	Points     int   `json:"points"`     // Mesh vertex count
	Facets     int   `json:"facets"`     // Mesh facet count
	Edges      int   `json:"edges"`      // Mesh edge count
	Solid      bool  `json:"solid"`      // Whether a closed solid was produced (shell otherwise)
	OutputSize int64 `json:"outputSize"` // Size of the STEP file in bytes
}

// SweepStats aggregates cleanup sweeper counters since process start.
type SweepStats struct {
	JobsRemoved    int64     `json:"jobsRemoved"`    // Expired job records deleted
	BytesReclaimed int64     `json:"bytesReclaimed"` // Artifact bytes removed from disk
	Sweeps         int64     `json:"sweeps"`         // Completed sweep passes
	LastSweep      time.Time `json:"lastSweep"`      // Start time of the most recent pass
}
