package stepifi

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type sweeperHarness struct {
	store     Store
	artifacts *ArtifactStore
	sweeper   *Sweeper
}

func newSweeperHarness(t *testing.T) *sweeperHarness {
	t.Helper()

	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	artifacts, err := NewArtifactStore(dir+"/uploads", dir+"/converted")
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}

	return &sweeperHarness{
		store:     store,
		artifacts: artifacts,
		sweeper:   NewSweeper(store, artifacts, nil, time.Hour, testLogger()),
	}
}

// seed creates a job record with a real upload and, for completed jobs, a
// real output file. age shifts CreatedAt into the past.
func (h *sweeperHarness) seed(t *testing.T, id string, status JobStatus, ttl time.Duration, age time.Duration) *Job {
	t.Helper()

	input, err := h.artifacts.SaveUpload(id, ".stl", strings.NewReader("solid mesh data"))
	if err != nil {
		t.Fatalf("Failed to save upload: %v", err)
	}

	job := &Job{
		ID:        id,
		Status:    status,
		InputFile: input,
		Tolerance: 0.01,
		CreatedAt: time.Now().Add(-age),
		ExpiresAt: time.Now().Add(-age).Add(ttl),
	}
	if status == JobStatusCompleted {
		out := h.artifacts.OutputPath(id)
		if err := os.WriteFile(out, []byte("ISO-10303-21;"), 0o644); err != nil {
			t.Fatalf("Failed to write output file: %v", err)
		}
		job.OutputFile = out
	}
	if err := h.store.Put(context.Background(), job); err != nil {
		t.Fatalf("Failed to persist job: %v", err)
	}
	return job
}

func TestSweeper_RemovesExpiredJobs(t *testing.T) {
	h := newSweeperHarness(t)
	ctx := context.Background()

	expired := h.seed(t, "job-old", JobStatusCompleted, time.Hour, 2*time.Hour)
	live := h.seed(t, "job-new", JobStatusCompleted, time.Hour, time.Minute)

	h.sweeper.Sweep(ctx)

	if _, err := h.store.Get(ctx, "job-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expired record gone, got %v", err)
	}
	for _, path := range []string{expired.InputFile, expired.OutputFile} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("Expected artifact %s removed", path)
		}
	}

	if _, err := h.store.Get(ctx, "job-new"); err != nil {
		t.Errorf("Expected live record kept, got %v", err)
	}
	if _, err := os.Stat(live.InputFile); err != nil {
		t.Errorf("Expected live artifact kept: %v", err)
	}

	stats := h.sweeper.Stats()
	if stats.JobsRemoved != 1 {
		t.Errorf("Expected 1 job removed, got %d", stats.JobsRemoved)
	}
	if stats.BytesReclaimed == 0 {
		t.Error("Expected reclaimed bytes to be counted")
	}
	if stats.Sweeps != 1 {
		t.Errorf("Expected 1 sweep, got %d", stats.Sweeps)
	}
	if stats.LastSweep.IsZero() {
		t.Error("Expected last sweep time to be recorded")
	}
}

func TestSweeper_SkipsProcessingJobs(t *testing.T) {
	h := newSweeperHarness(t)
	ctx := context.Background()

	job := h.seed(t, "job-busy", JobStatusProcessing, time.Hour, 2*time.Hour)
	h.sweeper.Sweep(ctx)

	// Expired but still owned by a worker: record and artifacts survive the
	// pass. Get hides it, ListExpired still sees it.
	if _, err := os.Stat(job.InputFile); err != nil {
		t.Errorf("Expected artifact of processing job kept: %v", err)
	}
	expired, err := h.store.ListExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Errorf("Expected the processing job to remain stored, got %d expired", len(expired))
	}
	if h.sweeper.Stats().JobsRemoved != 0 {
		t.Errorf("Expected no removals, got %d", h.sweeper.Stats().JobsRemoved)
	}
}

func TestSweeper_RemovesOrphanOutputOfCrashedJob(t *testing.T) {
	h := newSweeperHarness(t)
	ctx := context.Background()

	// Record never learned its output path, but the file is on disk.
	job := h.seed(t, "job-crashed", JobStatusQueued, time.Hour, 2*time.Hour)
	orphan := h.artifacts.OutputPath(job.ID)
	if err := os.WriteFile(orphan, []byte("ISO-10303-21;"), 0o644); err != nil {
		t.Fatalf("Failed to write orphan output: %v", err)
	}

	h.sweeper.Sweep(ctx)

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("Expected orphan output %s removed", orphan)
	}
}

func TestSweeper_CollectsStrandedCancelledJobs(t *testing.T) {
	h := newSweeperHarness(t)
	ctx := context.Background()

	// A cancel that raced natural completion: the record was marked
	// cancelled after the worker's final write, so no worker finalizes it.
	// The sweeper removes it on the next pass even though its TTL is far off.
	job := h.seed(t, "job-raced", JobStatusCancelled, time.Hour, time.Minute)
	h.sweeper.Sweep(ctx)

	if _, err := h.store.Get(ctx, "job-raced"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected stranded cancelled record gone, got %v", err)
	}
	if _, err := os.Stat(job.InputFile); !os.IsNotExist(err) {
		t.Errorf("Expected artifact %s removed", job.InputFile)
	}
	if h.sweeper.Stats().JobsRemoved != 1 {
		t.Errorf("Expected 1 removal, got %d", h.sweeper.Stats().JobsRemoved)
	}
}

func TestSweeper_Idempotent(t *testing.T) {
	h := newSweeperHarness(t)
	ctx := context.Background()

	h.seed(t, "job-old", JobStatusFailed, time.Hour, 2*time.Hour)
	h.sweeper.Sweep(ctx)
	h.sweeper.Sweep(ctx)

	stats := h.sweeper.Stats()
	if stats.JobsRemoved != 1 {
		t.Errorf("Expected exactly 1 removal across repeated sweeps, got %d", stats.JobsRemoved)
	}
	if stats.Sweeps != 2 {
		t.Errorf("Expected 2 sweeps, got %d", stats.Sweeps)
	}
}

func TestSweeper_RunLoop(t *testing.T) {
	h := newSweeperHarness(t)
	h.seed(t, "job-old", JobStatusCompleted, time.Hour, 2*time.Hour)

	sweeper := NewSweeper(h.store, h.artifacts, nil, 10*time.Millisecond, testLogger())
	go sweeper.Run(context.Background())
	t.Cleanup(sweeper.Stop)

	// The immediate pass plus at least one tick.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := sweeper.Stats(); s.JobsRemoved == 1 && s.Sweeps >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Run loop never swept: %+v", sweeper.Stats())
}

func TestArtifactStore_SaveUpload(t *testing.T) {
	dir := t.TempDir()
	artifacts, err := NewArtifactStore(dir+"/uploads", dir+"/converted")
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}

	path, err := artifacts.SaveUpload("job-1", ".STL", strings.NewReader("mesh"))
	if err != nil {
		t.Fatalf("SaveUpload failed: %v", err)
	}
	if filepath.Base(path) != "job-1.stl" {
		t.Errorf("Expected lowercased extension, got %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "mesh" {
		t.Errorf("Unexpected upload contents: %q, %v", data, err)
	}
}

func TestArtifactStore_RemoveMissingFiles(t *testing.T) {
	dir := t.TempDir()
	artifacts, err := NewArtifactStore(dir+"/uploads", dir+"/converted")
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}

	// Nothing on disk at all: not an error, nothing reclaimed.
	reclaimed, err := artifacts.Remove(&Job{ID: "job-1", InputFile: dir + "/uploads/job-1.stl"})
	if err != nil {
		t.Errorf("Expected missing files to be tolerated, got %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("Expected 0 bytes reclaimed, got %d", reclaimed)
	}
}
