package stepifi

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore manages the on-disk input and output files of jobs. Uploads
// and converted outputs live in separate directories, both keyed by job id,
// so a job's artifacts can be located and removed knowing only its id.
type ArtifactStore struct {
	uploadsDir   string
	convertedDir string
}

// NewArtifactStore creates the uploads and converted directories if needed.
func NewArtifactStore(uploadsDir, convertedDir string) (*ArtifactStore, error) {
	for _, dir := range []string{uploadsDir, convertedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
		}
	}

	uploads, err := filepath.Abs(uploadsDir)
	if err != nil {
		return nil, err
	}
	converted, err := filepath.Abs(convertedDir)
	if err != nil {
		return nil, err
	}
	return &ArtifactStore{uploadsDir: uploads, convertedDir: converted}, nil
}

// SaveUpload streams an uploaded mesh into the uploads directory and returns
// its absolute path. ext must include the leading dot (".stl", ".3mf").
func (a *ArtifactStore) SaveUpload(jobID, ext string, r io.Reader) (string, error) {
	path := filepath.Join(a.uploadsDir, jobID+strings.ToLower(ext))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	return path, nil
}

// OutputPath returns the converted-directory path for a job's STEP output.
// The engine writes the file; the path exists only after a successful run.
func (a *ArtifactStore) OutputPath(jobID string) string {
	return filepath.Join(a.convertedDir, jobID+".step")
}

// Remove deletes the job's input and output artifacts if present and returns
// the number of bytes reclaimed. A missing file is not an error.
func (a *ArtifactStore) Remove(job *Job) (int64, error) {
	var reclaimed int64
	var firstErr error

	paths := []string{job.InputFile, job.OutputFile}
	if job.OutputFile == "" {
		// A crash between engine success and the completion write can leave
		// an output file the record never learned about.
		paths = append(paths, a.OutputPath(job.ID))
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		size := info.Size()
		if err := os.Remove(path); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to remove %s: %w", path, err)
			}
			continue
		}
		reclaimed += size
	}
	return reclaimed, firstErr
}
