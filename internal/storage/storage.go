package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/meshforge/mesh-api/internal/apperror"
)

const (
	uploadsDir = "uploads"
	outputDir  = "output"
)

// Layout owns the on-disk directory structure: one upload directory and one
// output directory per job, both named by the job id. Upload directories are
// transient and removed once a job is terminal; output directories are kept.
type Layout struct {
	root string
}

func NewLayout(root string) (*Layout, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	for _, dir := range []string{abs, filepath.Join(abs, uploadsDir), filepath.Join(abs, outputDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: ensure %s: %w", dir, err)
		}
	}
	return &Layout{root: abs}, nil
}

func (l *Layout) Root() string { return l.root }

func (l *Layout) UploadDir(jobID string) string {
	return filepath.Join(l.root, uploadsDir, jobID)
}

func (l *Layout) OutputDir(jobID string) string {
	return filepath.Join(l.root, outputDir, jobID)
}

// CreateJobDirs makes the upload and output directories for a new job.
func (l *Layout) CreateJobDirs(jobID string) (upload, output string, err error) {
	upload = l.UploadDir(jobID)
	output = l.OutputDir(jobID)
	if err = os.MkdirAll(upload, 0o755); err != nil {
		return "", "", fmt.Errorf("storage: create upload dir: %w", err)
	}
	if err = os.MkdirAll(output, 0o755); err != nil {
		_ = os.RemoveAll(upload)
		return "", "", fmt.Errorf("storage: create output dir: %w", err)
	}
	return upload, output, nil
}

// RemoveJobDirs deletes both directories; used to unwind a failed submission.
func (l *Layout) RemoveJobDirs(jobID string) {
	_ = os.RemoveAll(l.UploadDir(jobID))
	_ = os.RemoveAll(l.OutputDir(jobID))
}

// ListInputs returns the files saved in a job's upload directory in a stable
// order.
func (l *Layout) ListInputs(uploadDir string) ([]string, error) {
	entries, err := os.ReadDir(uploadDir)
	if err != nil {
		return nil, fmt.Errorf("storage: read upload dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(uploadDir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// ResolveArtifact maps a client-supplied filename to a path inside the job's
// output directory. Any name that would resolve outside that directory is
// rejected; filenames never contain separators in legitimate requests.
func (l *Layout) ResolveArtifact(jobID, filename string) (string, error) {
	if jobID == "" || filename == "" {
		return "", apperror.New(apperror.NotFound, "file not found")
	}
	if !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return "", apperror.New(apperror.NotFound, "file not found")
	}

	dir := l.OutputDir(jobID)
	full := filepath.Join(dir, filename)

	// Belt and braces: verify the cleaned path is still inside the job dir.
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperror.New(apperror.NotFound, "file not found")
	}
	return full, nil
}

// SafeName normalizes an uploaded filename for storage, discarding any path
// components a hostile client may have sent.
func SafeName(index int, name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		name = "image"
	}
	return fmt.Sprintf("%03d_%s", index, name)
}
