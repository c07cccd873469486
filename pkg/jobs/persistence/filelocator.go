// Package persistence transforms live Jobs to/from their serializable
// PipelineJobMetadata form (§4.2), including the per-job filesystem layout
// from §6.
package persistence

import (
	"path/filepath"
	"strings"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/store"
)

// FileLocator resolves per-job filesystem roots and external URLs (§2).
// Layout: <root>/<job>/data, <root>/<job>/metadata, <root>/<job>/media.
type FileLocator struct {
	Root    string
	BaseURL string
}

// NewFileLocator returns a FileLocator rooted at root, with BaseURL used to
// construct artifact URLs.
func NewFileLocator(root, baseURL string) *FileLocator {
	return &FileLocator{Root: strings.TrimSuffix(root, "/"), BaseURL: strings.TrimSuffix(baseURL, "/")}
}

// JobRoot returns <root>/<sanitized job id>.
func (f *FileLocator) JobRoot(jobID string) (string, error) {
	safe, err := store.SanitizeJobID(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.Root, safe), nil
}

// DataDir is <job_root>/data, holding the mirrored source file.
func (f *FileLocator) DataDir(jobID string) (string, error) {
	root, err := f.JobRoot(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "data"), nil
}

// MetadataDir is <job_root>/metadata, holding sentence-level sidecars and
// the mirrored cover image.
func (f *FileLocator) MetadataDir(jobID string) (string, error) {
	root, err := f.JobRoot(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "metadata"), nil
}

// MediaDir is <job_root>/media, holding rendered outputs.
func (f *FileLocator) MediaDir(jobID string) (string, error) {
	root, err := f.JobRoot(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "media"), nil
}

// URLFor resolves a job-root-relative POSIX path into an external URL.
func (f *FileLocator) URLFor(relPath string) string {
	return f.BaseURL + "/" + filepath.ToSlash(relPath)
}

// NormalizeEntry ensures a generated-files entry has both an absolute and a
// relative (to the job root) path plus a resolvable URL, rejecting entries
// that would resolve outside the job root (§4.2's normalization step).
func (f *FileLocator) NormalizeEntry(jobID string, path string, mediaType string) (job.GeneratedFile, error) {
	root, err := f.JobRoot(jobID)
	if err != nil {
		return job.GeneratedFile{}, err
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(root, path))
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return job.GeneratedFile{}, &job.PathEscapeError{Path: path, Root: root}
	}

	relSlash := filepath.ToSlash(rel)
	return job.GeneratedFile{
		RelativePath: relSlash,
		AbsolutePath: abs,
		URL:          f.URLFor(relSlash),
		Type:         mediaType,
	}, nil
}
