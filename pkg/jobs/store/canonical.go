package store

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// validJobIDPattern restricts job IDs accepted as filesystem/key names.
// uuid.NewString() output always matches this; the check exists so a
// maliciously-crafted job_id can never escape the storage root.
var validJobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// SanitizeJobID validates that jobID is safe to use as a filename or key
// component, rejecting path separators, "..", and anything outside the
// conservative id alphabet.
func SanitizeJobID(jobID string) (string, error) {
	if jobID == "" || strings.Contains(jobID, "..") || strings.ContainsAny(jobID, `/\`) {
		return "", &job.PathEscapeError{Path: jobID, Root: "<job id>"}
	}
	if !validJobIDPattern.MatchString(jobID) {
		return "", &job.PathEscapeError{Path: jobID, Root: "<job id>"}
	}
	return filepath.Base(jobID), nil
}

// canonicalize returns a shallow copy of m with each generated-files list
// sorted by relative path, so re-persisting an unchanged job produces
// byte-identical output (§4.1's serialization contract, enabling
// content-hash dedup). Slices nested inside the payload maps keep their
// order; map keys are sorted by encoding/json.
func canonicalize(m *job.Metadata) *job.Metadata {
	cp := *m
	if m.GeneratedFiles != nil {
		cp.GeneratedFiles = make(job.GeneratedFiles, len(m.GeneratedFiles))
		for mediaType, files := range m.GeneratedFiles {
			sorted := make([]job.GeneratedFile, len(files))
			copy(sorted, files)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i].RelativePath < sorted[j].RelativePath
			})
			cp.GeneratedFiles[mediaType] = sorted
		}
	}
	return &cp
}

// MarshalCanonical serializes m deterministically: struct fields in fixed
// order, map keys sorted (encoding/json already sorts map[string]any
// keys), and collections sorted per canonicalize.
func MarshalCanonical(m *job.Metadata) ([]byte, error) {
	return json.MarshalIndent(canonicalize(m), "", "  ")
}
