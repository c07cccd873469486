package persistence

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// persistMetadataFiles implements §4.2's side-effect persistence: it writes
// the refined-sentence list to a sidecar file and mirrors any referenced
// cover image into the job's metadata directory, so neither depends on a
// transient path once the snapshot is taken. Failures here are logged, not
// surfaced — a stray sidecar write must never fail an otherwise-valid
// snapshot (mirrors the source's defensive try/except around each write).
func (p *Persistence) persistMetadataFiles(j *job.Job, m *job.Metadata) {
	metadataDir, err := p.Locator.MetadataDir(j.ID)
	if err != nil {
		p.Logger.Warn("unable to resolve metadata dir for sidecar persistence", map[string]interface{}{
			"job_id": j.ID, "error": err.Error(),
		})
		return
	}
	if err := os.MkdirAll(metadataDir, 0o755); err != nil {
		p.Logger.Warn("unable to prepare metadata directory", map[string]interface{}{
			"job_id": j.ID, "error": err.Error(),
		})
		return
	}

	resultPayload := m.ResultPayload
	if resultPayload == nil {
		resultPayload = map[string]interface{}{}
	}

	bookMetadata := cloneStringMap(asStringMap(resultPayload["book_metadata"]))
	if bookMetadata == nil {
		bookMetadata = map[string]interface{}{}
	}

	coverAsset := p.mirrorCoverAsset(j.ID, metadataDir, bookMetadata)
	if coverAsset != "" {
		bookMetadata["job_cover_asset"] = coverAsset
	} else {
		delete(bookMetadata, "job_cover_asset")
	}
	resultPayload["book_metadata"] = bookMetadata
	m.ResultPayload = resultPayload

	if j.ResultPayload != nil {
		j.ResultPayload = cloneStringMap(j.ResultPayload)
		j.ResultPayload["book_metadata"] = cloneStringMap(bookMetadata)
	}

	if b, err := json.MarshalIndent(bookMetadata, "", "  "); err == nil {
		if err := os.WriteFile(filepath.Join(metadataDir, "book.json"), b, 0o644); err != nil {
			p.Logger.Warn("unable to persist book metadata sidecar", map[string]interface{}{
				"job_id": j.ID, "error": err.Error(),
			})
		}
	}

	if sentences, ok := resultPayload["refined_sentences"].([]interface{}); ok && len(sentences) > 0 {
		if b, err := json.MarshalIndent(sentences, "", "  "); err == nil {
			if err := os.WriteFile(filepath.Join(metadataDir, "sentences.json"), b, 0o644); err != nil {
				p.Logger.Warn("unable to persist sentence sidecar", map[string]interface{}{
					"job_id": j.ID, "error": err.Error(),
				})
			}
		}
	}
}

// mirrorCoverAsset copies the cover image referenced by book_metadata's
// book_cover_file into metadataDir as cover<ext>, returning the job-relative
// path to record as job_cover_asset. It returns "" (after removing any
// stale cover.* file) when no cover is referenced or none can be found.
func (p *Persistence) mirrorCoverAsset(jobID, metadataDir string, bookMetadata map[string]interface{}) string {
	raw, _ := bookMetadata["book_cover_file"].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		p.cleanupCoverAssets(metadataDir)
		return ""
	}

	source := p.resolveCoverSource(jobID, metadataDir, raw)
	if source == "" {
		p.cleanupCoverAssets(metadataDir)
		return ""
	}

	relPath, err := p.copyCoverAsset(metadataDir, source)
	if err != nil {
		p.Logger.Warn("unable to mirror cover asset", map[string]interface{}{
			"job_id": jobID, "source": source, "error": err.Error(),
		})
		return ""
	}
	return relPath
}

// resolveCoverSource searches the job's data directory, job root, and the
// storage root for raw (absolute or relative), returning the first existing
// regular file.
func (p *Persistence) resolveCoverSource(jobID, metadataDir, raw string) string {
	if filepath.IsAbs(raw) {
		if info, err := os.Stat(raw); err == nil && info.Mode().IsRegular() {
			return raw
		}
		return ""
	}

	trimmed := strings.TrimLeft(raw, "/\\")
	var candidates []string

	if dataDir, err := p.Locator.DataDir(jobID); err == nil {
		candidates = append(candidates, filepath.Join(dataDir, trimmed))
	}
	if jobRoot, err := p.Locator.JobRoot(jobID); err == nil {
		candidates = append(candidates, filepath.Join(jobRoot, trimmed))
	}
	candidates = append(candidates, filepath.Join(metadataDir, trimmed))
	candidates = append(candidates, filepath.Join(p.Locator.Root, trimmed))

	seen := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		clean := filepath.Clean(candidate)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		if info, err := os.Stat(clean); err == nil && info.Mode().IsRegular() {
			return clean
		}
	}
	return ""
}

// copyCoverAsset copies source into metadataDir as cover<ext>, skipping the
// copy if an identically-sized destination already exists, and removes any
// other stale cover.* file. It returns the job-root-relative POSIX path.
func (p *Persistence) copyCoverAsset(metadataDir, source string) (string, error) {
	suffix := strings.ToLower(filepath.Ext(source))
	if suffix == "" {
		suffix = ".jpg"
	}
	destName := "cover" + suffix
	destPath := filepath.Join(metadataDir, destName)

	srcInfo, err := os.Stat(source)
	if err != nil {
		return "", err
	}

	needsCopy := true
	if destInfo, err := os.Stat(destPath); err == nil && destInfo.Size() == srcInfo.Size() {
		needsCopy = false
	}
	if needsCopy {
		if err := copyFile(source, destPath); err != nil {
			return "", err
		}
	}

	matches, _ := filepath.Glob(filepath.Join(metadataDir, "cover.*"))
	for _, match := range matches {
		if filepath.Base(match) == destName {
			continue
		}
		_ = os.Remove(match)
	}

	return filepath.ToSlash(filepath.Join("metadata", destName)), nil
}

func (p *Persistence) cleanupCoverAssets(metadataDir string) {
	matches, _ := filepath.Glob(filepath.Join(metadataDir, "cover.*"))
	for _, match := range matches {
		_ = os.Remove(match)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func asStringMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}
