package coordinator

import (
	"encoding/json"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// computeResumeContext derives the resume payload for j from its last
// observed progress event, snapping start_sentence to the block boundary
// containing the last completed sentence (§4.8). Returns nil if j has no
// request_payload to amend (a job that was never persisted).
func computeResumeContext(j *job.Job) map[string]interface{} {
	if j.RequestPayload == nil {
		return nil
	}
	payload := deepCopyMap(j.RequestPayload)

	inputs := deepCopyMap(asMap(payload["inputs"]))

	baseStart := coerceInt(inputs["start_sentence"])
	if baseStart < 1 {
		baseStart = 1
	}
	blockSize := coerceInt(inputs["sentences_per_output_file"])
	if blockSize < 1 {
		blockSize = 1
	}

	lastSentence, ok := extractLastSentence(j, baseStart)
	if ok {
		blockStart := job.BlockAlign(lastSentence, blockSize, baseStart)
		inputs["start_sentence"] = blockStart
		inputs["resume_block_start"] = blockStart
		inputs["resume_last_sentence"] = lastSentence
		inputs["resume_next_sentence"] = lastSentence + 1
	} else if _, exists := inputs["resume_block_start"]; !exists {
		inputs["resume_block_start"] = baseStart
	}

	payload["inputs"] = inputs
	return payload
}

// extractLastSentence derives the last sentence whose progress event was
// observed: metadata.sentence_number if present, else
// base_start + snapshot.completed - 1 (§4.8).
func extractLastSentence(j *job.Job, baseStart int) (int, bool) {
	ev, ok := j.LastEvent.(*job.EventSnapshot)
	if !ok || ev == nil {
		return 0, false
	}

	if ev.Metadata != nil {
		if n := coerceInt(ev.Metadata["sentence_number"]); n > 0 {
			return n, true
		}
	}

	if ev.Snapshot.Completed > 0 {
		ls := baseStart + int(ev.Snapshot.Completed) - 1
		if ls < baseStart {
			ls = baseStart
		}
		return ls, true
	}

	return 0, false
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func coerceInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// deepCopyMap clones a decoded-JSON map via a JSON round-trip, cheap
// compared to the persistence and pipeline work a resume triggers.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
