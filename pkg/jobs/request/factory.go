package request

import (
	"fmt"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// Factory reconstructs an executable PipelineRequest from a persisted
// payload and a Job shell (§4.3). OnEvent, if set, is registered as an
// observer on the fresh tracker so progress events update the store; it is
// typically wired to the manager's "update last_event and persist" path.
type Factory struct {
	OnEvent func(jobID string, ev Event)
}

// NewFactory returns a Factory with no observer wired; callers typically
// set OnEvent immediately after construction.
func NewFactory() *Factory {
	return &Factory{}
}

// Build produces a live PipelineRequest for j, using j.RequestPayload (or
// j.ResumeContext, when present, which already carries the block-aligned
// overrides from a resume). A fresh Tracker and StopEvent are always
// attached; any tracker or stop event already on j is not reused.
func (f *Factory) Build(j *job.Job) (*PipelineRequest, error) {
	payload := j.ResumeContext
	if payload == nil {
		payload = j.RequestPayload
	}
	if payload == nil {
		return nil, fmt.Errorf("job %s has no request payload to rehydrate from", j.ID)
	}

	req := &PipelineRequest{
		Config:               asMap(payload["config"]),
		Context:               asMap(payload["context"]),
		EnvironmentOverrides: asMap(payload["environment_overrides"]),
		PipelineOverrides:    asMap(payload["pipeline_overrides"]),
		Inputs:               coerceInputs(asMap(payload["inputs"])),
	}

	if cid, ok := payload["correlation_id"].(string); ok && cid != "" {
		req.CorrelationID = cid
	} else {
		req.CorrelationID = j.ID
	}

	tracker := NewTracker()
	if f.OnEvent != nil {
		jobID := j.ID
		tracker.RegisterObserver(func(ev Event) {
			f.OnEvent(jobID, ev)
		})
	}
	req.Tracker = tracker
	req.StopEvent = job.NewStopEvent()

	return req, nil
}

// asMap defensively coerces a decoded-JSON value into a map, falling back
// to an empty map rather than aborting resume on a malformed field (§4.3:
// "payload coercion is defensive").
func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

// coerceInputs builds a PipelineInput from a raw decoded map, applying
// documented defaults for unknown or malformed fields instead of aborting.
func coerceInputs(m map[string]interface{}) PipelineInput {
	in := PipelineInput{
		SentencesPerOutputFile: 10,
		StartSentence:          1,
	}

	if s, ok := m["input_file"].(string); ok {
		in.InputFile = s
	}
	if s, ok := m["base_output_file"].(string); ok {
		in.BaseOutputFile = s
	}
	if s, ok := m["input_language"].(string); ok {
		in.InputLanguage = s
	}
	if raw, ok := m["target_languages"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				in.TargetLanguages = append(in.TargetLanguages, s)
			}
		}
	}
	if n := coerceInt(m["sentences_per_output_file"]); n > 0 {
		in.SentencesPerOutputFile = n
	}
	if n := coerceInt(m["start_sentence"]); n > 0 {
		in.StartSentence = n
	}
	if n := coerceInt(m["end_sentence"]); n > 0 {
		in.EndSentence = n
	}
	if b, ok := m["stitch_full"].(bool); ok {
		in.StitchFull = b
	}
	if b, ok := m["generate_audio"].(bool); ok {
		in.GenerateAudio = b
	}
	if s, ok := m["audio_mode"].(string); ok {
		in.AudioMode = s
	}
	if s, ok := m["written_mode"].(string); ok {
		in.WrittenMode = s
	}
	if s, ok := m["selected_voice"].(string); ok {
		in.SelectedVoice = s
	}
	if b, ok := m["output_html"].(bool); ok {
		in.OutputHTML = b
	}
	if b, ok := m["output_pdf"].(bool); ok {
		in.OutputPDF = b
	}
	if b, ok := m["generate_video"].(bool); ok {
		in.GenerateVideo = b
	}
	if b, ok := m["include_transliteration"].(bool); ok {
		in.IncludeTransliteration = b
	}
	if f, ok := m["tempo"].(float64); ok {
		in.Tempo = f
	}
	if meta, ok := m["book_metadata"].(map[string]interface{}); ok {
		in.BookMetadata = meta
	}
	if n := coerceInt(m["translation_batch_size"]); n > 0 {
		in.TranslationBatchSize = n
	}
	if s, ok := m["translation_provider"].(string); ok {
		in.TranslationProvider = s
	}
	if n := coerceInt(m["resume_block_start"]); n > 0 {
		in.ResumeBlockStart = n
	}
	if n := coerceInt(m["resume_last_sentence"]); n > 0 {
		in.ResumeLastSentence = n
	}
	if n := coerceInt(m["resume_next_sentence"]); n > 0 {
		in.ResumeNextSentence = n
	}

	return in
}

// coerceInt accepts both float64 (the typical decoded-JSON numeric type)
// and int, returning 0 for anything else so callers can treat 0 as "absent".
func coerceInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// InputsToMap renders a PipelineInput back into the generic map shape used
// by request_payload/resume_context, so the coordinator can amend
// individual keys (start_sentence, resume_*) without re-deriving the whole
// struct.
func InputsToMap(in PipelineInput) map[string]interface{} {
	m := map[string]interface{}{
		"input_file":                in.InputFile,
		"sentences_per_output_file": in.SentencesPerOutputFile,
		"start_sentence":            in.StartSentence,
	}
	if in.BaseOutputFile != "" {
		m["base_output_file"] = in.BaseOutputFile
	}
	if in.InputLanguage != "" {
		m["input_language"] = in.InputLanguage
	}
	if len(in.TargetLanguages) > 0 {
		m["target_languages"] = in.TargetLanguages
	}
	if in.EndSentence > 0 {
		m["end_sentence"] = in.EndSentence
	}
	m["stitch_full"] = in.StitchFull
	m["generate_audio"] = in.GenerateAudio
	if in.AudioMode != "" {
		m["audio_mode"] = in.AudioMode
	}
	if in.WrittenMode != "" {
		m["written_mode"] = in.WrittenMode
	}
	if in.SelectedVoice != "" {
		m["selected_voice"] = in.SelectedVoice
	}
	m["output_html"] = in.OutputHTML
	m["output_pdf"] = in.OutputPDF
	m["generate_video"] = in.GenerateVideo
	m["include_transliteration"] = in.IncludeTransliteration
	if in.Tempo != 0 {
		m["tempo"] = in.Tempo
	}
	if in.BookMetadata != nil {
		m["book_metadata"] = in.BookMetadata
	}
	if in.TranslationBatchSize > 0 {
		m["translation_batch_size"] = in.TranslationBatchSize
	}
	if in.TranslationProvider != "" {
		m["translation_provider"] = in.TranslationProvider
	}
	if in.ResumeBlockStart > 0 {
		m["resume_block_start"] = in.ResumeBlockStart
	}
	if in.ResumeLastSentence > 0 {
		m["resume_last_sentence"] = in.ResumeLastSentence
	}
	if in.ResumeNextSentence > 0 {
		m["resume_next_sentence"] = in.ResumeNextSentence
	}
	return m
}
