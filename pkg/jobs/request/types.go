// Package request models the opaque pipeline callable's inbound/outbound
// types (§6) and the RequestFactory that rehydrates them from persisted
// payloads (§4.3).
package request

import (
	"context"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// PipelineInput is the ingest-time description of one translation/rendering
// run. Field names mirror the original submission payload's keys so JSON
// round-trips without a translation layer.
type PipelineInput struct {
	InputFile              string   `json:"input_file"`
	BaseOutputFile         string   `json:"base_output_file,omitempty"`
	InputLanguage          string   `json:"input_language,omitempty"`
	TargetLanguages        []string `json:"target_languages,omitempty"`
	SentencesPerOutputFile int      `json:"sentences_per_output_file"`
	StartSentence          int      `json:"start_sentence"`
	EndSentence            int      `json:"end_sentence,omitempty"`
	StitchFull             bool     `json:"stitch_full,omitempty"`
	GenerateAudio          bool     `json:"generate_audio,omitempty"`
	AudioMode              string   `json:"audio_mode,omitempty"`
	WrittenMode            string   `json:"written_mode,omitempty"`
	SelectedVoice          string   `json:"selected_voice,omitempty"`
	OutputHTML             bool     `json:"output_html,omitempty"`
	OutputPDF              bool     `json:"output_pdf,omitempty"`
	GenerateVideo          bool     `json:"generate_video,omitempty"`
	IncludeTransliteration bool     `json:"include_transliteration,omitempty"`
	Tempo                  float64  `json:"tempo,omitempty"`

	// BookMetadata is a free-form mapping (title, author, ...); unknown keys
	// pass through untouched.
	BookMetadata map[string]interface{} `json:"book_metadata,omitempty"`

	// TranslationBatchSize and TranslationProvider feed the tuner's
	// thread-count capping rule (§4.5); they travel with the inputs rather
	// than the overrides map because they describe the work itself.
	TranslationBatchSize int    `json:"translation_batch_size,omitempty"`
	TranslationProvider  string `json:"translation_provider,omitempty"`

	// Resume diagnostics, set only by a block-aligned checkpoint (§4.8).
	ResumeBlockStart  int `json:"resume_block_start,omitempty"`
	ResumeLastSentence int `json:"resume_last_sentence,omitempty"`
	ResumeNextSentence int `json:"resume_next_sentence,omitempty"`
}

// PipelineRequest is the live, executable request object handed to the
// pipeline callable. Config/Context/EnvironmentOverrides/PipelineOverrides
// are typed as maps per SPEC_FULL's re-architecture note: dynamic
// dict-of-overrides from the source, layered as sparse updates over typed
// defaults rather than a single untyped blob threaded everywhere.
type PipelineRequest struct {
	Config               map[string]interface{}
	Context              map[string]interface{}
	EnvironmentOverrides map[string]interface{}
	PipelineOverrides    map[string]interface{}
	Inputs               PipelineInput

	Tracker   *Tracker
	StopEvent *job.StopEvent

	// TranslationPool holds whatever worker-pool object the tuner acquired
	// for this request. Typed as interface{} so package request has no
	// dependency on package pool; the executor and tuner both know the
	// concrete type.
	TranslationPool interface{}

	// CorrelationID is preserved across pause/resume so logs and metrics
	// for a job can be joined across executions.
	CorrelationID string
}

// PipelineResponse is the pipeline callable's terminal output.
type PipelineResponse struct {
	Success           bool                    `json:"success"`
	PipelineConfig    map[string]interface{}  `json:"pipeline_config,omitempty"`
	GeneratedFiles    job.GeneratedFiles      `json:"generated_files,omitempty"`
	BaseDir           string                  `json:"base_dir,omitempty"`
	BaseOutputStem    string                  `json:"base_output_stem,omitempty"`
	StitchedDocuments map[string]string       `json:"stitched_documents,omitempty"`
	StitchedAudioPath string                  `json:"stitched_audio_path,omitempty"`
	StitchedVideoPath string                  `json:"stitched_video_path,omitempty"`
	FailureReason     string                  `json:"failure_reason,omitempty"`
}

// PipelineFunc is the opaque, out-of-scope collaborator that performs the
// actual translation/rendering work. It must honor req.StopEvent,
// cooperatively polling it at sentence boundaries, and periodically emit
// progress events via req.Tracker.
type PipelineFunc func(ctx context.Context, req *PipelineRequest) (*PipelineResponse, error)

// MetadataInferenceFunc is invoked by JobManager.RefreshMetadata to re-infer
// metadata from a job's input file, merging the result into both the
// request and result payloads.
type MetadataInferenceFunc func(inputFile string, existing map[string]interface{}, forceRefresh bool) (map[string]interface{}, error)
