package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EvaluationStatus string

const (
	EvaluationProcessing EvaluationStatus = "processing"
	EvaluationCompleted  EvaluationStatus = "completed"
	EvaluationFailed     EvaluationStatus = "failed"
)

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// EvaluationPrompts records the resolved prompts that produced this run's
// outputs. When transcription is skipped the transcription prompt is the one
// that produced the carried-forward judge transcript, not this run's config.
type EvaluationPrompts struct {
	Transcription string `json:"transcription,omitempty"`
	Evaluation    string `json:"evaluation,omitempty"`
}

type EvaluationSchemas struct {
	Transcription JSON `json:"transcription,omitempty"`
	Evaluation    JSON `json:"evaluation,omitempty"`
}

type NormalizationMeta struct {
	Enabled      bool       `json:"enabled"`
	SourceScript string     `json:"source_script,omitempty"`
	TargetScript string     `json:"target_script,omitempty"`
	NormalizedAt *time.Time `json:"normalized_at,omitempty"`
}

// SegmentCritique scores one original-transcript segment against the judge
// transcript, with the audio as ground truth.
type SegmentCritique struct {
	Index      int      `json:"index"`
	Speaker    string   `json:"speaker,omitempty"`
	Severity   Severity `json:"severity"`
	Correct    bool     `json:"correct"`
	Confidence float64  `json:"confidence"`
	Note       string   `json:"note,omitempty"`
}

type Critique struct {
	Segments        []SegmentCritique `json:"segments"`
	MatchedSegments int               `json:"matched_segments"`
	TotalSegments   int               `json:"total_segments"`
	Summary         string            `json:"summary,omitempty"`
}

// FieldComparison is one field-by-field entry of the structured-API critique.
type FieldComparison struct {
	Path       string   `json:"path"`
	Expected   string   `json:"expected"`
	Actual     string   `json:"actual"`
	Match      bool     `json:"match"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
}

type APICritique struct {
	TranscriptMatchPercent float64           `json:"transcript_match_percent"`
	Fields                 []FieldComparison `json:"fields"`
	Summary                string            `json:"summary,omitempty"`
}

// Evaluation is the aggregate result of one pipeline run. Status is set
// exactly once and is terminal; FailedAt is populated only when failed.
// The segment flow fills Critique; the structured-API flow fills JudgeOutput
// and APICritique instead.
type Evaluation struct {
	ID                 uuid.UUID          `json:"id"`
	CreatedAt          time.Time          `json:"created_at"`
	Model              string             `json:"model"`
	Status             EvaluationStatus   `json:"status"`
	Prompts            EvaluationPrompts  `json:"prompts"`
	Schemas            *EvaluationSchemas `json:"schemas,omitempty"`
	LLMTranscript      *Transcript        `json:"llm_transcript,omitempty"`
	NormalizedOriginal *Transcript        `json:"normalized_original,omitempty"`
	NormalizationMeta  *NormalizationMeta `json:"normalization_meta,omitempty"`
	Critique           *Critique          `json:"critique,omitempty"`
	JudgeOutput        JSON               `json:"judge_output,omitempty"`
	APICritique        *APICritique       `json:"api_critique,omitempty"`
	Error              string             `json:"error,omitempty"`
	FailedAt           string             `json:"failed_at,omitempty"`
}

func (e Evaluation) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *Evaluation) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return fmt.Errorf("unsupported evaluation source type %T", value)
	}
}
