package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sauravm/transcript-judge/internal/model"
	"github.com/sauravm/transcript-judge/internal/prompt"
	"github.com/sauravm/transcript-judge/internal/script"
	"github.com/sauravm/transcript-judge/internal/service"
)

// Config is the per-run configuration supplied by the caller.
type Config struct {
	Model               string     `json:"model,omitempty"`
	SkipTranscription   bool       `json:"skip_transcription"`
	NormalizeOriginal   bool       `json:"normalize_original"`
	TargetScript        string     `json:"target_script,omitempty"`
	TranscriptionPrompt string     `json:"transcription_prompt,omitempty"`
	EvaluationPrompt    string     `json:"evaluation_prompt,omitempty"`
	TranscriptionSchema model.JSON `json:"transcription_schema,omitempty"`
	EvaluationSchema    model.JSON `json:"evaluation_schema,omitempty"`
}

func (c Config) transcriptionTemplate() string {
	if c.TranscriptionPrompt != "" {
		return c.TranscriptionPrompt
	}
	return prompt.DefaultTranscription
}

func (c Config) evaluationTemplate() string {
	if c.EvaluationPrompt != "" {
		return c.EvaluationPrompt
	}
	return prompt.DefaultEvaluation
}

func (c Config) apiTranscriptionTemplate() string {
	if c.TranscriptionPrompt != "" {
		return c.TranscriptionPrompt
	}
	return prompt.DefaultAPITranscription
}

func (c Config) apiEvaluationTemplate() string {
	if c.EvaluationPrompt != "" {
		return c.EvaluationPrompt
	}
	return prompt.DefaultAPIEvaluation
}

// Run is the per-run closure state shared by the stages of one pipeline run.
// The audio payload is loaded once and read-only from here on.
type Run struct {
	Listing  *model.Listing
	Config   Config
	Audio    []byte
	MimeType string
	Eval     *model.Evaluation

	ai       service.AIServiceInterface
	logger   *slog.Logger
	progress service.ProgressFunc
}

// stageResult defers mutation of the evaluation until the orchestrator has
// confirmed the cancellation epoch is unchanged; late results are dropped.
type stageResult interface {
	apply(eval *model.Evaluation)
}

// Stage is one bounded async unit of a flow. CallNumber identifies the AI
// call slot (transcription = 1, critique = 2); auxiliary stages carry 0.
type Stage struct {
	Name       model.TaskStage
	CallNumber int
	Run        func(ctx context.Context, r *Run) (stageResult, error)
}

// PipelineFlow is the strategy selected once at entry: the segment flow
// compares time-aligned transcripts, the structured flow compares a prior
// API response against freshly generated judge output. Both share the
// registries and the persistence contract but own their stage lists.
type PipelineFlow interface {
	Name() string
	Steps() model.TaskSteps
	TotalSteps() int
	Stages() []Stage
}

type segmentFlow struct {
	stages []Stage
	steps  model.TaskSteps
}

func newSegmentFlow(cfg Config) *segmentFlow {
	f := &segmentFlow{
		steps: model.TaskSteps{
			IncludeTranscription: !cfg.SkipTranscription,
			IncludeNormalization: cfg.NormalizeOriginal,
			IncludeCritique:      true,
		},
	}
	if !cfg.SkipTranscription {
		f.stages = append(f.stages, Stage{
			Name:       model.StageTranscribing,
			CallNumber: 1,
			Run:        runTranscription,
		})
	}
	if cfg.NormalizeOriginal {
		f.stages = append(f.stages, Stage{
			Name: model.StageNormalizing,
			Run:  runNormalization,
		})
	}
	f.stages = append(f.stages, Stage{
		Name:       model.StageCritiquing,
		CallNumber: 2,
		Run:        runCritique,
	})
	return f
}

func (f *segmentFlow) Name() string           { return "segment" }
func (f *segmentFlow) Steps() model.TaskSteps { return f.steps }
func (f *segmentFlow) TotalSteps() int        { return len(f.stages) }
func (f *segmentFlow) Stages() []Stage        { return f.stages }

type structuredFlow struct {
	stages []Stage
}

// newStructuredFlow builds the fixed two-call plan for API-sourced listings.
// Normalization never runs here, whatever the config says.
func newStructuredFlow() *structuredFlow {
	return &structuredFlow{stages: []Stage{
		{Name: model.StageTranscribing, CallNumber: 1, Run: runAPITranscription},
		{Name: model.StageCritiquing, CallNumber: 2, Run: runAPICritique},
	}}
}

func (f *structuredFlow) Name() string { return "structured" }
func (f *structuredFlow) Steps() model.TaskSteps {
	return model.TaskSteps{IncludeTranscription: true, IncludeCritique: true}
}
func (f *structuredFlow) TotalSteps() int { return len(f.stages) }
func (f *structuredFlow) Stages() []Stage { return f.stages }

// --- segment flow stages ---

type transcriptResult struct {
	transcript *model.Transcript
	prompt     string
}

func (res transcriptResult) apply(eval *model.Evaluation) {
	eval.LLMTranscript = res.transcript
	eval.Prompts.Transcription = res.prompt
}

func runTranscription(ctx context.Context, r *Run) (stageResult, error) {
	resolved := prompt.Resolve(r.Config.transcriptionTemplate(), transcriptionVars(r.Listing))
	warnUnresolved(r.logger, "transcription", resolved.Unresolved)

	transcript, err := r.ai.Transcribe(ctx, r.Audio, r.MimeType, resolved.Prompt, r.Config.TranscriptionSchema, r.progress)
	if err != nil {
		return nil, err
	}
	return transcriptResult{transcript: transcript, prompt: resolved.Prompt}, nil
}

type normalizationResult struct {
	normalized *model.Transcript
	meta       model.NormalizationMeta
}

func (res normalizationResult) apply(eval *model.Evaluation) {
	eval.NormalizedOriginal = res.normalized
	meta := res.meta
	eval.NormalizationMeta = &meta
}

// runNormalization never fails the pipeline: on any error the original
// transcript is carried forward unmodified with Enabled=false.
func runNormalization(ctx context.Context, r *Run) (stageResult, error) {
	original := r.Listing.OriginalTranscript
	detected := script.DetectTranscriptScript(original)
	target := script.TargetScript(r.Config.TargetScript, r.Listing.LanguageHint)

	meta := model.NormalizationMeta{
		SourceScript: string(detected.PrimaryScript),
		TargetScript: string(target),
	}

	if script.Family(detected.PrimaryScript) == script.Family(target) {
		r.logger.Info("normalization_skipped",
			"source_script", detected.PrimaryScript, "target_script", target)
		return normalizationResult{meta: meta}, nil
	}

	r.logger.Info("normalization_start",
		"source_script", detected.PrimaryScript, "target_script", target)

	normalized, err := r.ai.Normalize(ctx, original, string(target), r.progress)
	if err != nil {
		r.logger.Warn("normalization failed, continuing with original transcript", "error", err)
		return normalizationResult{meta: meta}, nil
	}

	now := time.Now()
	meta.Enabled = true
	meta.NormalizedAt = &now
	r.logger.Info("normalization_complete", "segments", len(normalized.Segments))
	return normalizationResult{normalized: normalized, meta: meta}, nil
}

type critiqueResult struct {
	critique *model.Critique
	prompt   string
}

func (res critiqueResult) apply(eval *model.Evaluation) {
	eval.Critique = res.critique
	eval.Prompts.Evaluation = res.prompt
}

func runCritique(ctx context.Context, r *Run) (stageResult, error) {
	original := r.Listing.OriginalTranscript
	if r.Eval.NormalizedOriginal != nil {
		original = r.Eval.NormalizedOriginal
	}

	vars := transcriptionVars(r.Listing)
	vars["original_transcript"] = mustJSON(original)
	vars["judge_transcript"] = mustJSON(r.Eval.LLMTranscript)
	resolved := prompt.Resolve(r.Config.evaluationTemplate(), vars)
	warnUnresolved(r.logger, "critique", resolved.Unresolved)

	critique, err := r.ai.Critique(ctx, service.CritiqueInput{
		Audio:    r.Audio,
		MimeType: r.MimeType,
		Original: original,
		Judge:    r.Eval.LLMTranscript,
	}, resolved.Prompt, r.Config.EvaluationSchema, r.progress)
	if err != nil {
		return nil, err
	}
	return critiqueResult{critique: critique, prompt: resolved.Prompt}, nil
}

// --- structured flow stages ---

type judgeOutputResult struct {
	output model.JSON
	prompt string
}

func (res judgeOutputResult) apply(eval *model.Evaluation) {
	eval.JudgeOutput = res.output
	eval.Prompts.Transcription = res.prompt
}

func runAPITranscription(ctx context.Context, r *Run) (stageResult, error) {
	resolved := prompt.Resolve(r.Config.apiTranscriptionTemplate(), transcriptionVars(r.Listing))
	warnUnresolved(r.logger, "transcription", resolved.Unresolved)

	output, err := r.ai.TranscribeForAPIFlow(ctx, r.Audio, r.MimeType, resolved.Prompt, r.Config.TranscriptionSchema, r.progress)
	if err != nil {
		return nil, err
	}
	return judgeOutputResult{output: output, prompt: resolved.Prompt}, nil
}

type apiCritiqueResult struct {
	critique *model.APICritique
	prompt   string
}

func (res apiCritiqueResult) apply(eval *model.Evaluation) {
	eval.APICritique = res.critique
	eval.Prompts.Evaluation = res.prompt
}

func runAPICritique(ctx context.Context, r *Run) (stageResult, error) {
	vars := transcriptionVars(r.Listing)
	vars["api_response"] = string(r.Listing.APIResponse)
	vars["judge_output"] = string(r.Eval.JudgeOutput)
	resolved := prompt.Resolve(r.Config.apiEvaluationTemplate(), vars)
	warnUnresolved(r.logger, "critique", resolved.Unresolved)

	critique, err := r.ai.CritiqueForAPIFlow(ctx, service.APICritiqueInput{
		APIResponse: r.Listing.APIResponse,
		JudgeOutput: r.Eval.JudgeOutput,
	}, resolved.Prompt, r.Config.EvaluationSchema, r.progress)
	if err != nil {
		return nil, err
	}
	return apiCritiqueResult{critique: critique, prompt: resolved.Prompt}, nil
}

// --- helpers ---

func transcriptionVars(listing *model.Listing) map[string]string {
	return map[string]string{
		"listing_title":       listing.Title,
		"language":            listing.LanguageHint,
		"transcription_prefs": listing.TranscriptionPrefs,
	}
}

func warnUnresolved(logger *slog.Logger, stage string, unresolved []string) {
	for _, name := range unresolved {
		if name == prompt.AudioPlaceholder {
			continue
		}
		logger.Warn("unresolved prompt variable", "stage", stage, "variable", name)
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
