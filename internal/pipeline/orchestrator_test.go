package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sauravm/transcript-judge/internal/model"
	"github.com/sauravm/transcript-judge/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAI struct {
	mu    sync.Mutex
	calls []string

	transcript    *model.Transcript
	transcribeErr error
	normalized    *model.Transcript
	normalizeErr  error
	critique      *model.Critique
	critiqueErr   error
	judgeOutput   model.JSON
	apiCritique   *model.APICritique

	afterTranscribe func()
	gate            chan struct{}
}

func (f *fakeAI) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeAI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAI) Transcribe(_ context.Context, _ []byte, _, _ string, _ model.JSON, _ service.ProgressFunc) (*model.Transcript, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.record("transcribe")
	if f.afterTranscribe != nil {
		f.afterTranscribe()
	}
	return f.transcript, f.transcribeErr
}

func (f *fakeAI) Normalize(_ context.Context, _ *model.Transcript, _ string, _ service.ProgressFunc) (*model.Transcript, error) {
	f.record("normalize")
	return f.normalized, f.normalizeErr
}

func (f *fakeAI) Critique(_ context.Context, _ service.CritiqueInput, _ string, _ model.JSON, _ service.ProgressFunc) (*model.Critique, error) {
	f.record("critique")
	return f.critique, f.critiqueErr
}

func (f *fakeAI) TranscribeForAPIFlow(_ context.Context, _ []byte, _, _ string, _ model.JSON, _ service.ProgressFunc) (model.JSON, error) {
	f.record("transcribe_api")
	return f.judgeOutput, nil
}

func (f *fakeAI) CritiqueForAPIFlow(_ context.Context, _ service.APICritiqueInput, _ string, _ model.JSON, _ service.ProgressFunc) (*model.APICritique, error) {
	f.record("critique_api")
	return f.apiCritique, nil
}

func (f *fakeAI) GenerateEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("not supported in tests")
}

func (f *fakeAI) ModelName() string { return "judge-test" }

type persistCall struct {
	appID     string
	listingID uuid.UUID
	fields    map[string]any
}

type fakeListings struct {
	mu    sync.Mutex
	calls []persistCall
	err   error
}

func (s *fakeListings) UpdateFields(appID string, listingID uuid.UUID, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, persistCall{appID: appID, listingID: listingID, fields: fields})
	return s.err
}

func (s *fakeListings) Calls() []persistCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistCall(nil), s.calls...)
}

type fakeFiles struct {
	err error
}

func (f *fakeFiles) Resolve(uuid.UUID) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("audio-bytes"), "audio/wav", nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (n *fakeNotifier) Success(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, message)
}

func (n *fakeNotifier) Error(message, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
}

func sampleTranscript(texts ...string) *model.Transcript {
	t := &model.Transcript{}
	for i, text := range texts {
		t.Segments = append(t.Segments, model.Segment{
			Speaker: "agent",
			StartMs: int64(i * 1000),
			EndMs:   int64((i + 1) * 1000),
			Text:    text,
		})
	}
	return t
}

func segmentListing() *model.Listing {
	return &model.Listing{
		ID:                 uuid.New(),
		AppID:              "app-1",
		Title:              "support call",
		SourceType:         model.SourceRecording,
		AudioFileID:        uuid.New(),
		LanguageHint:       "hinglish",
		OriginalTranscript: sampleTranscript("hello there", "how can I help"),
	}
}

func structuredListing() *model.Listing {
	l := segmentListing()
	l.SourceType = model.SourceAPI
	l.APIResponse = model.JSON(`{"transcript":"hello","fields":{"intent":"greeting"}}`)
	return l
}

func healthyAI() *fakeAI {
	return &fakeAI{
		transcript: sampleTranscript("hello there", "how can I help you"),
		normalized: sampleTranscript("hello there", "how can I help"),
		critique: &model.Critique{
			Segments: []model.SegmentCritique{
				{Index: 0, Severity: model.SeverityNone, Correct: true, Confidence: 0.9},
				{Index: 1, Severity: model.SeverityMinor, Correct: false, Confidence: 0.8},
			},
			MatchedSegments: 1,
			TotalSegments:   2,
		},
		judgeOutput: model.JSON(`{"transcript":"hello","fields":{"intent":"greeting"}}`),
		apiCritique: &model.APICritique{
			TranscriptMatchPercent: 92.5,
			Fields: []model.FieldComparison{
				{Path: "fields.intent", Expected: "greeting", Actual: "greeting", Match: true, Severity: model.SeverityNone, Confidence: 0.95},
			},
		},
	}
}

type testEnv struct {
	orchestrator *Orchestrator
	ai           *fakeAI
	listings     *fakeListings
	notifier     *fakeNotifier
}

func newTestEnv(t *testing.T, ai *fakeAI) *testEnv {
	t.Helper()
	listings := &fakeListings{}
	notifier := &fakeNotifier{}
	orchestrator := New(Deps{
		Listings:              listings,
		Files:                 &fakeFiles{},
		AI:                    ai,
		Tasks:                 NewTaskQueue(),
		Cancels:               NewCancellationRegistry(),
		Notifier:              notifier,
		CredentialsConfigured: func() bool { return true },
	})
	return &testEnv{orchestrator: orchestrator, ai: ai, listings: listings, notifier: notifier}
}

func (e *testEnv) observeTaskID(t *testing.T) *uuid.UUID {
	t.Helper()
	var id uuid.UUID
	e.orchestrator.Tasks().Observe(func(task model.Task) {
		id = task.ID
	})
	return &id
}

func TestSegmentFlowCompletes(t *testing.T) {
	env := newTestEnv(t, healthyAI())
	taskID := env.observeTaskID(t)

	eval, err := env.orchestrator.Evaluate(context.Background(), segmentListing(), Config{})

	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, model.EvaluationCompleted, eval.Status)
	assert.NotNil(t, eval.Critique)
	assert.NotNil(t, eval.LLMTranscript)
	assert.Equal(t, "judge-test", eval.Model)
	assert.Empty(t, eval.FailedAt)

	assert.Equal(t, []string{"transcribe", "critique"}, env.ai.Calls())
	require.Len(t, env.listings.Calls(), 1)
	assert.Equal(t, "app-1", env.listings.Calls()[0].appID)
	assert.Len(t, env.notifier.successes, 1)

	task, ok := env.orchestrator.Tasks().Get(*taskID)
	require.True(t, ok)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.TotalSteps)
	assert.Equal(t, 2, task.CurrentStep)
}

func TestSkipTranscriptionWithoutJudgeTranscript(t *testing.T) {
	env := newTestEnv(t, healthyAI())

	eval, err := env.orchestrator.Evaluate(context.Background(), segmentListing(), Config{SkipTranscription: true})

	assert.Nil(t, eval)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// fails fast: no task, no AI call, no persistence
	assert.Equal(t, 0, env.orchestrator.Tasks().Len())
	assert.Empty(t, env.ai.Calls())
	assert.Empty(t, env.listings.Calls())
}

func TestSkipTranscriptionCarriesProvenance(t *testing.T) {
	env := newTestEnv(t, healthyAI())

	prior := sampleTranscript("carried forward")
	listing := segmentListing()
	listing.AIEval = &model.Evaluation{
		Status:        model.EvaluationCompleted,
		LLMTranscript: prior,
		Prompts:       model.EvaluationPrompts{Transcription: "the original prompt"},
		Schemas:       &model.EvaluationSchemas{Transcription: model.JSON(`{"type":"object"}`)},
	}

	eval, err := env.orchestrator.Evaluate(context.Background(), listing, Config{
		SkipTranscription:   true,
		TranscriptionPrompt: "a brand new prompt that must not win",
	})

	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, model.EvaluationCompleted, eval.Status)
	assert.Equal(t, prior, eval.LLMTranscript)
	assert.Equal(t, "the original prompt", eval.Prompts.Transcription)
	assert.Equal(t, model.JSON(`{"type":"object"}`), eval.Schemas.Transcription)
	assert.Equal(t, []string{"critique"}, env.ai.Calls())
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(env *testEnv, listing *model.Listing, cfg *Config)
		message string
	}{
		{
			name: "missing credentials",
			mutate: func(env *testEnv, _ *model.Listing, _ *Config) {
				env.orchestrator.credsOK = func() bool { return false }
			},
			message: "credentials",
		},
		{
			name: "missing original transcript",
			mutate: func(_ *testEnv, listing *model.Listing, _ *Config) {
				listing.OriginalTranscript = nil
			},
			message: "original transcript",
		},
		{
			name: "unresolvable audio",
			mutate: func(env *testEnv, _ *model.Listing, _ *Config) {
				env.orchestrator.files = &fakeFiles{err: errors.New("gone")}
			},
			message: "audio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, healthyAI())
			listing := segmentListing()
			cfg := Config{}
			tt.mutate(env, listing, &cfg)

			eval, err := env.orchestrator.Evaluate(context.Background(), listing, cfg)

			assert.Nil(t, eval)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Message, tt.message)
			assert.Equal(t, 0, env.orchestrator.Tasks().Len())
			assert.Empty(t, env.listings.Calls())
		})
	}
}

func TestStructuredFlowMissingAPIResponse(t *testing.T) {
	env := newTestEnv(t, healthyAI())
	listing := structuredListing()
	listing.APIResponse = nil

	eval, err := env.orchestrator.Evaluate(context.Background(), listing, Config{})

	assert.Nil(t, eval)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCancelBetweenStagesIssuesNoFurtherCalls(t *testing.T) {
	ai := healthyAI()
	env := newTestEnv(t, ai)
	taskID := env.observeTaskID(t)

	// cancel while the transcription call is in flight; the critique stage
	// must never be reached
	ai.afterTranscribe = func() {
		env.orchestrator.Cancel(*taskID)
	}

	eval, err := env.orchestrator.Evaluate(context.Background(), segmentListing(), Config{})

	assert.Nil(t, eval)
	assert.NoError(t, err)
	assert.Equal(t, []string{"transcribe"}, ai.Calls())

	// cancellation is not failure: nothing persisted, nobody notified
	assert.Empty(t, env.listings.Calls())
	assert.Empty(t, env.notifier.errors)
	assert.Empty(t, env.notifier.successes)

	task, ok := env.orchestrator.Tasks().Get(*taskID)
	require.True(t, ok)
	assert.Equal(t, model.TaskCancelled, task.Status)

	// the registry entry is cleaned up on the way out
	assert.Equal(t, 0, env.orchestrator.Cancels().Len())
}

func TestNormalizationSmartSkip(t *testing.T) {
	ai := healthyAI()
	env := newTestEnv(t, ai)

	// hinglish hint infers a roman target; the english original is already
	// in the roman family, so no normalization call may be issued
	eval, err := env.orchestrator.Evaluate(context.Background(), segmentListing(), Config{NormalizeOriginal: true})

	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, model.EvaluationCompleted, eval.Status)
	require.NotNil(t, eval.NormalizationMeta)
	assert.False(t, eval.NormalizationMeta.Enabled)
	assert.Equal(t, []string{"transcribe", "critique"}, ai.Calls())
}

func TestNormalizationFailureIsNonFatal(t *testing.T) {
	ai := healthyAI()
	ai.normalizeErr = errors.New("transliteration service exploded")
	env := newTestEnv(t, ai)

	listing := segmentListing()
	listing.LanguageHint = "hindi" // devanagari target, roman source: call runs

	eval, err := env.orchestrator.Evaluate(context.Background(), listing, Config{NormalizeOriginal: true})

	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, model.EvaluationCompleted, eval.Status)
	assert.NotNil(t, eval.Critique)
	require.NotNil(t, eval.NormalizationMeta)
	assert.False(t, eval.NormalizationMeta.Enabled)
	assert.Nil(t, eval.NormalizedOriginal)
	assert.Equal(t, []string{"transcribe", "normalize", "critique"}, ai.Calls())
}

func TestNormalizationSuccess(t *testing.T) {
	ai := healthyAI()
	env := newTestEnv(t, ai)

	listing := segmentListing()
	listing.LanguageHint = "hindi"

	eval, err := env.orchestrator.Evaluate(context.Background(), listing, Config{NormalizeOriginal: true})

	require.NoError(t, err)
	require.NotNil(t, eval.NormalizationMeta)
	assert.True(t, eval.NormalizationMeta.Enabled)
	assert.Equal(t, "devanagari", eval.NormalizationMeta.TargetScript)
	assert.NotNil(t, eval.NormalizedOriginal)
	assert.NotNil(t, eval.NormalizationMeta.NormalizedAt)
}

func TestCritiqueFailureKeepsEarlierTranscript(t *testing.T) {
	ai := healthyAI()
	ai.critiqueErr = errors.New("judge refused to answer")
	env := newTestEnv(t, ai)
	taskID := env.observeTaskID(t)

	eval, err := env.orchestrator.Evaluate(context.Background(), segmentListing(), Config{})

	// stage errors never propagate; callers inspect the status
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, model.EvaluationFailed, eval.Status)
	assert.Equal(t, string(model.StageCritiquing), eval.FailedAt)
	assert.Contains(t, eval.Error, "judge refused")
	assert.NotNil(t, eval.LLMTranscript)
	assert.Nil(t, eval.Critique)

	// the partial result is persisted
	require.Len(t, env.listings.Calls(), 1)
	persisted, ok := env.listings.Calls()[0].fields["ai_eval"].(*model.Evaluation)
	require.True(t, ok)
	assert.Equal(t, model.EvaluationFailed, persisted.Status)
	assert.NotNil(t, persisted.LLMTranscript)

	assert.Len(t, env.notifier.errors, 1)

	task, _ := env.orchestrator.Tasks().Get(*taskID)
	assert.Equal(t, model.TaskFailed, task.Status)
}

func TestTranscriptionFailureAborts(t *testing.T) {
	ai := healthyAI()
	ai.transcribeErr = errors.New("model unavailable")
	env := newTestEnv(t, ai)

	eval, err := env.orchestrator.Evaluate(context.Background(), segmentListing(), Config{})

	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, model.EvaluationFailed, eval.Status)
	assert.Equal(t, string(model.StageTranscribing), eval.FailedAt)
	assert.Equal(t, []string{"transcribe"}, ai.Calls())
}

func TestStructuredFlowIgnoresNormalization(t *testing.T) {
	ai := healthyAI()
	env := newTestEnv(t, ai)
	taskID := env.observeTaskID(t)

	eval, err := env.orchestrator.Evaluate(context.Background(), structuredListing(), Config{NormalizeOriginal: true})

	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, model.EvaluationCompleted, eval.Status)
	assert.NotNil(t, eval.APICritique)
	assert.NotEmpty(t, eval.JudgeOutput)
	assert.Nil(t, eval.Critique)
	assert.Nil(t, eval.NormalizationMeta)
	assert.Equal(t, []string{"transcribe_api", "critique_api"}, ai.Calls())

	task, _ := env.orchestrator.Tasks().Get(*taskID)
	assert.Equal(t, 2, task.TotalSteps)
	assert.Equal(t, 2, task.CurrentStep)
	assert.False(t, task.Steps.IncludeNormalization)
}

func TestSubmitRunsInBackground(t *testing.T) {
	ai := healthyAI()
	env := newTestEnv(t, ai)

	done := make(chan model.Task, 8)
	env.orchestrator.Tasks().Observe(func(task model.Task) {
		if task.Status.Terminal() {
			done <- task
		}
	})

	taskID, err := env.orchestrator.Submit(context.Background(), segmentListing(), Config{})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, taskID)

	task := <-done
	assert.Equal(t, taskID, task.ID)
	assert.Equal(t, model.TaskCompleted, task.Status)
	require.Len(t, env.listings.Calls(), 1)
}

func TestCancelUnknownTask(t *testing.T) {
	env := newTestEnv(t, healthyAI())
	assert.False(t, env.orchestrator.Cancel(uuid.New()))
}

// A cancel arriving right after Submit returns must find the task even when
// the background goroutine has not started yet.
func TestCancelImmediatelyAfterSubmit(t *testing.T) {
	ai := healthyAI()
	ai.gate = make(chan struct{})
	env := newTestEnv(t, ai)

	done := make(chan model.Task, 8)
	env.orchestrator.Tasks().Observe(func(task model.Task) {
		if task.Status.Terminal() {
			done <- task
		}
	})

	taskID, err := env.orchestrator.Submit(context.Background(), segmentListing(), Config{})
	require.NoError(t, err)

	require.True(t, env.orchestrator.Cancel(taskID))
	close(ai.gate)

	task := <-done
	assert.Equal(t, model.TaskCancelled, task.Status)
	assert.Empty(t, env.listings.Calls())
	assert.Empty(t, env.notifier.successes)
}

// The background run must not inherit the caller's context: the submitting
// request finishes long before the pipeline does.
func TestSubmitDetachesFromCallerContext(t *testing.T) {
	ai := healthyAI()
	env := newTestEnv(t, ai)

	done := make(chan model.Task, 8)
	env.orchestrator.Tasks().Observe(func(task model.Task) {
		if task.Status.Terminal() {
			done <- task
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	taskID, err := env.orchestrator.Submit(ctx, segmentListing(), Config{})
	require.NoError(t, err)
	cancel()

	task := <-done
	assert.Equal(t, taskID, task.ID)
	assert.Equal(t, model.TaskCompleted, task.Status)
	require.Len(t, env.listings.Calls(), 1)
}
