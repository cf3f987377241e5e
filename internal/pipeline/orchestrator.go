package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sauravm/transcript-judge/internal/config"
	"github.com/sauravm/transcript-judge/internal/model"
	"github.com/sauravm/transcript-judge/internal/notify"
	"github.com/sauravm/transcript-judge/internal/service"
)

// ListingStore persists the aggregate evaluation; it is written exactly
// once per run, at the terminal state, and never on cancellation.
type ListingStore interface {
	UpdateFields(appID string, listingID uuid.UUID, fields map[string]any) error
}

// FileStore resolves the audio payload for a run.
type FileStore interface {
	Resolve(id uuid.UUID) ([]byte, string, error)
}

type Deps struct {
	Listings ListingStore
	Files    FileStore
	AI       service.AIServiceInterface
	Tasks    *TaskQueue
	Cancels  *CancellationRegistry
	Notifier notify.Notifier
	Logger   *slog.Logger

	// CredentialsConfigured defaults to checking the Gemini config.
	CredentialsConfigured func() bool
}

// Orchestrator sequences the stage executors of one flow, applies
// cancellation checkpoints between them and persists the terminal result.
type Orchestrator struct {
	listings ListingStore
	files    FileStore
	ai       service.AIServiceInterface
	tasks    *TaskQueue
	cancels  *CancellationRegistry
	notifier notify.Notifier
	logger   *slog.Logger
	credsOK  func() bool
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLogNotifier(d.Logger)
	}
	if d.CredentialsConfigured == nil {
		d.CredentialsConfigured = func() bool { return config.LoadGeminiConfig().Configured() }
	}
	return &Orchestrator{
		listings: d.Listings,
		files:    d.Files,
		ai:       d.AI,
		tasks:    d.Tasks,
		cancels:  d.Cancels,
		notifier: d.Notifier,
		logger:   d.Logger,
		credsOK:  d.CredentialsConfigured,
	}
}

func (o *Orchestrator) Tasks() *TaskQueue              { return o.tasks }
func (o *Orchestrator) Cancels() *CancellationRegistry { return o.cancels }

// Cancel requests cooperative cancellation of a run. The flag is observed at
// the next stage checkpoint and the abort is forwarded into the in-flight
// AI call; a call already in flight may still complete, but its result is
// discarded and nothing is persisted.
func (o *Orchestrator) Cancel(taskID uuid.UUID) bool {
	return o.cancels.Cancel(taskID)
}

type preparedRun struct {
	listing *model.Listing
	cfg     Config
	flow    PipelineFlow
	audio   []byte
	mime    string
	eval    *model.Evaluation
	skipped bool
}

// Evaluate runs the whole pipeline synchronously. It returns
// (nil, *ValidationError) when preconditions fail, (nil, nil) when the run
// was cancelled, and otherwise the terminal Evaluation (completed or failed)
// with a nil error. Stage errors never propagate; callers inspect
// Evaluation.Status.
func (o *Orchestrator) Evaluate(ctx context.Context, listing *model.Listing, cfg Config) (*model.Evaluation, error) {
	prep, verr := o.prepare(listing, cfg)
	if verr != nil {
		return nil, verr
	}
	taskID := o.addTask(prep)
	return o.run(ctx, taskID, prep)
}

// Submit validates synchronously, then runs the pipeline in the background
// and returns the task id for progress polling and cancellation. The run is
// detached from the caller's context: request contexts are recycled by the
// server once the handler returns.
func (o *Orchestrator) Submit(_ context.Context, listing *model.Listing, cfg Config) (uuid.UUID, error) {
	prep, verr := o.prepare(listing, cfg)
	if verr != nil {
		return uuid.Nil, verr
	}
	taskID := o.addTask(prep)
	// the cancellation entry must exist before the task id is handed out;
	// a cancel that beats the goroutine to Register is otherwise reported
	// as task-not-found
	o.cancels.Register(taskID, nil)
	go o.run(context.Background(), taskID, prep)
	return taskID, nil
}

// prepare checks every precondition before any task exists and assembles
// the run. A violation returns a ValidationError and leaves no side effects.
func (o *Orchestrator) prepare(listing *model.Listing, cfg Config) (*preparedRun, *ValidationError) {
	if !o.credsOK() {
		return nil, validationErr("AI credentials are not configured")
	}

	var flow PipelineFlow
	switch listing.SourceType {
	case model.SourceRecording:
		if listing.OriginalTranscript == nil || len(listing.OriginalTranscript.Segments) == 0 {
			return nil, validationErr("listing has no original transcript to evaluate")
		}
		if cfg.SkipTranscription && !hasJudgeTranscript(listing) {
			return nil, validationErr("cannot skip transcription: no existing judge transcript")
		}
		flow = newSegmentFlow(cfg)
	case model.SourceAPI:
		if len(listing.APIResponse) == 0 {
			return nil, validationErr("listing has no prior API response to evaluate")
		}
		flow = newStructuredFlow()
	default:
		return nil, validationErr(fmt.Sprintf("unknown listing source type %q", listing.SourceType))
	}

	audio, mime, err := o.files.Resolve(listing.AudioFileID)
	if err != nil {
		return nil, validationErr(fmt.Sprintf("audio file not resolvable: %v", err))
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = o.ai.ModelName()
	}

	eval := &model.Evaluation{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		Model:     modelName,
		Status:    model.EvaluationProcessing,
		Schemas: &model.EvaluationSchemas{
			Transcription: cfg.TranscriptionSchema,
			Evaluation:    cfg.EvaluationSchema,
		},
	}

	skipped := listing.SourceType == model.SourceRecording && cfg.SkipTranscription
	if skipped {
		// Provenance: carry forward the judge transcript together with the
		// prompt and schema that produced it, not this run's config.
		prior := listing.AIEval
		eval.LLMTranscript = prior.LLMTranscript
		eval.Prompts.Transcription = prior.Prompts.Transcription
		if prior.Schemas != nil {
			eval.Schemas.Transcription = prior.Schemas.Transcription
		}
	}

	return &preparedRun{
		listing: listing,
		cfg:     cfg,
		flow:    flow,
		audio:   audio,
		mime:    mime,
		eval:    eval,
		skipped: skipped,
	}, nil
}

func hasJudgeTranscript(listing *model.Listing) bool {
	return listing.AIEval != nil &&
		listing.AIEval.LLMTranscript != nil &&
		len(listing.AIEval.LLMTranscript.Segments) > 0
}

func (o *Orchestrator) addTask(p *preparedRun) uuid.UUID {
	return o.tasks.AddTask(TaskDescriptor{
		ListingID:  p.listing.ID,
		Type:       "ai_eval_" + p.flow.Name(),
		Steps:      p.flow.Steps(),
		TotalSteps: p.flow.TotalSteps(),
	})
}

func (o *Orchestrator) run(ctx context.Context, taskID uuid.UUID, p *preparedRun) (*model.Evaluation, error) {
	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	handle := o.cancels.Register(taskID, abort)
	defer o.cancels.Unregister(taskID)

	logger := o.logger.With("task_id", taskID, "listing_id", p.listing.ID, "flow", p.flow.Name())

	o.tasks.SetTaskStatus(taskID, model.TaskProcessing, "")
	logger.Info("evaluation_start", "model", p.eval.Model, "total_steps", p.flow.TotalSteps())
	if p.skipped {
		logger.Info("call1_skipped")
	}

	run := &Run{
		Listing:  p.listing,
		Config:   p.cfg,
		Audio:    p.audio,
		MimeType: p.mime,
		Eval:     p.eval,
		ai:       o.ai,
		logger:   logger,
	}

	lastStage := model.StagePreparing
	for i, stage := range p.flow.Stages() {
		// checkpoint before the stage
		if handle.Cancelled() {
			return o.cancelRun(taskID, logger)
		}

		lastStage = stage.Name
		step := i + 1
		update := TaskUpdate{Stage: &stage.Name, CurrentStep: &step}
		if stage.CallNumber > 0 {
			update.CallNumber = &stage.CallNumber
		}
		o.tasks.UpdateTask(taskID, update)

		epoch := handle.Epoch()
		run.progress = func(percent int, message string) {
			o.tasks.UpdateTask(taskID, TaskUpdate{Progress: &percent, Message: &message})
		}

		result, err := stage.Run(runCtx, run)

		// checkpoint after the stage; a result from a bumped epoch is stale
		// and must be discarded even if the call resolved successfully
		if handle.Stale(epoch) {
			return o.cancelRun(taskID, logger)
		}
		if err != nil {
			return o.failRun(taskID, p, lastStage, err, logger)
		}
		if result != nil {
			result.apply(p.eval)
		}
	}

	p.eval.Status = model.EvaluationCompleted
	if err := o.persist(p); err != nil {
		return o.failTaskOnly(taskID, p, err, logger)
	}

	o.tasks.CompleteTask(taskID, p.eval)
	logger.Info("evaluation_complete", "evaluation_id", p.eval.ID)
	o.notifier.Success(fmt.Sprintf("Evaluation completed for %q", p.listing.Title))
	return p.eval, nil
}

// cancelRun short-circuits silently: task goes to cancelled, any partial
// in-memory result is discarded and nothing is persisted. Cancellation is
// not a failure and does not notify.
func (o *Orchestrator) cancelRun(taskID uuid.UUID, logger *slog.Logger) (*model.Evaluation, error) {
	o.tasks.SetTaskStatus(taskID, model.TaskCancelled, "")
	logger.Info("evaluation_cancelled")
	return nil, nil
}

// failRun is the single top-level catch: classify the failure point from
// the last observed stage, persist the evaluation with whatever sub-results
// were already computed, mark the task failed and notify. The failed
// evaluation is returned rather than an error.
func (o *Orchestrator) failRun(taskID uuid.UUID, p *preparedRun, stage model.TaskStage, cause error, logger *slog.Logger) (*model.Evaluation, error) {
	p.eval.Status = model.EvaluationFailed
	p.eval.Error = cause.Error()
	p.eval.FailedAt = string(stage)

	if err := o.persist(p); err != nil {
		logger.Error("failed to persist failed evaluation", "error", err)
	}

	o.tasks.SetTaskStatus(taskID, model.TaskFailed, cause.Error())
	logger.Error("evaluation_failed", "stage", stage, "error", cause)
	o.notifier.Error(cause.Error(), "Evaluation failed")
	return p.eval, nil
}

// failTaskOnly handles a persistence error after a successful run: the
// evaluation itself completed, so its status stands, but the task and the
// operator must hear about the write failure.
func (o *Orchestrator) failTaskOnly(taskID uuid.UUID, p *preparedRun, cause error, logger *slog.Logger) (*model.Evaluation, error) {
	o.tasks.SetTaskStatus(taskID, model.TaskFailed, cause.Error())
	logger.Error("evaluation persistence failed", "error", cause)
	o.notifier.Error(cause.Error(), "Evaluation could not be saved")
	return p.eval, nil
}

func (o *Orchestrator) persist(p *preparedRun) error {
	return o.listings.UpdateFields(p.listing.AppID, p.listing.ID, map[string]any{
		"ai_eval": p.eval,
	})
}
