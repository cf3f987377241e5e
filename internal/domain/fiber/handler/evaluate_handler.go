package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sauravm/transcript-judge/internal/dto"
	"github.com/sauravm/transcript-judge/internal/middleware"
	"github.com/sauravm/transcript-judge/internal/pipeline"
	"github.com/sauravm/transcript-judge/internal/repository"
	"github.com/sauravm/transcript-judge/internal/service"
	"github.com/sauravm/transcript-judge/internal/util"
)

type EvaluateHandler struct {
	orchestrator *pipeline.Orchestrator
	listings     *repository.ListingRepository
	ai           service.AIServiceInterface
}

func NewEvaluateHandler(orchestrator *pipeline.Orchestrator, listings *repository.ListingRepository, ai service.AIServiceInterface) *EvaluateHandler {
	return &EvaluateHandler{orchestrator: orchestrator, listings: listings, ai: ai}
}

func (h *EvaluateHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/listings/:id/evaluate", middleware.RateLimiter(1, 4*time.Second), h.Evaluate)
	app.Get("/listings/:id/result", h.Result)
	app.Post("/listings/:id/embedding", h.CreateEmbedding)
	app.Get("/listings/:id/similar", h.Similar)
	app.Get("/tasks/:id", h.Task)
	app.Post("/tasks/:id/cancel", h.CancelTask)
}

// Evaluate validates synchronously and runs the pipeline in the background.
// Precondition failures come back as 422 with the validation message;
// everything later is reported through the task resource.
func (h *EvaluateHandler) Evaluate(c *fiber.Ctx) error {
	listing, err := h.listings.FindByID(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "listing not found",
		}, err)
	}

	var cfg pipeline.Config
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&cfg); err != nil {
			return util.ErrorResponse(c, util.ErrorResponseFormat{
				Code:    fiber.StatusBadRequest,
				Message: "invalid evaluation config",
			}, err)
		}
	}

	taskID, err := h.orchestrator.Submit(c.Context(), listing, cfg)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			return util.ErrorResponse(c, util.ErrorResponseFormat{
				Code:    fiber.StatusUnprocessableEntity,
				Message: verr.Message,
			})
		}
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to submit evaluation",
		}, err)
	}

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "Evaluation submitted",
		Data:    fiber.Map{"task_id": taskID, "status": "processing"},
	})
}

func (h *EvaluateHandler) Task(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "invalid task id",
		}, err)
	}

	task, ok := h.orchestrator.Tasks().Get(id)
	if !ok {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "task not found",
		})
	}
	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "Task status",
		Data:    task,
	})
}

func (h *EvaluateHandler) CancelTask(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "invalid task id",
		}, err)
	}

	if !h.orchestrator.Cancel(id) {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "task not found or already finished",
		})
	}
	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "Cancellation requested",
		Data:    fiber.Map{"task_id": id},
	})
}

func (h *EvaluateHandler) Result(c *fiber.Ctx) error {
	listing, err := h.listings.FindByID(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "listing not found",
		}, err)
	}
	if listing.AIEval == nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "listing has no evaluation yet",
		})
	}

	eval := listing.AIEval
	data := dto.EvaluationResultDTO{
		ListingID:         listing.ID,
		EvaluationID:      eval.ID,
		Status:            eval.Status,
		Model:             eval.Model,
		Critique:          eval.Critique,
		APICritique:       eval.APICritique,
		NormalizationMeta: eval.NormalizationMeta,
		Error:             eval.Error,
		FailedAt:          eval.FailedAt,
		CreatedAt:         eval.CreatedAt,
	}
	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "Evaluation result",
		Data:    data,
	})
}

// CreateEmbedding embeds the listing's original transcript so it becomes
// findable through the similarity search.
func (h *EvaluateHandler) CreateEmbedding(c *fiber.Ctx) error {
	listing, err := h.listings.FindByID(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "listing not found",
		}, err)
	}
	if listing.OriginalTranscript == nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusUnprocessableEntity,
			Message: "listing has no original transcript to embed",
		})
	}

	embedding, err := h.ai.GenerateEmbedding(c.Context(), listing.OriginalTranscript.PlainText())
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to generate embedding",
		}, err)
	}

	listing.Embedding = pgvector.NewVector(embedding)
	if err := h.listings.Save(listing); err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to save embedding",
		}, err)
	}
	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "Embedding created",
		Data:    fiber.Map{"listing_id": listing.ID},
	})
}

func (h *EvaluateHandler) Similar(c *fiber.Ctx) error {
	listing, err := h.listings.FindByID(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "listing not found",
		}, err)
	}
	if len(listing.Embedding.Slice()) == 0 {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusUnprocessableEntity,
			Message: "listing has no embedding; create one first",
		})
	}

	topK, err := strconv.Atoi(c.Query("limit", "5"))
	if err != nil || topK < 1 {
		topK = 5
	}

	listings, err := h.listings.SearchSimilar(listing.Embedding, topK)
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "similarity search failed",
		}, err)
	}

	results := make([]dto.ListingSummaryDTO, 0, len(listings))
	for _, l := range listings {
		results = append(results, dto.ListingSummaryDTO{
			ID:         l.ID,
			Title:      l.Title,
			SourceType: l.SourceType,
			Language:   l.LanguageHint,
		})
	}
	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "Similar listings",
		Data:    results,
	})
}
