package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/sauravm/transcript-judge/internal/model"
)

// EvaluationResultDTO is the read model for a listing's persisted
// evaluation.
type EvaluationResultDTO struct {
	ListingID         uuid.UUID                `json:"listing_id"`
	EvaluationID      uuid.UUID                `json:"evaluation_id"`
	Status            model.EvaluationStatus   `json:"status"`
	Model             string                   `json:"model"`
	Critique          *model.Critique          `json:"critique,omitempty"`
	APICritique       *model.APICritique       `json:"api_critique,omitempty"`
	NormalizationMeta *model.NormalizationMeta `json:"normalization_meta,omitempty"`
	Error             string                   `json:"error,omitempty"`
	FailedAt          string                   `json:"failed_at,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
}

type ListingSummaryDTO struct {
	ID         uuid.UUID        `json:"id"`
	Title      string           `json:"title"`
	SourceType model.SourceType `json:"source_type"`
	Language   string           `json:"language,omitempty"`
}
