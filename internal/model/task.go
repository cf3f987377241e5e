package model

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

type TaskStage string

const (
	StagePreparing    TaskStage = "preparing"
	StageTranscribing TaskStage = "transcribing"
	StageNormalizing  TaskStage = "normalizing"
	StageCritiquing   TaskStage = "critiquing"
	StageComplete     TaskStage = "complete"
	StageFailed       TaskStage = "failed"
)

type TaskSteps struct {
	IncludeTranscription bool `json:"include_transcription"`
	IncludeNormalization bool `json:"include_normalization"`
	IncludeCritique      bool `json:"include_critique"`
}

// Task tracks the lifecycle and progress of one in-flight pipeline run,
// keyed by ID in the task queue. CurrentStep is monotonically non-decreasing
// and once Status is terminal no further mutation is accepted.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	ListingID   uuid.UUID  `json:"listing_id"`
	Type        string     `json:"type"`
	Stage       TaskStage  `json:"stage"`
	Steps       TaskSteps  `json:"steps"`
	CurrentStep int        `json:"current_step"`
	TotalSteps  int        `json:"total_steps"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	CallNumber  int        `json:"call_number"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
