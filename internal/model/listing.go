package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

type SourceType string

const (
	SourceRecording SourceType = "recording"
	SourceAPI       SourceType = "api"
)

// Listing pairs one audio recording with the transcript (or prior structured
// API response) under evaluation. The aggregate evaluation result is written
// into AIEval exactly once per run.
type Listing struct {
	ID                 uuid.UUID       `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	AppID              string          `gorm:"type:varchar(64);index" json:"app_id"`
	Title              string          `json:"title"`
	SourceType         SourceType      `gorm:"type:varchar(20)" json:"source_type"`
	AudioFileID        uuid.UUID       `gorm:"type:uuid" json:"audio_file_id"`
	LanguageHint       string          `gorm:"type:varchar(50)" json:"language_hint"`
	TranscriptionPrefs string          `gorm:"type:text" json:"transcription_prefs,omitempty"`
	OriginalTranscript *Transcript     `gorm:"type:jsonb" json:"original_transcript,omitempty"`
	APIResponse        JSON            `gorm:"type:jsonb" json:"api_response,omitempty"`
	Embedding          pgvector.Vector `gorm:"type:vector(3072)" json:"-"`
	AIEval             *Evaluation     `gorm:"type:jsonb" json:"ai_eval,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (l *Listing) TableName() string {
	return "listings"
}
