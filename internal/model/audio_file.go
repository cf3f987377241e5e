package model

import (
	"time"

	"github.com/google/uuid"
)

// AudioFile is a stored audio payload. Small files carry their bytes inline;
// larger ones live in the object store and keep only a URL here.
type AudioFile struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `gorm:"type:varchar(100)" json:"mime_type"`
	Data      []byte    `gorm:"type:bytea" json:"-"`
	URL       string    `gorm:"type:text" json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (f *AudioFile) TableName() string {
	return "audio_files"
}
