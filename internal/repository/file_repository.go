package repository

import (
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sauravm/transcript-judge/internal/config"
	"github.com/sauravm/transcript-judge/internal/model"
	"gorm.io/gorm"
)

type FileRepository struct {
	db   *gorm.DB
	http *resty.Client
}

func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{
		db:   db,
		http: resty.New(),
	}
}

func (r *FileRepository) Create(file *model.AudioFile) error {
	return r.db.Create(file).Error
}

func (r *FileRepository) FindByID(id string) (*model.AudioFile, error) {
	var file model.AudioFile
	err := r.db.First(&file, "id = ?", id).Error
	return &file, err
}

// Resolve returns the audio payload and mime type for a file id. Inline
// bytes win; otherwise the payload is fetched from the object store.
func (r *FileRepository) Resolve(id uuid.UUID) ([]byte, string, error) {
	file, err := r.FindByID(id.String())
	if err != nil {
		return nil, "", fmt.Errorf("audio file %s: %w", id, err)
	}

	if len(file.Data) > 0 {
		return file.Data, file.MimeType, nil
	}

	if file.URL == "" {
		return nil, "", fmt.Errorf("audio file %s has neither inline data nor a URL", id)
	}

	storage := config.LoadStorageConfig()
	req := r.http.R()
	if storage.APIKey != "" {
		req.SetHeader("Authorization", "Bearer "+storage.APIKey)
	}
	resp, err := req.Get(file.URL)
	if err != nil {
		return nil, "", fmt.Errorf("fetch audio file %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("fetch audio file %s: status %d", id, resp.StatusCode())
	}

	mime := file.MimeType
	if mime == "" {
		mime = resp.Header().Get("Content-Type")
	}
	return resp.Body(), mime, nil
}
