package repository

import (
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sauravm/transcript-judge/internal/model"
	"gorm.io/gorm"
)

type ListingRepository struct {
	db *gorm.DB
}

func NewListingRepository(db *gorm.DB) *ListingRepository {
	return &ListingRepository{db}
}

func (r *ListingRepository) Create(listing *model.Listing) error {
	return r.db.Create(listing).Error
}

func (r *ListingRepository) Save(listing *model.Listing) error {
	return r.db.Save(listing).Error
}

func (r *ListingRepository) FindByID(id string) (*model.Listing, error) {
	var listing model.Listing
	err := r.db.First(&listing, "id = ?", id).Error
	return &listing, err
}

// UpdateFields writes a partial update scoped to the owning app. The
// orchestrator uses this exactly once per run, at the terminal state.
func (r *ListingRepository) UpdateFields(appID string, listingID uuid.UUID, fields map[string]any) error {
	return r.db.Model(&model.Listing{}).
		Where("app_id = ? AND id = ?", appID, listingID).
		Updates(fields).Error
}

// SearchSimilar returns the listings whose transcript embeddings are closest
// to the given vector.
func (r *ListingRepository) SearchSimilar(embedding pgvector.Vector, topK int) ([]model.Listing, error) {
	var listings []model.Listing

	err := r.db.Raw(`
        SELECT *, embedding <-> ? AS distance
        FROM listings
        ORDER BY embedding <-> ?
        LIMIT ?
    `, embedding, embedding, topK).Scan(&listings).Error

	return listings, err
}
