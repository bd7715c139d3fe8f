package repository

import (
	"teleconsulta/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ChatLogRepository struct {
	db *gorm.DB
}

func NewChatLogRepository(db *gorm.DB) *ChatLogRepository {
	return &ChatLogRepository{db: db}
}

// Archive inserts a message once, keyed by its store push id.
func (r *ChatLogRepository) Archive(msg *models.ChatArchive) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "push_id"}},
		DoNothing: true,
	}).Create(msg).Error
}

func (r *ChatLogRepository) ListRecent(limit int) ([]models.ChatArchive, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var msgs []models.ChatArchive
	err := r.db.Order("ts DESC").Limit(limit).Find(&msgs).Error
	return msgs, err
}
