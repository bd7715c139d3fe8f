package repository

import (
	"teleconsulta/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CallLogRepository struct {
	db *gorm.DB
}

func NewCallLogRepository(db *gorm.DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// Record inserts a terminal call once; replays of the same callId are
// ignored, which makes the archive hook safe against duplicate snapshots.
func (r *CallLogRepository) Record(rec *models.CallRecord) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		DoNothing: true,
	}).Create(rec).Error
}

func (r *CallLogRepository) ListRecent(limit int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var recs []models.CallRecord
	err := r.db.Order("ended_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

func (r *CallLogRepository) ListByStation(stationID string, limit int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var recs []models.CallRecord
	err := r.db.
		Where("from_id = ? OR to_id = ?", stationID, stationID).
		Order("ended_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}
