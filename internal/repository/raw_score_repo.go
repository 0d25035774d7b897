package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// RawScoreRepository stores raw scores imported ahead of a load.
type RawScoreRepository interface {
	UpsertBatch(ctx context.Context, rows []models.RawScoreImport) error
	ListByAssignment(ctx context.Context, assignmentID uint) ([]models.RawScoreImport, error)
}

type rawScoreRepository struct {
	db *gorm.DB
}

// NewRawScoreRepository instantiates the repository.
func NewRawScoreRepository(db *gorm.DB) RawScoreRepository {
	return &rawScoreRepository{db: db}
}

// UpsertBatch replaces the score of any (assignment, student) pair already imported.
func (r *rawScoreRepository) UpsertBatch(ctx context.Context, rows []models.RawScoreImport) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "assignment_id"}, {Name: "student_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "submitted_at", "source", "imported_at"}),
	}).CreateInBatches(rows, 200).Error
}

func (r *rawScoreRepository) ListByAssignment(ctx context.Context, assignmentID uint) ([]models.RawScoreImport, error) {
	var rows []models.RawScoreImport
	if err := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Order("student_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
