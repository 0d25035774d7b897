package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// ComputedResult is the evaluator output persisted for one score row.
type ComputedResult struct {
	ComputedScore *float64
	Status        models.SubmissionStatus
	DaysLate      int
	Comment       string
	PolicyError   bool
	PolicyID      *uint
	PolicyVersion int
	ComputedAt    time.Time
}

// ScoreRepository persists score rows and their override history.
type ScoreRepository interface {
	GetByID(ctx context.Context, id uint) (models.Score, error)
	GetByMigrationAndStudent(ctx context.Context, migrationID, studentID uint) (models.Score, error)
	ListByMigration(ctx context.Context, migrationID uint) ([]models.Score, error)
	ListByMaster(ctx context.Context, masterID uint) ([]models.Score, error)
	SaveComputed(ctx context.Context, id uint, result ComputedResult) error
	SetDetermination(ctx context.Context, migrationID, studentID uint, determination string) (models.Score, error)
	AppendOverride(ctx context.Context, override *models.ScoreOverride) error
}

type scoreRepository struct {
	db *gorm.DB
}

// NewScoreRepository instantiates the repository.
func NewScoreRepository(db *gorm.DB) ScoreRepository {
	return &scoreRepository{db: db}
}

func preloadOverrides(db *gorm.DB) *gorm.DB {
	return db.Preload("Overrides", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence ASC")
	})
}

func (r *scoreRepository) GetByID(ctx context.Context, id uint) (models.Score, error) {
	var score models.Score
	if err := preloadOverrides(r.db.WithContext(ctx)).First(&score, id).Error; err != nil {
		return models.Score{}, err
	}
	return score, nil
}

func (r *scoreRepository) GetByMigrationAndStudent(ctx context.Context, migrationID, studentID uint) (models.Score, error) {
	var score models.Score
	if err := preloadOverrides(r.db.WithContext(ctx)).
		Where("migration_id = ? AND student_id = ?", migrationID, studentID).
		First(&score).Error; err != nil {
		return models.Score{}, err
	}
	return score, nil
}

func (r *scoreRepository) ListByMigration(ctx context.Context, migrationID uint) ([]models.Score, error) {
	var scores []models.Score
	if err := preloadOverrides(r.db.WithContext(ctx)).
		Where("migration_id = ?", migrationID).
		Order("student_id ASC").
		Find(&scores).Error; err != nil {
		return nil, err
	}
	return scores, nil
}

func (r *scoreRepository) ListByMaster(ctx context.Context, masterID uint) ([]models.Score, error) {
	var scores []models.Score
	if err := preloadOverrides(r.db.WithContext(ctx)).
		Joins("JOIN migrations ON migrations.id = scores.migration_id").
		Where("migrations.master_migration_id = ?", masterID).
		Order("scores.migration_id ASC, scores.student_id ASC").
		Find(&scores).Error; err != nil {
		return nil, err
	}
	return scores, nil
}

// SaveComputed writes evaluator output only; raw scores are never touched after load.
func (r *scoreRepository) SaveComputed(ctx context.Context, id uint, result ComputedResult) error {
	return r.db.WithContext(ctx).Model(&models.Score{}).
		Where("id = ?", id).
		Select("computed_score", "status", "days_late", "comment", "policy_error", "computed_policy_id", "computed_policy_version", "computed_at").
		Updates(map[string]interface{}{
			"computed_score":          result.ComputedScore,
			"status":                  result.Status,
			"days_late":               result.DaysLate,
			"comment":                 result.Comment,
			"policy_error":            result.PolicyError,
			"computed_policy_id":      result.PolicyID,
			"computed_policy_version": result.PolicyVersion,
			"computed_at":             result.ComputedAt,
		}).Error
}

func (r *scoreRepository) SetDetermination(ctx context.Context, migrationID, studentID uint, determination string) (models.Score, error) {
	result := r.db.WithContext(ctx).Model(&models.Score{}).
		Where("migration_id = ? AND student_id = ? AND raw_score IS NULL", migrationID, studentID).
		Update("determination", determination)
	if result.Error != nil {
		return models.Score{}, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByMigrationAndStudent(ctx, migrationID, studentID); err != nil {
			return models.Score{}, err
		}
		return models.Score{}, ErrStatusConflict
	}
	return r.GetByMigrationAndStudent(ctx, migrationID, studentID)
}

// AppendOverride assigns the next sequence number for the score and inserts the entry. The
// owning master migration is locked and must still be awaiting review, otherwise
// ErrStageConflict is returned.
func (r *scoreRepository) AppendOverride(ctx context.Context, override *models.ScoreOverride) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var masterID uint
		if err := tx.Model(&models.Score{}).
			Select("migrations.master_migration_id").
			Joins("JOIN migrations ON migrations.id = scores.migration_id").
			Where("scores.id = ?", override.ScoreID).
			Scan(&masterID).Error; err != nil {
			return err
		}
		if masterID == 0 {
			return gorm.ErrRecordNotFound
		}

		var master models.MasterMigration
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&master, masterID).Error; err != nil {
			return err
		}
		if master.Stage != models.StageAwaitingReview {
			return ErrStageConflict
		}

		var score models.Score
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&score, override.ScoreID).Error; err != nil {
			return err
		}

		var current int
		if err := tx.Model(&models.ScoreOverride{}).
			Where("score_id = ?", override.ScoreID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&current).Error; err != nil {
			return err
		}

		override.Sequence = current + 1
		if override.RecordedAt.IsZero() {
			override.RecordedAt = time.Now().UTC()
		}
		return tx.Create(override).Error
	})
}
