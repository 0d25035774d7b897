package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// LoadSnapshot carries everything persisted atomically when a master migration is loaded.
// PolicyIDs and PolicyVersions are keyed by migration id and describe the set the scores were
// built from.
type LoadSnapshot struct {
	PolicyIDs      map[uint]uint
	PolicyVersions map[uint]int
	Scores         []models.Score
	Statistics     models.MigrationStatistics
	StartedAt      time.Time
}

// MasterMigrationRepository persists master migrations and guards their stage transitions.
type MasterMigrationRepository interface {
	Create(ctx context.Context, master *models.MasterMigration) error
	GetByID(ctx context.Context, id uint) (models.MasterMigration, error)
	FindActiveByCourse(ctx context.Context, courseID uint) (models.MasterMigration, error)
	ListByStages(ctx context.Context, stages ...models.Stage) ([]models.MasterMigration, error)
	CompareAndSetStage(ctx context.Context, id uint, from, to models.Stage, updates map[string]interface{}) error
	Update(ctx context.Context, id uint, updates map[string]interface{}) error
	CommitLoad(ctx context.Context, id uint, snapshot LoadSnapshot) error
}

type masterMigrationRepository struct {
	db *gorm.DB
}

// NewMasterMigrationRepository instantiates the repository.
func NewMasterMigrationRepository(db *gorm.DB) MasterMigrationRepository {
	return &masterMigrationRepository{db: db}
}

func (r *masterMigrationRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.MasterMigration{}).
		Preload("Migrations", func(db *gorm.DB) *gorm.DB { return db.Order("migrations.id ASC") }).
		Preload("Migrations.Assignment").
		Preload("Migrations.Policy")
}

func (r *masterMigrationRepository) Create(ctx context.Context, master *models.MasterMigration) error {
	courseID := master.CourseID
	master.ActiveCourseID = &courseID
	if master.Stage == "" {
		master.Stage = models.StageCreated
	}
	return r.db.WithContext(ctx).Create(master).Error
}

func (r *masterMigrationRepository) GetByID(ctx context.Context, id uint) (models.MasterMigration, error) {
	var master models.MasterMigration
	if err := r.baseQuery(ctx).First(&master, id).Error; err != nil {
		return models.MasterMigration{}, err
	}
	return master, nil
}

func (r *masterMigrationRepository) FindActiveByCourse(ctx context.Context, courseID uint) (models.MasterMigration, error) {
	var master models.MasterMigration
	if err := r.baseQuery(ctx).
		Where("course_id = ?", courseID).
		Where("stage <> ?", models.StageFinalized).
		Order("id DESC").
		First(&master).Error; err != nil {
		return models.MasterMigration{}, err
	}
	return master, nil
}

func (r *masterMigrationRepository) ListByStages(ctx context.Context, stages ...models.Stage) ([]models.MasterMigration, error) {
	var masters []models.MasterMigration
	query := r.db.WithContext(ctx).Model(&models.MasterMigration{})
	if len(stages) > 0 {
		query = query.Where("stage IN ?", stages)
	}
	if err := query.Order("id ASC").Find(&masters).Error; err != nil {
		return nil, err
	}
	return masters, nil
}

// CompareAndSetStage moves the migration from one stage to the next only if it is still in from.
func (r *masterMigrationRepository) CompareAndSetStage(ctx context.Context, id uint, from, to models.Stage, updates map[string]interface{}) error {
	return compareAndSetStage(r.db.WithContext(ctx), id, from, to, updates)
}

func compareAndSetStage(db *gorm.DB, id uint, from, to models.Stage, updates map[string]interface{}) error {
	values := map[string]interface{}{"stage": to}
	for key, value := range updates {
		values[key] = value
	}

	result := db.Model(&models.MasterMigration{}).
		Where("id = ? AND stage = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStageConflict
	}
	return nil
}

func (r *masterMigrationRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.MasterMigration{}).Where("id = ?", id).Updates(updates).Error
}

func (r *masterMigrationRepository) CommitLoad(ctx context.Context, id uint, snapshot LoadSnapshot) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var master models.MasterMigration
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&master, id).Error; err != nil {
			return err
		}

		updates := statisticsColumns(snapshot.Statistics)
		updates["started_at"] = snapshot.StartedAt
		if err := compareAndSetStage(tx, id, models.StageLoadValidating, models.StageLoaded, updates); err != nil {
			return err
		}
		if err := checkLoadedSet(tx, id, snapshot); err != nil {
			return err
		}

		for migrationID, version := range snapshot.PolicyVersions {
			if err := tx.Model(&models.Migration{}).
				Where("id = ? AND master_migration_id = ?", migrationID, id).
				Update("policy_version", version).Error; err != nil {
				return err
			}
		}

		if len(snapshot.Scores) == 0 {
			return nil
		}
		return tx.CreateInBatches(snapshot.Scores, 200).Error
	})
}

type loadedMigration struct {
	ID       uint
	PolicyID *uint
	Version  *int
}

// checkLoadedSet fails when migrations or their policies changed after the snapshot was taken.
func checkLoadedSet(tx *gorm.DB, masterID uint, snapshot LoadSnapshot) error {
	var rows []loadedMigration
	if err := tx.Table("migrations").
		Select("migrations.id, migrations.policy_id, policies.version").
		Joins("LEFT JOIN policies ON policies.id = migrations.policy_id").
		Where("migrations.master_migration_id = ?", masterID).
		Scan(&rows).Error; err != nil {
		return err
	}

	if len(rows) != len(snapshot.PolicyIDs) {
		return ErrMigrationSetChanged
	}
	for _, row := range rows {
		policyID, ok := snapshot.PolicyIDs[row.ID]
		if !ok || row.PolicyID == nil || *row.PolicyID != policyID {
			return ErrMigrationSetChanged
		}
		if row.Version == nil || *row.Version != snapshot.PolicyVersions[row.ID] {
			return ErrMigrationSetChanged
		}
	}
	return nil
}

func statisticsColumns(stats models.MigrationStatistics) map[string]interface{} {
	return map[string]interface{}{
		"stat_late_requests":       stats.LateRequests,
		"stat_extensions":          stats.Extensions,
		"stat_late_passes":         stats.LatePasses,
		"stat_unapproved_requests": stats.UnapprovedRequests,
		"stat_total_submissions":   stats.TotalSubmissions,
	}
}

// StatisticsUpdates converts statistics into column updates for Update.
func StatisticsUpdates(stats models.MigrationStatistics) map[string]interface{} {
	return statisticsColumns(stats)
}
