package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// MigrationRepository manages the assignment/policy pairs of a master migration.
type MigrationRepository interface {
	GetByID(ctx context.Context, id uint) (models.Migration, error)
	ListByMaster(ctx context.Context, masterID uint) ([]models.Migration, error)
	Add(ctx context.Context, migration *models.Migration) error
	Remove(ctx context.Context, masterID, migrationID uint) error
	ReassignPolicy(ctx context.Context, masterID, migrationID uint, policyID *uint) (models.Migration, error)
}

type migrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository instantiates the repository.
func NewMigrationRepository(db *gorm.DB) MigrationRepository {
	return &migrationRepository{db: db}
}

func (r *migrationRepository) GetByID(ctx context.Context, id uint) (models.Migration, error) {
	var migration models.Migration
	if err := r.db.WithContext(ctx).
		Preload("Assignment").
		Preload("Policy").
		First(&migration, id).Error; err != nil {
		return models.Migration{}, err
	}
	return migration, nil
}

func (r *migrationRepository) ListByMaster(ctx context.Context, masterID uint) ([]models.Migration, error) {
	var migrations []models.Migration
	if err := r.db.WithContext(ctx).
		Preload("Assignment").
		Preload("Policy").
		Where("master_migration_id = ?", masterID).
		Order("id ASC").
		Find(&migrations).Error; err != nil {
		return nil, err
	}
	return migrations, nil
}

func (r *migrationRepository) Add(ctx context.Context, migration *models.Migration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockEditableMaster(tx, migration.MasterMigrationID); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(migration).Error; err != nil {
			return err
		}
		return adjustPolicyUsage(tx, migration.PolicyID, 1)
	})
}

func (r *migrationRepository) Remove(ctx context.Context, masterID, migrationID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockEditableMaster(tx, masterID); err != nil {
			return err
		}

		var migration models.Migration
		if err := tx.Where("id = ? AND master_migration_id = ?", migrationID, masterID).First(&migration).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Migration{}, migration.ID).Error; err != nil {
			return err
		}
		return adjustPolicyUsage(tx, migration.PolicyID, -1)
	})
}

func (r *migrationRepository) ReassignPolicy(ctx context.Context, masterID, migrationID uint, policyID *uint) (models.Migration, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockEditableMaster(tx, masterID); err != nil {
			return err
		}

		var migration models.Migration
		if err := tx.Where("id = ? AND master_migration_id = ?", migrationID, masterID).First(&migration).Error; err != nil {
			return err
		}
		if samePolicy(migration.PolicyID, policyID) {
			return nil
		}
		if err := tx.Model(&models.Migration{}).Where("id = ?", migration.ID).Update("policy_id", policyID).Error; err != nil {
			return err
		}
		if err := adjustPolicyUsage(tx, migration.PolicyID, -1); err != nil {
			return err
		}
		return adjustPolicyUsage(tx, policyID, 1)
	})
	if err != nil {
		return models.Migration{}, err
	}
	return r.GetByID(ctx, migrationID)
}

func lockEditableMaster(tx *gorm.DB, masterID uint) error {
	var master models.MasterMigration
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&master, masterID).Error; err != nil {
		return err
	}
	if !master.Stage.Editable() {
		return ErrMigrationLocked
	}
	return nil
}

func adjustPolicyUsage(tx *gorm.DB, policyID *uint, delta int) error {
	if policyID == nil {
		return nil
	}
	return tx.Model(&models.Policy{}).
		Where("id = ?", *policyID).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", delta)).Error
}

func samePolicy(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
