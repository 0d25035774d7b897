package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// PolicyRepository persists grading policies.
type PolicyRepository interface {
	Create(ctx context.Context, policy *models.Policy) error
	GetByID(ctx context.Context, id uint) (models.Policy, error)
	ListByCourse(ctx context.Context, courseID uint) ([]models.Policy, error)
	Update(ctx context.Context, id uint, updates map[string]interface{}) (models.Policy, error)
	Delete(ctx context.Context, id uint) error
	LockedUsage(ctx context.Context, id uint) (int64, error)
}

type policyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository instantiates the repository.
func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &policyRepository{db: db}
}

func (r *policyRepository) Create(ctx context.Context, policy *models.Policy) error {
	if policy.Version <= 0 {
		policy.Version = 1
	}
	policy.UsageCount = 0
	return r.db.WithContext(ctx).Create(policy).Error
}

func (r *policyRepository) GetByID(ctx context.Context, id uint) (models.Policy, error) {
	var policy models.Policy
	if err := r.db.WithContext(ctx).First(&policy, id).Error; err != nil {
		return models.Policy{}, err
	}
	return policy, nil
}

func (r *policyRepository) ListByCourse(ctx context.Context, courseID uint) ([]models.Policy, error) {
	var policies []models.Policy
	if err := r.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("name ASC, id ASC").
		Find(&policies).Error; err != nil {
		return nil, err
	}
	return policies, nil
}

// Update applies the changes and bumps the policy version in the same statement.
func (r *policyRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) (models.Policy, error) {
	values := map[string]interface{}{"version": gorm.Expr("version + ?", 1)}
	for key, value := range updates {
		values[key] = value
	}

	result := r.db.WithContext(ctx).Model(&models.Policy{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return models.Policy{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Policy{}, gorm.ErrRecordNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *policyRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Where("id = ? AND usage_count <= 0", id).Delete(&models.Policy{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrPolicyInUse
}

// LockedUsage counts migrations past the editing stages that still run on this policy.
func (r *policyRepository) LockedUsage(ctx context.Context, id uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Migration{}).
		Joins("JOIN master_migrations ON master_migrations.id = migrations.master_migration_id").
		Where("migrations.policy_id = ?", id).
		Where("master_migrations.stage NOT IN ?", []models.Stage{models.StageCreated, models.StageLoadValidating, models.StageFinalized}).
		Count(&count).Error
	return count, err
}
