package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// TaskRepository stores task ledger records.
type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id uint) (models.Task, error)
	ListByIDs(ctx context.Context, ids []uint) ([]models.Task, error)
	ListByMaster(ctx context.Context, masterID uint, kind models.TaskKind) ([]models.Task, error)
	MarkTerminal(ctx context.Context, id uint, status models.TaskStatus, message string, completedAt time.Time) (bool, error)
}

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository instantiates the repository.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepository) GetByID(ctx context.Context, id uint) (models.Task, error) {
	var task models.Task
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (r *taskRepository) ListByIDs(ctx context.Context, ids []uint) ([]models.Task, error) {
	if len(ids) == 0 {
		return []models.Task{}, nil
	}
	var tasks []models.Task
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) ListByMaster(ctx context.Context, masterID uint, kind models.TaskKind) ([]models.Task, error) {
	var tasks []models.Task
	if err := r.db.WithContext(ctx).
		Where("master_migration_id = ? AND kind = ?", masterID, kind).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkTerminal resolves a pending task. It reports false when the task was already terminal.
func (r *taskRepository) MarkTerminal(ctx context.Context, id uint, status models.TaskStatus, message string, completedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ?", id, models.TaskStatusPending).
		Updates(map[string]interface{}{
			"status":       status,
			"message":      message,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
