package models

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus is the lifecycle state of an externally executed job.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// IsTerminal reports whether no further status change is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskKind identifies which pipeline stage submitted the task.
type TaskKind string

const (
	TaskKindApply TaskKind = "apply"
	TaskKindPost  TaskKind = "post"
)

// Task tracks one unit of asynchronous external work.
type Task struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	Name              string            `gorm:"size:255;not null" json:"name"`
	Kind              TaskKind          `gorm:"size:16;not null;index:idx_task_batch" json:"kind"`
	MasterMigrationID uint              `gorm:"not null;index:idx_task_batch" json:"master_migration_id"`
	MigrationID       uint              `gorm:"not null;index" json:"migration_id"`
	Attempt           int               `gorm:"not null" json:"attempt"`
	Status            TaskStatus        `gorm:"size:16;not null;index" json:"status"`
	Message           string            `gorm:"type:text" json:"message"`
	Payload           datatypes.JSONMap `json:"payload,omitempty"`
	SubmittedAt       time.Time         `gorm:"not null" json:"submitted_at"`
	CompletedAt       *time.Time        `json:"completed_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
