package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// TaskResponse serializes a task ledger entry.
type TaskResponse struct {
	ID                uint              `json:"id"`
	Name              string            `json:"name"`
	Kind              models.TaskKind   `json:"kind"`
	MasterMigrationID uint              `json:"master_migration_id"`
	MigrationID       uint              `json:"migration_id"`
	Attempt           int               `json:"attempt"`
	Status            models.TaskStatus `json:"status"`
	Message           string            `json:"message"`
	SubmittedAt       time.Time         `json:"submitted_at"`
	CompletedAt       *time.Time        `json:"completed_at"`
}

// TaskAwaitResponse reports the outcome of waiting on a task batch.
type TaskAwaitResponse struct {
	Outcome   string         `json:"outcome"`
	Completed []TaskResponse `json:"completed"`
	Failed    []TaskResponse `json:"failed"`
	Pending   []TaskResponse `json:"pending"`
}

// NewTaskResponse converts a model into a DTO.
func NewTaskResponse(task models.Task) TaskResponse {
	return TaskResponse{
		ID:                task.ID,
		Name:              task.Name,
		Kind:              task.Kind,
		MasterMigrationID: task.MasterMigrationID,
		MigrationID:       task.MigrationID,
		Attempt:           task.Attempt,
		Status:            task.Status,
		Message:           task.Message,
		SubmittedAt:       task.SubmittedAt,
		CompletedAt:       task.CompletedAt,
	}
}

// NewTaskResponses converts a slice of tasks.
func NewTaskResponses(tasks []models.Task) []TaskResponse {
	responses := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, NewTaskResponse(task))
	}
	return responses
}
