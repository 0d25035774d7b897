package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// MasterMigrationCreateRequest starts a grading cycle for a course.
type MasterMigrationCreateRequest struct {
	CourseID uint `json:"course_id" validate:"required,gt=0"`
}

// MigrationAddRequest pairs an assignment with a policy.
type MigrationAddRequest struct {
	AssignmentID uint  `json:"assignment_id" validate:"required,gt=0"`
	PolicyID     *uint `json:"policy_id" validate:"omitempty,gt=0"`
}

// MigrationPolicyRequest reassigns or clears the policy of a migration.
type MigrationPolicyRequest struct {
	PolicyID *uint `json:"policy_id" validate:"omitempty,gt=0"`
}

// DeterminationRequest records an instructor decision for a row without a raw score.
type DeterminationRequest struct {
	Determination string `json:"determination" validate:"required,oneof=missing excused"`
}

// MigrationResponse serializes one assignment/policy pair.
type MigrationResponse struct {
	ID              uint      `json:"id"`
	AssignmentID    uint      `json:"assignment_id"`
	AssignmentTitle string    `json:"assignment_title"`
	DueDate         time.Time `json:"due_date"`
	PolicyID        *uint     `json:"policy_id"`
	PolicyName      string    `json:"policy_name,omitempty"`
	PolicyVersion   int       `json:"policy_version"`
}

// MasterMigrationResponse serializes a grading cycle and its progress.
type MasterMigrationResponse struct {
	ID          uint                       `json:"id"`
	CourseID    uint                       `json:"course_id"`
	Stage       models.Stage               `json:"stage"`
	Locked      bool                       `json:"locked"`
	Statistics  models.MigrationStatistics `json:"statistics"`
	Migrations  []MigrationResponse        `json:"migrations"`
	Tasks       []TaskResponse             `json:"tasks,omitempty"`
	LastFailure string                     `json:"last_failure,omitempty"`
	ExportURL   string                     `json:"export_url,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	StartedAt   *time.Time                 `json:"started_at"`
	PostedAt    *time.Time                 `json:"posted_at"`
	FinalizedAt *time.Time                 `json:"finalized_at"`
}

// TaskBatchResponse lists the tasks submitted by a stage operation.
type TaskBatchResponse struct {
	MasterMigrationID uint           `json:"master_migration_id"`
	Stage             models.Stage   `json:"stage"`
	Tasks             []TaskResponse `json:"tasks"`
}

// NewMigrationResponse converts a model into a DTO.
func NewMigrationResponse(migration models.Migration) MigrationResponse {
	response := MigrationResponse{
		ID:              migration.ID,
		AssignmentID:    migration.AssignmentID,
		AssignmentTitle: migration.Assignment.Title,
		DueDate:         migration.Assignment.DueDate,
		PolicyID:        migration.PolicyID,
		PolicyVersion:   migration.PolicyVersion,
	}
	if migration.Policy != nil {
		response.PolicyName = migration.Policy.Name
		if response.PolicyVersion == 0 {
			response.PolicyVersion = migration.Policy.Version
		}
	}
	return response
}

// NewMasterMigrationResponse converts a model into a DTO.
func NewMasterMigrationResponse(master models.MasterMigration) MasterMigrationResponse {
	migrations := make([]MigrationResponse, 0, len(master.Migrations))
	for _, migration := range master.Migrations {
		migrations = append(migrations, NewMigrationResponse(migration))
	}
	return MasterMigrationResponse{
		ID:          master.ID,
		CourseID:    master.CourseID,
		Stage:       master.Stage,
		Locked:      master.Locked(),
		Statistics:  master.Statistics,
		Migrations:  migrations,
		ExportURL:   master.ExportURL,
		CreatedAt:   master.CreatedAt,
		StartedAt:   master.StartedAt,
		PostedAt:    master.PostedAt,
		FinalizedAt: master.FinalizedAt,
	}
}
