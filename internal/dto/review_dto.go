package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// ScoreOverrideRequest captures an instructor adjustment to one score.
type ScoreOverrideRequest struct {
	NewScore               *float64   `json:"new_score" validate:"required,gte=0"`
	NewStatus              string     `json:"new_status" validate:"required,oneof=missing excused late extended on_time"`
	Justification          string     `json:"justification" validate:"required,min=3,max=2000"`
	AdjustedSubmissionDate *time.Time `json:"adjusted_submission_date"`
}

// ScoreOverrideResponse serializes one override ledger entry.
type ScoreOverrideResponse struct {
	ID                     uint                    `json:"id"`
	Sequence               int                     `json:"sequence"`
	NewScore               float64                 `json:"new_score"`
	NewStatus              models.SubmissionStatus `json:"new_status"`
	AdjustedSubmissionDate *time.Time              `json:"adjusted_submission_date,omitempty"`
	Justification          string                  `json:"justification"`
	ActorID                uint                    `json:"actor_id"`
	RecordedAt             time.Time               `json:"recorded_at"`
}

// ScoreResponse serializes one student's score with its override history.
type ScoreResponse struct {
	ID            uint                    `json:"id"`
	MigrationID   uint                    `json:"migration_id"`
	StudentID     uint                    `json:"student_id"`
	RawScore      *float64                `json:"raw_score"`
	ComputedScore *float64                `json:"computed_score"`
	Status        models.SubmissionStatus `json:"status"`
	SubmittedAt   *time.Time              `json:"submitted_at"`
	DaysLate      int                     `json:"days_late"`
	Comment       string                  `json:"comment,omitempty"`
	Determination string                  `json:"determination,omitempty"`
	PolicyError   bool                    `json:"policy_error"`
	CurrentScore  *float64                `json:"current_score"`
	CurrentStatus models.SubmissionStatus `json:"current_status"`
	Overridden    bool                    `json:"overridden"`
	Overrides     []ScoreOverrideResponse `json:"overrides"`
}

// MigrationWithScores groups a migration with its score rows.
type MigrationWithScores struct {
	Migration MigrationResponse `json:"migration"`
	Scores    []ScoreResponse   `json:"scores"`
}

// ReviewResponse is the review list of a master migration.
type ReviewResponse struct {
	MasterMigrationID uint                  `json:"master_migration_id"`
	Stage             models.Stage          `json:"stage"`
	Migrations        []MigrationWithScores `json:"migrations"`
	GeneratedAt       time.Time             `json:"generated_at"`
	CacheHit          bool                  `json:"cache_hit"`
}

// NewScoreOverrideResponse converts a model into a DTO.
func NewScoreOverrideResponse(override models.ScoreOverride) ScoreOverrideResponse {
	return ScoreOverrideResponse{
		ID:                     override.ID,
		Sequence:               override.Sequence,
		NewScore:               override.NewScore,
		NewStatus:              override.NewStatus,
		AdjustedSubmissionDate: override.AdjustedSubmissionDate,
		Justification:          override.Justification,
		ActorID:                override.ActorID,
		RecordedAt:             override.RecordedAt,
	}
}

// NewScoreResponse converts a model into a DTO, resolving the current value.
func NewScoreResponse(score models.Score) ScoreResponse {
	current, status := score.Current()
	overrides := make([]ScoreOverrideResponse, 0, len(score.Overrides))
	for _, override := range score.Overrides {
		overrides = append(overrides, NewScoreOverrideResponse(override))
	}
	return ScoreResponse{
		ID:            score.ID,
		MigrationID:   score.MigrationID,
		StudentID:     score.StudentID,
		RawScore:      score.RawScore,
		ComputedScore: score.ComputedScore,
		Status:        score.Status,
		SubmittedAt:   score.SubmittedAt,
		DaysLate:      score.DaysLate,
		Comment:       score.Comment,
		Determination: score.Determination,
		PolicyError:   score.PolicyError,
		CurrentScore:  current,
		CurrentStatus: status,
		Overridden:    len(score.Overrides) > 0,
		Overrides:     overrides,
	}
}
