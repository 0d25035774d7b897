package models

import "time"

// SubmissionStatus classifies a student's submission for grading.
type SubmissionStatus string

const (
	SubmissionMissing  SubmissionStatus = "missing"
	SubmissionExcused  SubmissionStatus = "excused"
	SubmissionLate     SubmissionStatus = "late"
	SubmissionExtended SubmissionStatus = "extended"
	SubmissionOnTime   SubmissionStatus = "on_time"
)

// Valid reports whether s is a known submission status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionMissing, SubmissionExcused, SubmissionLate, SubmissionExtended, SubmissionOnTime:
		return true
	}
	return false
}

// Instructor determinations for rows without a raw score.
const (
	DeterminationNone    = ""
	DeterminationMissing = "missing"
	DeterminationExcused = "excused"
)

// Score is one student's result for one migration.
type Score struct {
	ID                    uint             `gorm:"primaryKey" json:"id"`
	MigrationID           uint             `gorm:"not null;uniqueIndex:idx_score_student" json:"migration_id"`
	StudentID             uint             `gorm:"not null;uniqueIndex:idx_score_student" json:"student_id"`
	RawScore              *float64         `json:"raw_score"`
	ComputedScore         *float64         `json:"computed_score"`
	Status                SubmissionStatus `gorm:"size:16;not null" json:"status"`
	SubmittedAt           *time.Time       `json:"submitted_at"`
	DaysLate              int              `json:"days_late"`
	Comment               string           `gorm:"type:text" json:"comment"`
	Determination         string           `gorm:"size:16" json:"determination"`
	PolicyError           bool             `json:"policy_error"`
	ComputedAt            *time.Time       `json:"computed_at"`
	ComputedPolicyID      *uint            `json:"computed_policy_id"`
	ComputedPolicyVersion int              `json:"computed_policy_version"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	Overrides             []ScoreOverride  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"overrides"`
}

// Ready reports whether the row may enter the apply stage.
func (s Score) Ready() bool {
	return s.RawScore != nil || s.Determination == DeterminationMissing || s.Determination == DeterminationExcused
}

// ComputedWith reports whether the row already holds a clean result for the given policy version.
func (s Score) ComputedWith(policyID uint, version int) bool {
	return s.ComputedAt != nil &&
		!s.PolicyError &&
		s.ComputedPolicyID != nil &&
		*s.ComputedPolicyID == policyID &&
		s.ComputedPolicyVersion == version
}

// LatestOverride returns the most recent override entry, if any.
func (s Score) LatestOverride() *ScoreOverride {
	var latest *ScoreOverride
	for i := range s.Overrides {
		candidate := &s.Overrides[i]
		if latest == nil || candidate.Sequence > latest.Sequence {
			latest = candidate
		}
	}
	return latest
}

// Current resolves the effective score and status: the latest override, else the evaluator output.
func (s Score) Current() (*float64, SubmissionStatus) {
	if latest := s.LatestOverride(); latest != nil {
		value := latest.NewScore
		return &value, latest.NewStatus
	}
	return s.ComputedScore, s.Status
}

// ScoreOverride is an append-only instructor adjustment to a score.
type ScoreOverride struct {
	ID                     uint             `gorm:"primaryKey" json:"id"`
	ScoreID                uint             `gorm:"not null;uniqueIndex:idx_override_sequence" json:"score_id"`
	Sequence               int              `gorm:"not null;uniqueIndex:idx_override_sequence" json:"sequence"`
	NewScore               float64          `gorm:"not null" json:"new_score"`
	NewStatus              SubmissionStatus `gorm:"size:16;not null" json:"new_status"`
	AdjustedSubmissionDate *time.Time       `json:"adjusted_submission_date"`
	Justification          string           `gorm:"type:text;not null" json:"justification"`
	ActorID                uint             `gorm:"not null" json:"actor_id"`
	RecordedAt             time.Time        `gorm:"not null" json:"recorded_at"`
	CreatedAt              time.Time        `json:"created_at"`
}

// RawScoreImport stages a raw score received from an external source.
type RawScoreImport struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	AssignmentID uint       `gorm:"not null;uniqueIndex:idx_raw_score_student" json:"assignment_id"`
	StudentID    uint       `gorm:"not null;uniqueIndex:idx_raw_score_student" json:"student_id"`
	Score        *float64   `json:"score"`
	SubmittedAt  *time.Time `json:"submitted_at"`
	Source       string     `gorm:"size:64" json:"source"`
	ImportedAt   time.Time  `gorm:"not null" json:"imported_at"`
}
