package models

import "time"

// MigrationStatistics aggregates late-work counters for one grading cycle.
type MigrationStatistics struct {
	LateRequests       int `json:"late_requests"`
	Extensions         int `json:"extensions"`
	LatePasses         int `json:"late_passes"`
	UnapprovedRequests int `json:"unapproved_requests"`
	TotalSubmissions   int `json:"total_submissions"`
}

// MasterMigration identifies one grading cycle for one course.
type MasterMigration struct {
	ID             uint                `gorm:"primaryKey" json:"id"`
	CourseID       uint                `gorm:"not null;index" json:"course_id"`
	ActiveCourseID *uint               `gorm:"uniqueIndex" json:"-"`
	Stage          Stage               `gorm:"size:32;not null;index" json:"stage"`
	Statistics     MigrationStatistics `gorm:"embedded;embeddedPrefix:stat_" json:"statistics"`
	CreatedBy      uint                `json:"created_by"`
	StartedAt      *time.Time          `json:"started_at"`
	PostedAt       *time.Time          `json:"posted_at"`
	FinalizedAt    *time.Time          `json:"finalized_at"`
	ExportURL      string              `gorm:"size:512" json:"export_url"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Migrations     []Migration         `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"migrations"`
}

// Locked reports whether the migration set is frozen.
func (m MasterMigration) Locked() bool {
	return !m.Stage.Editable()
}

// Migration pairs one assignment with one grading policy inside a master migration.
type Migration struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	MasterMigrationID uint       `gorm:"not null;uniqueIndex:idx_migration_assignment" json:"master_migration_id"`
	AssignmentID      uint       `gorm:"not null;uniqueIndex:idx_migration_assignment" json:"assignment_id"`
	PolicyID          *uint      `json:"policy_id"`
	PolicyVersion     int        `json:"policy_version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Assignment        Assignment `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"assignment"`
	Policy            *Policy    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"policy,omitempty"`
}
