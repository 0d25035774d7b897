package models

import "time"

// Assignment is a gradable unit of work within a course.
type Assignment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CourseID    uint      `gorm:"not null;index" json:"course_id"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	DueDate     time.Time `gorm:"not null" json:"due_date"`
	MaxScore    float64   `json:"max_score"`
	Enabled     bool      `gorm:"not null" json:"enabled"`
	Frozen      bool      `gorm:"not null" json:"frozen"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GradingBlockers lists why the assignment cannot be loaded into a migration. Empty means gradable.
func (a Assignment) GradingBlockers() []string {
	var reasons []string
	if !a.Enabled {
		reasons = append(reasons, "assignment is disabled")
	}
	if a.Frozen {
		reasons = append(reasons, "assignment is frozen")
	}
	return reasons
}
