package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Course carries the late-work configuration used by the pipeline.
type Course struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	Name                   string         `gorm:"size:255;not null" json:"name"`
	TotalLatePassesAllowed int            `gorm:"not null" json:"total_late_passes_allowed"`
	ExtensionReasons       datatypes.JSON `json:"extension_reasons"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// ReasonCodes returns the normalised extension reason codes configured for the course.
func (c Course) ReasonCodes() []string {
	if len(c.ExtensionReasons) == 0 {
		return nil
	}
	var codes []string
	if err := json.Unmarshal(c.ExtensionReasons, &codes); err != nil {
		return nil
	}
	result := make([]string, 0, len(codes))
	for _, code := range codes {
		if trimmed := strings.ToLower(strings.TrimSpace(code)); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// AllowsReason reports whether code is one of the configured extension reasons.
func (c Course) AllowsReason(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, candidate := range c.ReasonCodes() {
		if candidate == code {
			return true
		}
	}
	return false
}

// Enrollment links a student to a course.
type Enrollment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CourseID  uint      `gorm:"not null;uniqueIndex:idx_enrollment" json:"course_id"`
	StudentID uint      `gorm:"not null;uniqueIndex:idx_enrollment" json:"student_id"`
	Role      string    `gorm:"size:32;not null" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// EnrollmentRoleStudent marks learners whose scores are migrated.
const EnrollmentRoleStudent = "student"
