package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	// PolicyRuntimeBuiltin selects a named scoring function compiled into the service.
	PolicyRuntimeBuiltin = "builtin"
	// PolicyRuntimeJavaScript runs instructor-authored code inside the sandbox.
	PolicyRuntimeJavaScript = "javascript"
)

// Policy is a named, versioned scoring function applied to raw scores.
type Policy struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	CourseID    uint              `gorm:"not null;index" json:"course_id"`
	Name        string            `gorm:"size:128;not null" json:"name"`
	Description string            `gorm:"type:text" json:"description"`
	Version     int               `gorm:"not null" json:"version"`
	Runtime     string            `gorm:"size:32;not null" json:"runtime"`
	Builtin     string            `gorm:"size:64" json:"builtin,omitempty"`
	Params      datatypes.JSONMap `json:"params,omitempty"`
	Source      string            `gorm:"type:text" json:"source,omitempty"`
	UsageCount  int               `gorm:"not null" json:"usage_count"`
	CreatedBy   uint              `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Deletable reports whether no migration references the policy.
func (p Policy) Deletable() bool {
	return p.UsageCount <= 0
}
