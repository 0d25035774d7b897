package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// PolicyCreateRequest registers a new grading policy.
type PolicyCreateRequest struct {
	CourseID    uint                   `json:"course_id" validate:"required,gt=0"`
	Name        string                 `json:"name" validate:"required,min=2,max=128"`
	Description string                 `json:"description" validate:"omitempty,max=2000"`
	Runtime     string                 `json:"runtime" validate:"required,oneof=builtin javascript"`
	Builtin     string                 `json:"builtin" validate:"required_if=Runtime builtin,max=64"`
	Params      map[string]interface{} `json:"params"`
	Source      string                 `json:"source" validate:"required_if=Runtime javascript,max=20000"`
}

// PolicyUpdateRequest patches a policy; every accepted change bumps its version.
type PolicyUpdateRequest struct {
	Name        *string                `json:"name" validate:"omitempty,min=2,max=128"`
	Description *string                `json:"description" validate:"omitempty,max=2000"`
	Builtin     *string                `json:"builtin" validate:"omitempty,max=64"`
	Params      map[string]interface{} `json:"params"`
	Source      *string                `json:"source" validate:"omitempty,max=20000"`
}

// PolicyResponse serializes a policy.
type PolicyResponse struct {
	ID          uint                   `json:"id"`
	CourseID    uint                   `json:"course_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Version     int                    `json:"version"`
	Runtime     string                 `json:"runtime"`
	Builtin     string                 `json:"builtin,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Source      string                 `json:"source,omitempty"`
	UsageCount  int                    `json:"usage_count"`
	Deletable   bool                   `json:"deletable"`
	CreatedBy   uint                   `json:"created_by"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NewPolicyResponse converts a model into a DTO.
func NewPolicyResponse(policy models.Policy) PolicyResponse {
	var params map[string]interface{}
	if len(policy.Params) > 0 {
		params = map[string]interface{}(policy.Params)
	}
	return PolicyResponse{
		ID:          policy.ID,
		CourseID:    policy.CourseID,
		Name:        policy.Name,
		Description: policy.Description,
		Version:     policy.Version,
		Runtime:     policy.Runtime,
		Builtin:     policy.Builtin,
		Params:      params,
		Source:      policy.Source,
		UsageCount:  policy.UsageCount,
		Deletable:   policy.Deletable(),
		CreatedBy:   policy.CreatedBy,
		CreatedAt:   policy.CreatedAt,
		UpdatedAt:   policy.UpdatedAt,
	}
}
