package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// LateRequestCreateRequest is a student's ask for more time.
type LateRequestCreateRequest struct {
	AssignmentID  uint   `json:"assignment_id" validate:"required,gt=0"`
	Type          string `json:"type" validate:"required,oneof=EXTENSION LATE_PASS"`
	DaysRequested int    `json:"days_requested" validate:"required,min=1,max=5"`
	ReasonCode    string `json:"reason_code" validate:"required_if=Type EXTENSION,max=64"`
	Comments      string `json:"comments" validate:"omitempty,max=2000"`
}

// LateRequestApproveRequest carries the optional response to the requester.
type LateRequestApproveRequest struct {
	Response string `json:"response" validate:"omitempty,max=2000"`
}

// LateRequestRejectRequest requires a reason.
type LateRequestRejectRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=2000"`
}

// LateRequestListRequest filters late requests.
type LateRequestListRequest struct {
	CourseID     uint
	AssignmentID uint
	RequesterID  uint
	Status       string `validate:"omitempty,oneof=PENDING APPROVED REJECTED WITHDRAWN"`
	Type         string `validate:"omitempty,oneof=EXTENSION LATE_PASS"`
}

// LateRequestResponse serializes a late request.
type LateRequestResponse struct {
	ID            uint                     `json:"id"`
	CourseID      uint                     `json:"course_id"`
	AssignmentID  uint                     `json:"assignment_id"`
	RequesterID   uint                     `json:"requester_id"`
	Type          models.LateRequestType   `json:"type"`
	Status        models.LateRequestStatus `json:"status"`
	DaysRequested int                      `json:"days_requested"`
	ReasonCode    string                   `json:"reason_code,omitempty"`
	Comments      string                   `json:"comments,omitempty"`
	Response      string                   `json:"response,omitempty"`
	ReviewerID    *uint                    `json:"reviewer_id"`
	ReviewedAt    *time.Time               `json:"reviewed_at"`
	SubmittedAt   time.Time                `json:"submitted_at"`
}

// EffectiveDueDateResponse reports the deadline the evaluator uses for a student.
type EffectiveDueDateResponse struct {
	AssignmentID  uint      `json:"assignment_id"`
	StudentID     uint      `json:"student_id"`
	OriginalDue   time.Time `json:"original_due"`
	ExtensionDays int       `json:"extension_days"`
	LatePassDays  int       `json:"late_pass_days"`
	EffectiveDue  time.Time `json:"effective_due"`
}

// NewLateRequestResponse converts a model into a DTO.
func NewLateRequestResponse(request models.LateRequest) LateRequestResponse {
	return LateRequestResponse{
		ID:            request.ID,
		CourseID:      request.CourseID,
		AssignmentID:  request.AssignmentID,
		RequesterID:   request.RequesterID,
		Type:          request.Type,
		Status:        request.Status,
		DaysRequested: request.DaysRequested,
		ReasonCode:    request.ReasonCode,
		Comments:      request.Comments,
		Response:      request.Response,
		ReviewerID:    request.ReviewerID,
		ReviewedAt:    request.ReviewedAt,
		SubmittedAt:   request.SubmittedAt,
	}
}
