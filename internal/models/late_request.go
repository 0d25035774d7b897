package models

import "time"

// LateRequestType distinguishes extensions from late passes.
type LateRequestType string

const (
	LateRequestExtension LateRequestType = "EXTENSION"
	LateRequestLatePass  LateRequestType = "LATE_PASS"
)

// LateRequestStatus is the review state of a late request.
type LateRequestStatus string

const (
	LateRequestPending   LateRequestStatus = "PENDING"
	LateRequestApproved  LateRequestStatus = "APPROVED"
	LateRequestRejected  LateRequestStatus = "REJECTED"
	LateRequestWithdrawn LateRequestStatus = "WITHDRAWN"
)

// LateRequest is one student's ask for additional time on one assignment.
type LateRequest struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	CourseID      uint              `gorm:"not null;index" json:"course_id"`
	AssignmentID  uint              `gorm:"not null;index:idx_late_request_owner" json:"assignment_id"`
	RequesterID   uint              `gorm:"not null;index:idx_late_request_owner" json:"requester_id"`
	Type          LateRequestType   `gorm:"size:16;not null" json:"type"`
	Status        LateRequestStatus `gorm:"size:16;not null;index" json:"status"`
	DaysRequested int               `gorm:"not null" json:"days_requested"`
	ReasonCode    string            `gorm:"size:64" json:"reason_code,omitempty"`
	Comments      string            `gorm:"type:text" json:"comments,omitempty"`
	Response      string            `gorm:"type:text" json:"response,omitempty"`
	ReviewerID    *uint             `json:"reviewer_id"`
	ReviewedAt    *time.Time        `json:"reviewed_at"`
	SubmittedAt   time.Time         `gorm:"not null" json:"submitted_at"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// LatePassBalance is the running total of approved late-pass days for one student in one course.
type LatePassBalance struct {
	ID        uint `gorm:"primaryKey"`
	CourseID  uint `gorm:"not null;uniqueIndex:idx_late_pass_balance"`
	StudentID uint `gorm:"not null;uniqueIndex:idx_late_pass_balance"`
	UsedDays  int  `gorm:"not null"`
	Version   int  `gorm:"not null"`
	UpdatedAt time.Time
}
