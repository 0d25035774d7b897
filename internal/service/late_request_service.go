package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/grading"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// LateRequestService manages extensions and late passes.
type LateRequestService interface {
	Submit(ctx context.Context, requester ActivityActor, payload dto.LateRequestCreateRequest) (dto.LateRequestResponse, error)
	Approve(ctx context.Context, id uint, reviewer ActivityActor, payload dto.LateRequestApproveRequest) (dto.LateRequestResponse, error)
	Reject(ctx context.Context, id uint, reviewer ActivityActor, payload dto.LateRequestRejectRequest) (dto.LateRequestResponse, error)
	Withdraw(ctx context.Context, id uint, requester ActivityActor) (dto.LateRequestResponse, error)
	Get(ctx context.Context, id uint) (dto.LateRequestResponse, error)
	List(ctx context.Context, req dto.LateRequestListRequest) ([]dto.LateRequestResponse, error)
	EffectiveDueDate(ctx context.Context, assignmentID, studentID uint) (dto.EffectiveDueDateResponse, error)
}

type lateRequestService struct {
	requests    repository.LateRequestRepository
	courses     repository.CourseRepository
	assignments repository.AssignmentRepository
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	activity    ActivityRecorder
	locks       *keyedLock
	logger      zerolog.Logger
	now         func() time.Time
}

// NewLateRequestService constructs the late request workflow.
func NewLateRequestService(requests repository.LateRequestRepository, courses repository.CourseRepository, assignments repository.AssignmentRepository, validator *validator.Validate, activity ActivityRecorder, logger zerolog.Logger) LateRequestService {
	return &lateRequestService{
		requests:    requests,
		courses:     courses,
		assignments: assignments,
		validator:   validator,
		sanitizer:   bluemonday.StrictPolicy(),
		activity:    activity,
		locks:       newKeyedLock(),
		logger:      logger.With().Str("component", "late_request_service").Logger(),
		now:         time.Now,
	}
}

func (s *lateRequestService) Submit(ctx context.Context, requester ActivityActor, payload dto.LateRequestCreateRequest) (dto.LateRequestResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.LateRequestResponse{}, validationFromStruct(err)
	}

	assignment, err := s.assignments.GetByID(ctx, payload.AssignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.LateRequestResponse{}, ErrAssignmentNotFound
		}
		return dto.LateRequestResponse{}, err
	}
	course, err := s.courses.GetByID(ctx, assignment.CourseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.LateRequestResponse{}, ErrCourseNotFound
		}
		return dto.LateRequestResponse{}, err
	}

	enrolled, err := s.courses.IsEnrolled(ctx, course.ID, requester.ID)
	if err != nil {
		return dto.LateRequestResponse{}, err
	}
	if !enrolled {
		return dto.LateRequestResponse{}, ErrNotEnrolled
	}

	requestType := models.LateRequestType(payload.Type)
	reason := strings.ToLower(strings.TrimSpace(payload.ReasonCode))
	if requestType == models.LateRequestExtension && !course.AllowsReason(reason) {
		return dto.LateRequestResponse{}, newValidationError(FieldError{
			Field:  "reason_code",
			Reason: fmt.Sprintf("%q is not an allowed extension reason for this course", payload.ReasonCode),
		})
	}
	if requestType == models.LateRequestLatePass {
		reason = ""
	}

	request := models.LateRequest{
		CourseID:      course.ID,
		AssignmentID:  assignment.ID,
		RequesterID:   requester.ID,
		Type:          requestType,
		Status:        models.LateRequestPending,
		DaysRequested: payload.DaysRequested,
		ReasonCode:    reason,
		Comments:      strings.TrimSpace(s.sanitizer.Sanitize(payload.Comments)),
		SubmittedAt:   s.now().UTC(),
	}
	if err := s.requests.Create(ctx, &request); err != nil {
		return dto.LateRequestResponse{}, err
	}

	s.record(ctx, requester, "late_request.submitted", request, nil)
	return dto.NewLateRequestResponse(request), nil
}

func (s *lateRequestService) Approve(ctx context.Context, id uint, reviewer ActivityActor, payload dto.LateRequestApproveRequest) (dto.LateRequestResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/late_request")
	ctx, span := tracer.Start(ctx, "late_request.approve")
	span.SetAttributes(attribute.Int64("late_request.id", int64(id)))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.LateRequestResponse{}, validationFromStruct(err)
	}

	request, err := s.load(ctx, id)
	if err != nil {
		span.RecordError(err)
		return dto.LateRequestResponse{}, err
	}
	if request.Status != models.LateRequestPending {
		return dto.LateRequestResponse{}, ErrLateRequestResolved
	}
	span.SetAttributes(attribute.String("late_request.type", string(request.Type)))

	updates := s.resolution(reviewer, s.sanitizer.Sanitize(payload.Response))

	switch request.Type {
	case models.LateRequestExtension:
		course, err := s.courses.GetByID(ctx, request.CourseID)
		if err != nil {
			return dto.LateRequestResponse{}, err
		}
		if !course.AllowsReason(request.ReasonCode) {
			observability.LateDecisions().WithLabelValues(string(request.Type), "invalid_reason").Inc()
			return dto.LateRequestResponse{}, newValidationError(FieldError{
				Field:  "reason_code",
				Reason: fmt.Sprintf("%q is no longer an allowed extension reason", request.ReasonCode),
			})
		}
		if err := s.requests.Resolve(ctx, request.ID, models.LateRequestApproved, updates); err != nil {
			return dto.LateRequestResponse{}, s.translateResolve(err)
		}
	case models.LateRequestLatePass:
		course, err := s.courses.GetByID(ctx, request.CourseID)
		if err != nil {
			return dto.LateRequestResponse{}, err
		}

		release := s.locks.Lock(fmt.Sprintf("%d:%d", request.CourseID, request.RequesterID))
		used, err := s.requests.ApproveLatePass(ctx, request, course.TotalLatePassesAllowed, updates)
		release()

		var budgetErr *repository.BudgetExceededError
		if errors.As(err, &budgetErr) {
			observability.LateDecisions().WithLabelValues(string(request.Type), "exceeded").Inc()
			span.SetStatus(codes.Error, "allowance_exceeded")
			return dto.LateRequestResponse{}, &CapacityError{Used: budgetErr.Used, Requested: budgetErr.Requested, Allowance: budgetErr.Allowance}
		}
		if err != nil {
			span.RecordError(err)
			return dto.LateRequestResponse{}, s.translateResolve(err)
		}
		s.logger.Info().
			Uint("late_request_id", request.ID).
			Uint("student_id", request.RequesterID).
			Int("used_days", used).
			Int("allowance", course.TotalLatePassesAllowed).
			Msg("late pass approved")
	default:
		return dto.LateRequestResponse{}, newValidationError(FieldError{Field: "type", Reason: "unknown late request type"})
	}

	observability.LateDecisions().WithLabelValues(string(request.Type), "approved").Inc()
	return s.finish(ctx, reviewer, "late_request.approved", request.ID)
}

func (s *lateRequestService) Reject(ctx context.Context, id uint, reviewer ActivityActor, payload dto.LateRequestRejectRequest) (dto.LateRequestResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.LateRequestResponse{}, validationFromStruct(err)
	}
	request, err := s.load(ctx, id)
	if err != nil {
		return dto.LateRequestResponse{}, err
	}

	updates := s.resolution(reviewer, s.sanitizer.Sanitize(payload.Reason))
	if err := s.requests.Resolve(ctx, request.ID, models.LateRequestRejected, updates); err != nil {
		return dto.LateRequestResponse{}, s.translateResolve(err)
	}
	observability.LateDecisions().WithLabelValues(string(request.Type), "rejected").Inc()
	return s.finish(ctx, reviewer, "late_request.rejected", request.ID)
}

func (s *lateRequestService) Withdraw(ctx context.Context, id uint, requester ActivityActor) (dto.LateRequestResponse, error) {
	request, err := s.load(ctx, id)
	if err != nil {
		return dto.LateRequestResponse{}, err
	}
	if request.RequesterID != requester.ID {
		return dto.LateRequestResponse{}, ErrNotRequester
	}

	if err := s.requests.Resolve(ctx, request.ID, models.LateRequestWithdrawn, map[string]interface{}{}); err != nil {
		return dto.LateRequestResponse{}, s.translateResolve(err)
	}
	observability.LateDecisions().WithLabelValues(string(request.Type), "withdrawn").Inc()
	return s.finish(ctx, requester, "late_request.withdrawn", request.ID)
}

func (s *lateRequestService) Get(ctx context.Context, id uint) (dto.LateRequestResponse, error) {
	request, err := s.load(ctx, id)
	if err != nil {
		return dto.LateRequestResponse{}, err
	}
	return dto.NewLateRequestResponse(request), nil
}

func (s *lateRequestService) List(ctx context.Context, req dto.LateRequestListRequest) ([]dto.LateRequestResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationFromStruct(err)
	}

	filter := repository.LateRequestFilter{}
	if req.CourseID > 0 {
		filter.CourseID = &req.CourseID
	}
	if req.AssignmentID > 0 {
		filter.AssignmentID = &req.AssignmentID
	}
	if req.RequesterID > 0 {
		filter.RequesterID = &req.RequesterID
	}
	if req.Status != "" {
		status := models.LateRequestStatus(req.Status)
		filter.Status = &status
	}
	if req.Type != "" {
		requestType := models.LateRequestType(req.Type)
		filter.Type = &requestType
	}

	requests, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	responses := make([]dto.LateRequestResponse, 0, len(requests))
	for _, request := range requests {
		responses = append(responses, dto.NewLateRequestResponse(request))
	}
	return responses, nil
}

func (s *lateRequestService) EffectiveDueDate(ctx context.Context, assignmentID, studentID uint) (dto.EffectiveDueDateResponse, error) {
	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EffectiveDueDateResponse{}, ErrAssignmentNotFound
		}
		return dto.EffectiveDueDateResponse{}, err
	}
	days, err := s.requests.ApprovedDaysFor(ctx, assignmentID, studentID)
	if err != nil {
		return dto.EffectiveDueDateResponse{}, err
	}

	return dto.EffectiveDueDateResponse{
		AssignmentID:  assignment.ID,
		StudentID:     studentID,
		OriginalDue:   assignment.DueDate,
		ExtensionDays: days.Extension,
		LatePassDays:  days.LatePass,
		EffectiveDue:  grading.EffectiveDue(assignment.DueDate, days.Extension, days.LatePass),
	}, nil
}

func (s *lateRequestService) load(ctx context.Context, id uint) (models.LateRequest, error) {
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.LateRequest{}, ErrLateRequestNotFound
		}
		return models.LateRequest{}, err
	}
	return request, nil
}

func (s *lateRequestService) resolution(reviewer ActivityActor, response string) map[string]interface{} {
	reviewerID := reviewer.ID
	reviewedAt := s.now().UTC()
	return map[string]interface{}{
		"reviewer_id": &reviewerID,
		"reviewed_at": &reviewedAt,
		"response":    strings.TrimSpace(response),
	}
}

func (s *lateRequestService) translateResolve(err error) error {
	if errors.Is(err, repository.ErrStatusConflict) {
		return ErrLateRequestResolved
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrLateRequestNotFound
	}
	return err
}

func (s *lateRequestService) finish(ctx context.Context, actor ActivityActor, action string, id uint) (dto.LateRequestResponse, error) {
	request, err := s.load(ctx, id)
	if err != nil {
		return dto.LateRequestResponse{}, err
	}
	s.record(ctx, actor, action, request, map[string]interface{}{"status": request.Status})
	return dto.NewLateRequestResponse(request), nil
}

func (s *lateRequestService) record(ctx context.Context, actor ActivityActor, action string, request models.LateRequest, extra map[string]interface{}) {
	if s.activity == nil {
		return
	}
	metadata := map[string]interface{}{
		"assignment_id":  request.AssignmentID,
		"student_id":     request.RequesterID,
		"type":           request.Type,
		"days_requested": request.DaysRequested,
	}
	for key, value := range extra {
		metadata[key] = value
	}
	entityID := request.ID
	if _, err := s.activity.Record(ctx, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: models.ActivityEntityLateRequest,
		EntityID:   &entityID,
		Metadata:   metadata,
	}); err != nil {
		s.logger.Warn().Err(err).Uint("late_request_id", request.ID).Msg("failed to record activity")
	}
}
