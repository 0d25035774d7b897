package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/policy"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// PolicyService manages the grading policy catalogue of a course.
type PolicyService interface {
	Create(ctx context.Context, payload dto.PolicyCreateRequest, actor ActivityActor) (dto.PolicyResponse, error)
	Get(ctx context.Context, id uint) (dto.PolicyResponse, error)
	ListByCourse(ctx context.Context, courseID uint) ([]dto.PolicyResponse, error)
	Update(ctx context.Context, id uint, payload dto.PolicyUpdateRequest, actor ActivityActor) (dto.PolicyResponse, error)
	Delete(ctx context.Context, id uint, actor ActivityActor) error
}

type policyService struct {
	policies  repository.PolicyRepository
	courses   repository.CourseRepository
	runner    policy.Runner
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	activity  ActivityRecorder
	logger    zerolog.Logger
}

// NewPolicyService constructs the policy catalogue service.
func NewPolicyService(policies repository.PolicyRepository, courses repository.CourseRepository, runner policy.Runner, validator *validator.Validate, activity ActivityRecorder, logger zerolog.Logger) PolicyService {
	return &policyService{
		policies:  policies,
		courses:   courses,
		runner:    runner,
		validator: validator,
		sanitizer: bluemonday.StrictPolicy(),
		activity:  activity,
		logger:    logger.With().Str("component", "policy_service").Logger(),
	}
}

func (s *policyService) Create(ctx context.Context, payload dto.PolicyCreateRequest, actor ActivityActor) (dto.PolicyResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.PolicyResponse{}, validationFromStruct(err)
	}
	if _, err := s.courses.GetByID(ctx, payload.CourseID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.PolicyResponse{}, ErrCourseNotFound
		}
		return dto.PolicyResponse{}, err
	}

	model := models.Policy{
		CourseID:    payload.CourseID,
		Name:        strings.TrimSpace(s.sanitizer.Sanitize(payload.Name)),
		Description: strings.TrimSpace(s.sanitizer.Sanitize(payload.Description)),
		Version:     1,
		Runtime:     payload.Runtime,
		Builtin:     strings.TrimSpace(payload.Builtin),
		Params:      datatypes.JSONMap(payload.Params),
		Source:      payload.Source,
		CreatedBy:   actor.ID,
	}
	if err := s.runner.Validate(model); err != nil {
		return dto.PolicyResponse{}, newValidationError(FieldError{Field: "policy", Reason: err.Error()})
	}
	if err := s.policies.Create(ctx, &model); err != nil {
		return dto.PolicyResponse{}, err
	}

	s.record(ctx, actor, "policy.created", model)
	return dto.NewPolicyResponse(model), nil
}

func (s *policyService) Get(ctx context.Context, id uint) (dto.PolicyResponse, error) {
	model, err := s.load(ctx, id)
	if err != nil {
		return dto.PolicyResponse{}, err
	}
	return dto.NewPolicyResponse(model), nil
}

func (s *policyService) ListByCourse(ctx context.Context, courseID uint) ([]dto.PolicyResponse, error) {
	policies, err := s.policies.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	responses := make([]dto.PolicyResponse, 0, len(policies))
	for _, item := range policies {
		responses = append(responses, dto.NewPolicyResponse(item))
	}
	return responses, nil
}

// Update refuses changes while a loaded migration depends on the policy, since applied
// rows would no longer match the version snapshotted at load.
func (s *policyService) Update(ctx context.Context, id uint, payload dto.PolicyUpdateRequest, actor ActivityActor) (dto.PolicyResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.PolicyResponse{}, validationFromStruct(err)
	}
	current, err := s.load(ctx, id)
	if err != nil {
		return dto.PolicyResponse{}, err
	}

	locked, err := s.policies.LockedUsage(ctx, id)
	if err != nil {
		return dto.PolicyResponse{}, err
	}
	if locked > 0 {
		return dto.PolicyResponse{}, ErrPolicyLocked
	}

	updates := map[string]interface{}{}
	candidate := current
	if payload.Name != nil {
		candidate.Name = strings.TrimSpace(s.sanitizer.Sanitize(*payload.Name))
		updates["name"] = candidate.Name
	}
	if payload.Description != nil {
		candidate.Description = strings.TrimSpace(s.sanitizer.Sanitize(*payload.Description))
		updates["description"] = candidate.Description
	}
	if payload.Builtin != nil {
		candidate.Builtin = strings.TrimSpace(*payload.Builtin)
		updates["builtin"] = candidate.Builtin
	}
	if payload.Params != nil {
		candidate.Params = datatypes.JSONMap(payload.Params)
		updates["params"] = candidate.Params
	}
	if payload.Source != nil {
		candidate.Source = *payload.Source
		updates["source"] = candidate.Source
	}
	if len(updates) == 0 {
		return dto.NewPolicyResponse(current), nil
	}
	if err := s.runner.Validate(candidate); err != nil {
		return dto.PolicyResponse{}, newValidationError(FieldError{Field: "policy", Reason: err.Error()})
	}

	updated, err := s.policies.Update(ctx, id, updates)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.PolicyResponse{}, ErrPolicyNotFound
		}
		return dto.PolicyResponse{}, err
	}

	s.logger.Info().Uint("policy_id", id).Int("version", updated.Version).Msg("policy updated")
	s.record(ctx, actor, "policy.updated", updated)
	return dto.NewPolicyResponse(updated), nil
}

func (s *policyService) Delete(ctx context.Context, id uint, actor ActivityActor) error {
	model, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.policies.Delete(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPolicyNotFound
		}
		return err
	}
	s.record(ctx, actor, "policy.deleted", model)
	return nil
}

func (s *policyService) load(ctx context.Context, id uint) (models.Policy, error) {
	model, err := s.policies.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Policy{}, ErrPolicyNotFound
		}
		return models.Policy{}, err
	}
	return model, nil
}

func (s *policyService) record(ctx context.Context, actor ActivityActor, action string, model models.Policy) {
	if s.activity == nil {
		return
	}
	entityID := model.ID
	_, _ = s.activity.Record(ctx, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: models.ActivityEntityPolicy,
		EntityID:   &entityID,
		Metadata: map[string]interface{}{
			"course_id": model.CourseID,
			"version":   model.Version,
			"runtime":   model.Runtime,
		},
	})
}
