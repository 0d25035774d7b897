package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

const maxActivityPageSize = 200

// sensitiveMetadataKeys are masked before an entry reaches the audit table.
var sensitiveMetadataKeys = []string{"email", "token", "secret", "password"}

// ActivityActor represents the authenticated actor behind a pipeline action.
type ActivityActor struct {
	ID   uint
	Role string
}

// ActivityEntry captures the details required to persist an audit entry.
type ActivityEntry struct {
	ActorID    uint
	ActorRole  string
	Action     string
	EntityType string
	EntityID   *uint
	Metadata   map[string]interface{}
}

// ActivityRecorder is the write side used by the pipeline services.
type ActivityRecorder interface {
	Record(ctx context.Context, entry ActivityEntry) (dto.ActivityResponse, error)
}

// ActivityService records and lists the pipeline audit trail.
type ActivityService interface {
	ActivityRecorder
	List(ctx context.Context, req dto.ActivityListRequest) (dto.ActivityListResponse, error)
}

type activityService struct {
	repo   repository.ActivityLogRepository
	logger zerolog.Logger
}

func NewActivityService(repo repository.ActivityLogRepository, logger zerolog.Logger) ActivityService {
	return &activityService{
		repo:   repo,
		logger: logger.With().Str("component", "activity_service").Logger(),
	}
}

func (s *activityService) Record(ctx context.Context, entry ActivityEntry) (dto.ActivityResponse, error) {
	action := strings.ToLower(strings.TrimSpace(entry.Action))
	entityType := strings.ToLower(strings.TrimSpace(entry.EntityType))
	if action == "" {
		return dto.ActivityResponse{}, fmt.Errorf("action is required")
	}
	if entityType == "" {
		return dto.ActivityResponse{}, fmt.Errorf("entity type is required")
	}

	metadata := maskMetadata(entry.Metadata)
	if correlation := observability.CorrelationIDFromContext(ctx); correlation != "" {
		metadata["correlation_id"] = correlation
	}

	model := models.ActivityLog{
		ActorID:    entry.ActorID,
		ActorRole:  actorRole(entry.ActorRole),
		Action:     action,
		EntityType: entityType,
		EntityID:   entry.EntityID,
		Metadata:   metadata,
	}
	if err := s.repo.Create(ctx, &model); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("failed to persist activity log")
		return dto.ActivityResponse{}, err
	}

	return dto.NewActivityResponse(model), nil
}

func (s *activityService) List(ctx context.Context, req dto.ActivityListRequest) (dto.ActivityListResponse, error) {
	page := req.Page
	if page <= 0 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize > maxActivityPageSize {
		pageSize = maxActivityPageSize
	}

	filter := repository.ActivityLogFilter{
		Page:       page,
		PageSize:   pageSize,
		Action:     strings.ToLower(strings.TrimSpace(req.Action)),
		EntityType: strings.ToLower(strings.TrimSpace(req.EntityType)),
		Since:      timeOrNil(req.Since),
		Until:      timeOrNil(req.Until),
	}
	if req.ActorID > 0 {
		filter.ActorID = &req.ActorID
	}
	if req.EntityID > 0 {
		filter.EntityID = &req.EntityID
	}
	if filter.Since != nil && filter.Until != nil && !filter.Until.After(*filter.Since) {
		return dto.ActivityListResponse{}, newValidationError(FieldError{Field: "until", Reason: "must be after since"})
	}

	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return dto.ActivityListResponse{}, err
	}

	items := make([]dto.ActivityResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.NewActivityResponse(entry))
	}

	pagination := dto.PaginationMeta{Page: page, PageSize: pageSize, TotalItems: total, TotalPages: 1}
	if pageSize > 0 {
		pagination.TotalPages = int(math.Ceil(float64(total) / float64(pageSize)))
	}
	return dto.ActivityListResponse{Items: items, Pagination: pagination}, nil
}

func maskMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	masked := datatypes.JSONMap{}
	for key, value := range metadata {
		masked[key] = value
		lower := strings.ToLower(key)
		for _, sensitive := range sensitiveMetadataKeys {
			if strings.Contains(lower, sensitive) {
				masked[key] = "***"
				break
			}
		}
	}
	return masked
}

func actorRole(role string) string {
	if r := strings.ToLower(strings.TrimSpace(role)); r != "" {
		return r
	}
	return "system"
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
