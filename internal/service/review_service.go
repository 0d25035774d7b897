package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// ReviewService exposes computed scores for instructor review and records overrides.
type ReviewService interface {
	RecordOverride(ctx context.Context, migrationID, studentID uint, payload dto.ScoreOverrideRequest, actor ActivityActor) (dto.ScoreOverrideResponse, error)
	CurrentScore(ctx context.Context, migrationID, studentID uint) (dto.ScoreResponse, error)
	History(ctx context.Context, migrationID, studentID uint) ([]dto.ScoreOverrideResponse, error)
	ReviewList(ctx context.Context, masterID uint) (dto.ReviewResponse, error)
	Invalidate(ctx context.Context, masterID uint)
}

type reviewService struct {
	masters    repository.MasterMigrationRepository
	migrations repository.MigrationRepository
	scores     repository.ScoreRepository
	validator  *validator.Validate
	sanitizer  *bluemonday.Policy
	activity   ActivityRecorder
	cache      *redis.Client
	cacheTTL   time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// NewReviewService constructs the review service. cache may be nil.
func NewReviewService(masters repository.MasterMigrationRepository, migrations repository.MigrationRepository, scores repository.ScoreRepository, validator *validator.Validate, activity ActivityRecorder, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) ReviewService {
	return &reviewService{
		masters:    masters,
		migrations: migrations,
		scores:     scores,
		validator:  validator,
		sanitizer:  bluemonday.StrictPolicy(),
		activity:   activity,
		cache:      cache,
		cacheTTL:   ttl,
		logger:     logger.With().Str("component", "review_service").Logger(),
		now:        time.Now,
	}
}

func (s *reviewService) RecordOverride(ctx context.Context, migrationID, studentID uint, payload dto.ScoreOverrideRequest, actor ActivityActor) (dto.ScoreOverrideResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/review")
	ctx, span := tracer.Start(ctx, "review.override")
	span.SetAttributes(
		attribute.Int64("review.migration_id", int64(migrationID)),
		attribute.Int64("review.student_id", int64(studentID)),
		attribute.Int64("review.actor_id", int64(actor.ID)),
	)
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.ScoreOverrideResponse{}, validationFromStruct(err)
	}
	justification := strings.TrimSpace(s.sanitizer.Sanitize(payload.Justification))
	if justification == "" {
		return dto.ScoreOverrideResponse{}, newValidationError(FieldError{Field: "justification", Reason: "required"})
	}

	migration, err := s.migrations.GetByID(ctx, migrationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ScoreOverrideResponse{}, ErrMigrationNotFound
		}
		return dto.ScoreOverrideResponse{}, err
	}
	master, err := s.masters.GetByID(ctx, migration.MasterMigrationID)
	if err != nil {
		return dto.ScoreOverrideResponse{}, err
	}
	if err := requireStage(master, models.StageAwaitingReview); err != nil {
		span.SetStatus(codes.Error, "review_closed")
		return dto.ScoreOverrideResponse{}, err
	}

	score, err := s.scores.GetByMigrationAndStudent(ctx, migrationID, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ScoreOverrideResponse{}, ErrScoreNotFound
		}
		return dto.ScoreOverrideResponse{}, err
	}

	override := models.ScoreOverride{
		ScoreID:                score.ID,
		NewScore:               *payload.NewScore,
		NewStatus:              models.SubmissionStatus(payload.NewStatus),
		AdjustedSubmissionDate: payload.AdjustedSubmissionDate,
		Justification:          justification,
		ActorID:                actor.ID,
		RecordedAt:             s.now().UTC(),
	}
	if err := s.scores.AppendOverride(ctx, &override); err != nil {
		if errors.Is(err, ErrStageConflict) {
			err = s.reviewClosed(ctx, master.ID, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "override_failed")
		return dto.ScoreOverrideResponse{}, err
	}

	observability.Overrides().Inc()
	s.Invalidate(ctx, master.ID)

	s.record(ctx, actor, "score.overridden", score.ID, map[string]interface{}{
		"master_migration_id": master.ID,
		"migration_id":        migrationID,
		"student_id":          studentID,
		"sequence":            override.Sequence,
		"new_score":           override.NewScore,
		"new_status":          override.NewStatus,
	})

	return dto.NewScoreOverrideResponse(override), nil
}

// reviewClosed reports the stage that closed review while an override was being written.
func (s *reviewService) reviewClosed(ctx context.Context, masterID uint, cause error) error {
	master, err := s.masters.GetByID(ctx, masterID)
	if err != nil {
		return cause
	}
	if stageErr := requireStage(master, models.StageAwaitingReview); stageErr != nil {
		return stageErr
	}
	return cause
}

func (s *reviewService) record(ctx context.Context, actor ActivityActor, action string, scoreID uint, metadata map[string]interface{}) {
	if s.activity == nil {
		return
	}
	entityID := scoreID
	if _, err := s.activity.Record(ctx, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: models.ActivityEntityScore,
		EntityID:   &entityID,
		Metadata:   metadata,
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Uint("score_id", scoreID).Msg("failed to record activity")
	}
}

func (s *reviewService) CurrentScore(ctx context.Context, migrationID, studentID uint) (dto.ScoreResponse, error) {
	score, err := s.scores.GetByMigrationAndStudent(ctx, migrationID, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ScoreResponse{}, ErrScoreNotFound
		}
		return dto.ScoreResponse{}, err
	}
	return dto.NewScoreResponse(score), nil
}

func (s *reviewService) History(ctx context.Context, migrationID, studentID uint) ([]dto.ScoreOverrideResponse, error) {
	score, err := s.CurrentScore(ctx, migrationID, studentID)
	if err != nil {
		return nil, err
	}
	return score.Overrides, nil
}

func (s *reviewService) cacheKey(masterID uint) string {
	return fmt.Sprintf("grading:review:%d", masterID)
}

// ReviewList groups every score of a master migration by migration. It is available once
// scores exist and cached while the stage is stable.
func (s *reviewService) ReviewList(ctx context.Context, masterID uint) (dto.ReviewResponse, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, s.cacheKey(masterID)).Result(); err == nil {
			var response dto.ReviewResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				response.CacheHit = true
				return response, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("failed to read review cache")
		}
	}

	master, err := s.masters.GetByID(ctx, masterID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ReviewResponse{}, ErrMasterMigrationNotFound
		}
		return dto.ReviewResponse{}, err
	}
	if !master.Stage.AtLeast(models.StageLoaded) {
		return dto.ReviewResponse{}, &StageError{Current: master.Stage, Required: []models.Stage{models.StageLoaded}}
	}

	scores, err := s.scores.ListByMaster(ctx, masterID)
	if err != nil {
		return dto.ReviewResponse{}, err
	}
	byMigration := map[uint][]dto.ScoreResponse{}
	for _, score := range scores {
		byMigration[score.MigrationID] = append(byMigration[score.MigrationID], dto.NewScoreResponse(score))
	}

	response := dto.ReviewResponse{
		MasterMigrationID: master.ID,
		Stage:             master.Stage,
		Migrations:        make([]dto.MigrationWithScores, 0, len(master.Migrations)),
		GeneratedAt:       s.now().UTC(),
	}
	for _, migration := range master.Migrations {
		rows := byMigration[migration.ID]
		if rows == nil {
			rows = []dto.ScoreResponse{}
		}
		response.Migrations = append(response.Migrations, dto.MigrationWithScores{
			Migration: dto.NewMigrationResponse(migration),
			Scores:    rows,
		})
	}

	// Scores keep changing while apply runs; only cache stable stages.
	if s.cache != nil && master.Stage != models.StageApplying {
		if payload, err := json.Marshal(response); err == nil {
			if err := s.cache.Set(ctx, s.cacheKey(masterID), payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store review cache")
			}
		}
	}

	return response, nil
}

// Invalidate drops the cached review list after scores or the stage change.
func (s *reviewService) Invalidate(ctx context.Context, masterID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, s.cacheKey(masterID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("master_migration_id", masterID).Msg("failed to invalidate review cache")
	}
}
