package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/grading"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/policy"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

const submitConcurrency = 4

var systemActor = ActivityActor{Role: "system"}

// MigrationDependencies collects the collaborators of the pipeline orchestrator.
type MigrationDependencies struct {
	Masters      repository.MasterMigrationRepository
	Migrations   repository.MigrationRepository
	Scores       repository.ScoreRepository
	Courses      repository.CourseRepository
	Assignments  repository.AssignmentRepository
	Policies     repository.PolicyRepository
	LateRequests repository.LateRequestRepository
	Source       ScoreSource
	Runner       policy.Runner
	Ledger       TaskLedger
	Reviews      ReviewService
	Storage      FileStorage
	Activity     ActivityRecorder
	Validator    *validator.Validate
}

// MigrationService drives a master migration through its stages.
type MigrationService interface {
	Create(ctx context.Context, payload dto.MasterMigrationCreateRequest, actor ActivityActor) (dto.MasterMigrationResponse, error)
	Get(ctx context.Context, id uint) (dto.MasterMigrationResponse, error)
	AddMigration(ctx context.Context, masterID uint, payload dto.MigrationAddRequest, actor ActivityActor) (dto.MigrationResponse, error)
	ReassignPolicy(ctx context.Context, masterID, migrationID uint, payload dto.MigrationPolicyRequest, actor ActivityActor) (dto.MigrationResponse, error)
	RemoveMigration(ctx context.Context, masterID, migrationID uint, actor ActivityActor) error
	LoadValidate(ctx context.Context, id uint, actor ActivityActor) (dto.MasterMigrationResponse, error)
	Load(ctx context.Context, id uint, actor ActivityActor) (dto.MasterMigrationResponse, error)
	SetDetermination(ctx context.Context, masterID, migrationID, studentID uint, payload dto.DeterminationRequest, actor ActivityActor) (dto.ScoreResponse, error)
	ApplyValidate(ctx context.Context, id uint, actor ActivityActor) (dto.MasterMigrationResponse, error)
	Apply(ctx context.Context, id uint, actor ActivityActor) (dto.TaskBatchResponse, error)
	ReviewComplete(ctx context.Context, id uint, actor ActivityActor) (dto.TaskBatchResponse, error)
	Post(ctx context.Context, id uint, actor ActivityActor) (dto.TaskBatchResponse, error)
	Finalize(ctx context.Context, id uint, actor ActivityActor) (dto.MasterMigrationResponse, error)
	AwaitStage(ctx context.Context, id uint, opts PollOptions) (dto.TaskAwaitResponse, error)
	Advance(ctx context.Context, id uint) (models.MasterMigration, error)
}

type migrationService struct {
	deps   MigrationDependencies
	locks  *keyedLock
	tracer func(ctx context.Context, name string, id uint) (context.Context, func(error))
	logger zerolog.Logger
	now    func() time.Time
}

// NewMigrationService constructs the orchestrator.
func NewMigrationService(deps MigrationDependencies, logger zerolog.Logger) MigrationService {
	return &migrationService{
		deps:   deps,
		locks:  newKeyedLock(),
		tracer: startSpan,
		logger: logger.With().Str("component", "migration_service").Logger(),
		now:    time.Now,
	}
}

func startSpan(ctx context.Context, name string, id uint) (context.Context, func(error)) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/migration")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.Int64("migration.master_id", int64(id)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (s *migrationService) Create(ctx context.Context, payload dto.MasterMigrationCreateRequest, actor ActivityActor) (dto.MasterMigrationResponse, error) {
	if err := s.deps.Validator.Struct(payload); err != nil {
		return dto.MasterMigrationResponse{}, validationFromStruct(err)
	}
	if _, err := s.deps.Courses.GetByID(ctx, payload.CourseID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.MasterMigrationResponse{}, ErrCourseNotFound
		}
		return dto.MasterMigrationResponse{}, err
	}

	if _, err := s.deps.Masters.FindActiveByCourse(ctx, payload.CourseID); err == nil {
		return dto.MasterMigrationResponse{}, ErrActiveMigrationExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.MasterMigrationResponse{}, err
	}

	master := models.MasterMigration{
		CourseID:  payload.CourseID,
		Stage:     models.StageCreated,
		CreatedBy: actor.ID,
	}
	if err := s.deps.Masters.Create(ctx, &master); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return dto.MasterMigrationResponse{}, ErrActiveMigrationExists
		}
		return dto.MasterMigrationResponse{}, err
	}

	s.logger.Info().Uint("master_migration_id", master.ID).Uint("course_id", master.CourseID).Msg("master migration created")
	s.record(ctx, actor, "master_migration.created", master.ID, map[string]interface{}{"course_id": master.CourseID})
	return dto.NewMasterMigrationResponse(master), nil
}

// Get reports the current state, advancing the stage first if its tasks have settled.
func (s *migrationService) Get(ctx context.Context, id uint) (dto.MasterMigrationResponse, error) {
	master, err := s.Advance(ctx, id)
	if err != nil {
		return dto.MasterMigrationResponse{}, err
	}

	if master.Stage.AtLeast(models.StageLoaded) && !master.Stage.Terminal() {
		if stats, err := s.statistics(ctx, master); err != nil {
			s.logger.Warn().Err(err).Uint("master_migration_id", id).Msg("failed to refresh statistics")
		} else if stats != master.Statistics {
			if err := s.deps.Masters.Update(ctx, id, repository.StatisticsUpdates(stats)); err != nil {
				s.logger.Warn().Err(err).Uint("master_migration_id", id).Msg("failed to store statistics")
			} else {
				master.Statistics = stats
			}
		}
	}

	response := dto.NewMasterMigrationResponse(master)
	if kind, ok := taskKindFor(master.Stage); ok {
		tasks, err := s.deps.Ledger.Latest(ctx, id, kind)
		if err != nil {
			return dto.MasterMigrationResponse{}, err
		}
		response.Tasks = dto.NewTaskResponses(tasks)
		if failure := firstFailure(tasks); failure != nil {
			response.LastFailure = failure.Error()
		}
	}
	return response, nil
}

func (s *migrationService) AddMigration(ctx context.Context, masterID uint, payload dto.MigrationAddRequest, actor ActivityActor) (dto.MigrationResponse, error) {
	if err := s.deps.Validator.Struct(payload); err != nil {
		return dto.MigrationResponse{}, validationFromStruct(err)
	}

	release := s.locks.Lock(masterKey(masterID))
	defer release()

	master, err := s.master(ctx, masterID)
	if err != nil {
		return dto.MigrationResponse{}, err
	}
	if master.Locked() {
		return dto.MigrationResponse{}, ErrMigrationLocked
	}

	assignment, err := s.deps.Assignments.GetByID(ctx, payload.AssignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.MigrationResponse{}, ErrAssignmentNotFound
		}
		return dto.MigrationResponse{}, err
	}
	if assignment.CourseID != master.CourseID {
		return dto.MigrationResponse{}, newValidationError(FieldError{Field: "assignment_id", Reason: "assignment belongs to another course"})
	}
	if err := s.checkPolicy(ctx, master, payload.PolicyID); err != nil {
		return dto.MigrationResponse{}, err
	}

	migration := models.Migration{
		MasterMigrationID: master.ID,
		AssignmentID:      assignment.ID,
		PolicyID:          payload.PolicyID,
	}
	if err := s.deps.Migrations.Add(ctx, &migration); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return dto.MigrationResponse{}, newValidationError(FieldError{Field: "assignment_id", Reason: "assignment is already part of this master migration"})
		}
		return dto.MigrationResponse{}, err
	}

	s.record(ctx, actor, "migration.added", master.ID, map[string]interface{}{
		"migration_id":  migration.ID,
		"assignment_id": assignment.ID,
		"policy_id":     payload.PolicyID,
	})
	return s.migrationResponse(ctx, migration.ID)
}

func (s *migrationService) ReassignPolicy(ctx context.Context, masterID, migrationID uint, payload dto.MigrationPolicyRequest, actor ActivityActor) (dto.MigrationResponse, error) {
	if err := s.deps.Validator.Struct(payload); err != nil {
		return dto.MigrationResponse{}, validationFromStruct(err)
	}

	release := s.locks.Lock(masterKey(masterID))
	defer release()

	master, err := s.master(ctx, masterID)
	if err != nil {
		return dto.MigrationResponse{}, err
	}
	if err := s.checkPolicy(ctx, master, payload.PolicyID); err != nil {
		return dto.MigrationResponse{}, err
	}

	migration, err := s.deps.Migrations.ReassignPolicy(ctx, masterID, migrationID, payload.PolicyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.MigrationResponse{}, ErrMigrationNotFound
		}
		return dto.MigrationResponse{}, err
	}

	s.record(ctx, actor, "migration.policy_reassigned", masterID, map[string]interface{}{
		"migration_id": migration.ID,
		"policy_id":    payload.PolicyID,
	})
	return s.migrationResponse(ctx, migration.ID)
}

func (s *migrationService) RemoveMigration(ctx context.Context, masterID, migrationID uint, actor ActivityActor) error {
	release := s.locks.Lock(masterKey(masterID))
	defer release()

	if err := s.deps.Migrations.Remove(ctx, masterID, migrationID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMigrationNotFound
		}
		return err
	}
	s.record(ctx, actor, "migration.removed", masterID, map[string]interface{}{"migration_id": migrationID})
	return nil
}

// LoadValidate checks the migration set. Failures leave the stage untouched so the check can be rerun.
func (s *migrationService) LoadValidate(ctx context.Context, id uint, actor ActivityActor) (dto.MasterMigrationResponse, error) {
	master, err := s.master(ctx, id)
	if err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	if err := requireStage(master, models.StageCreated, models.StageLoadValidating); err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	if fields := s.validateLoad(master); len(fields) > 0 {
		return dto.MasterMigrationResponse{}, newValidationError(fields...)
	}

	if master.Stage == models.StageCreated {
		if err := s.transition(ctx, master, models.StageLoadValidating, nil, actor); err != nil {
			return dto.MasterMigrationResponse{}, err
		}
	}
	return s.Get(ctx, id)
}

func (s *migrationService) validateLoad(master models.MasterMigration) []FieldError {
	if len(master.Migrations) == 0 {
		return []FieldError{{Field: "migrations", Reason: "at least one migration is required"}}
	}

	var fields []FieldError
	for _, migration := range master.Migrations {
		prefix := fmt.Sprintf("migrations[%d]", migration.ID)
		for _, reason := range migration.Assignment.GradingBlockers() {
			fields = append(fields, FieldError{Field: prefix + ".assignment_id", Reason: reason})
		}
		if migration.Policy == nil {
			fields = append(fields, FieldError{Field: prefix + ".policy_id", Reason: "policy is required"})
			continue
		}
		if err := s.deps.Runner.Validate(*migration.Policy); err != nil {
			fields = append(fields, FieldError{Field: prefix + ".policy_id", Reason: err.Error()})
		}
	}
	return fields
}

// Load fetches raw scores, seeds one score row per enrolled student and migration, and
// snapshots policy versions. Everything is committed together with the stage change.
func (s *migrationService) Load(ctx context.Context, id uint, actor ActivityActor) (resp dto.MasterMigrationResponse, err error) {
	ctx, end := s.tracer(ctx, "migration.load", id)
	defer func() { end(err) }()

	release := s.locks.Lock(masterKey(id))
	defer release()

	master, err := s.master(ctx, id)
	if err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	if err := requireStage(master, models.StageLoadValidating); err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	if fields := s.validateLoad(master); len(fields) > 0 {
		return dto.MasterMigrationResponse{}, newValidationError(fields...)
	}

	students, err := s.deps.Courses.ListStudentIDs(ctx, master.CourseID)
	if err != nil {
		return dto.MasterMigrationResponse{}, err
	}

	snapshot := repository.LoadSnapshot{
		PolicyIDs:      make(map[uint]uint, len(master.Migrations)),
		PolicyVersions: make(map[uint]int, len(master.Migrations)),
		StartedAt:      s.now().UTC(),
	}
	submissions := 0
	for _, migration := range master.Migrations {
		snapshot.PolicyIDs[migration.ID] = migration.Policy.ID
		snapshot.PolicyVersions[migration.ID] = migration.Policy.Version

		raws, err := s.deps.Source.Fetch(ctx, migration.Assignment)
		if err != nil {
			return dto.MasterMigrationResponse{}, fmt.Errorf("fetch raw scores for assignment %d: %w", migration.AssignmentID, err)
		}
		byStudent := make(map[uint]RawScore, len(raws))
		for _, raw := range raws {
			byStudent[raw.StudentID] = raw
		}

		for _, studentID := range students {
			score := models.Score{
				MigrationID: migration.ID,
				StudentID:   studentID,
				Status:      models.SubmissionMissing,
			}
			if raw, ok := byStudent[studentID]; ok && raw.Score != nil {
				days, err := s.deps.LateRequests.ApprovedDaysFor(ctx, migration.AssignmentID, studentID)
				if err != nil {
					return dto.MasterMigrationResponse{}, err
				}
				value := *raw.Score
				score.RawScore = &value
				score.SubmittedAt = raw.SubmittedAt
				score.Status, score.DaysLate = grading.Classify(grading.Input{
					RawScore:      &value,
					OriginalDue:   migration.Assignment.DueDate,
					ExtensionDays: days.Extension,
					LatePassDays:  days.LatePass,
					SubmittedAt:   raw.SubmittedAt,
				})
				submissions++
			}
			snapshot.Scores = append(snapshot.Scores, score)
		}
	}

	stats, err := s.deps.LateRequests.Statistics(ctx, master.CourseID, assignmentIDs(master))
	if err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	stats.TotalSubmissions = submissions
	snapshot.Statistics = stats

	if err := s.deps.Masters.CommitLoad(ctx, id, snapshot); err != nil {
		switch {
		case errors.Is(err, ErrStageConflict):
			observability.StageConflicts().WithLabelValues(string(models.StageLoadValidating)).Inc()
		case errors.Is(err, repository.ErrMigrationSetChanged):
			return dto.MasterMigrationResponse{}, newValidationError(FieldError{Field: "migrations", Reason: "migrations changed while loading; run load again"})
		}
		return dto.MasterMigrationResponse{}, err
	}

	observability.StageTransitions().WithLabelValues(string(models.StageLoaded)).Inc()
	s.deps.Reviews.Invalidate(ctx, id)
	s.logger.Info().
		Uint("master_migration_id", id).
		Int("migrations", len(master.Migrations)).
		Int("students", len(students)).
		Int("submissions", submissions).
		Msg("master migration loaded")
	s.record(ctx, actor, "master_migration.stage_changed", id, map[string]interface{}{
		"from":        models.StageLoadValidating,
		"to":          models.StageLoaded,
		"scores":      len(snapshot.Scores),
		"submissions": submissions,
	})
	return s.Get(ctx, id)
}

func (s *migrationService) SetDetermination(ctx context.Context, masterID, migrationID, studentID uint, payload dto.DeterminationRequest, actor ActivityActor) (dto.ScoreResponse, error) {
	if err := s.deps.Validator.Struct(payload); err != nil {
		return dto.ScoreResponse{}, validationFromStruct(err)
	}
	master, err := s.master(ctx, masterID)
	if err != nil {
		return dto.ScoreResponse{}, err
	}
	if err := requireStage(master, models.StageLoaded, models.StageApplyValidating); err != nil {
		return dto.ScoreResponse{}, err
	}
	if !containsMigration(master, migrationID) {
		return dto.ScoreResponse{}, ErrMigrationNotFound
	}

	score, err := s.deps.Scores.SetDetermination(ctx, migrationID, studentID, payload.Determination)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return dto.ScoreResponse{}, ErrScoreNotFound
		case errors.Is(err, repository.ErrStatusConflict):
			return dto.ScoreResponse{}, newValidationError(FieldError{Field: "determination", Reason: "row already has a raw score"})
		}
		return dto.ScoreResponse{}, err
	}

	s.deps.Reviews.Invalidate(ctx, masterID)
	s.record(ctx, actor, "score.determined", masterID, map[string]interface{}{
		"migration_id":  migrationID,
		"student_id":    studentID,
		"determination": payload.Determination,
	})
	return dto.NewScoreResponse(score), nil
}

// ApplyValidate requires every row to carry a raw score or an instructor determination.
func (s *migrationService) ApplyValidate(ctx context.Context, id uint, actor ActivityActor) (dto.MasterMigrationResponse, error) {
	master, err := s.master(ctx, id)
	if err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	if err := requireStage(master, models.StageLoaded, models.StageApplyValidating); err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	fields, err := s.validateApply(ctx, master)
	if err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	if len(fields) > 0 {
		return dto.MasterMigrationResponse{}, newValidationError(fields...)
	}

	if master.Stage == models.StageLoaded {
		if err := s.transition(ctx, master, models.StageApplyValidating, nil, actor); err != nil {
			return dto.MasterMigrationResponse{}, err
		}
	}
	return s.Get(ctx, id)
}

func (s *migrationService) validateApply(ctx context.Context, master models.MasterMigration) ([]FieldError, error) {
	scores, err := s.deps.Scores.ListByMaster(ctx, master.ID)
	if err != nil {
		return nil, err
	}
	var fields []FieldError
	for _, score := range scores {
		if score.Ready() {
			continue
		}
		fields = append(fields, FieldError{
			Field:  fmt.Sprintf("migrations[%d].students[%d]", score.MigrationID, score.StudentID),
			Reason: "raw score missing; record a missing or excused determination",
		})
	}
	return fields, nil
}

// Apply submits one apply task per migration. While APPLYING it resubmits the failed ones and
// any migration left without a task by an interrupted submit.
func (s *migrationService) Apply(ctx context.Context, id uint, actor ActivityActor) (resp dto.TaskBatchResponse, err error) {
	ctx, end := s.tracer(ctx, "migration.apply", id)
	defer func() { end(err) }()

	release := s.locks.Lock(masterKey(id))
	defer release()

	master, err := s.master(ctx, id)
	if err != nil {
		return dto.TaskBatchResponse{}, err
	}

	var tasks []models.Task
	switch master.Stage {
	case models.StageApplyValidating:
		fields, err := s.validateApply(ctx, master)
		if err != nil {
			return dto.TaskBatchResponse{}, err
		}
		if len(fields) > 0 {
			return dto.TaskBatchResponse{}, newValidationError(fields...)
		}
		if err := s.transition(ctx, master, models.StageApplying, nil, actor); err != nil {
			return dto.TaskBatchResponse{}, err
		}
		tasks, err = s.submitBatch(ctx, master, models.TaskKindApply, master.Migrations, nil)
		if err != nil {
			return dto.TaskBatchResponse{}, err
		}
	case models.StageApplying:
		tasks, err = s.retry(ctx, master, models.TaskKindApply, actor)
		if err != nil {
			return dto.TaskBatchResponse{}, err
		}
	default:
		return dto.TaskBatchResponse{}, &StageError{Current: master.Stage, Required: []models.Stage{models.StageApplyValidating, models.StageApplying}}
	}

	return dto.TaskBatchResponse{MasterMigrationID: id, Stage: models.StageApplying, Tasks: dto.NewTaskResponses(tasks)}, nil
}

// ReviewComplete closes review and submits one post task per migration.
func (s *migrationService) ReviewComplete(ctx context.Context, id uint, actor ActivityActor) (resp dto.TaskBatchResponse, err error) {
	ctx, end := s.tracer(ctx, "migration.review_complete", id)
	defer func() { end(err) }()

	release := s.locks.Lock(masterKey(id))
	defer release()

	master, err := s.Advance(ctx, id)
	if err != nil {
		return dto.TaskBatchResponse{}, err
	}
	if master.Stage == models.StageApplying {
		if failure, err := s.latestFailure(ctx, master.ID, models.TaskKindApply); err != nil {
			return dto.TaskBatchResponse{}, err
		} else if failure != nil {
			return dto.TaskBatchResponse{}, failure
		}
	}
	if err := requireStage(master, models.StageAwaitingReview); err != nil {
		return dto.TaskBatchResponse{}, err
	}
	if err := s.transition(ctx, master, models.StagePosting, nil, actor); err != nil {
		return dto.TaskBatchResponse{}, err
	}

	tasks, err := s.submitBatch(ctx, master, models.TaskKindPost, master.Migrations, nil)
	if err != nil {
		return dto.TaskBatchResponse{}, err
	}
	return dto.TaskBatchResponse{MasterMigrationID: id, Stage: models.StagePosting, Tasks: dto.NewTaskResponses(tasks)}, nil
}

// Post resubmits failed post tasks and submits the ones that never got recorded.
func (s *migrationService) Post(ctx context.Context, id uint, actor ActivityActor) (dto.TaskBatchResponse, error) {
	release := s.locks.Lock(masterKey(id))
	defer release()

	master, err := s.Advance(ctx, id)
	if err != nil {
		return dto.TaskBatchResponse{}, err
	}
	if err := requireStage(master, models.StagePosting); err != nil {
		return dto.TaskBatchResponse{}, err
	}
	if master.PostedAt != nil {
		return dto.TaskBatchResponse{}, ErrNothingToRetry
	}

	tasks, err := s.retry(ctx, master, models.TaskKindPost, actor)
	if err != nil {
		return dto.TaskBatchResponse{}, err
	}
	return dto.TaskBatchResponse{MasterMigrationID: id, Stage: models.StagePosting, Tasks: dto.NewTaskResponses(tasks)}, nil
}

// Finalize requires every post task to have completed. It exports the final grades and
// releases the course for a new master migration.
func (s *migrationService) Finalize(ctx context.Context, id uint, actor ActivityActor) (resp dto.MasterMigrationResponse, err error) {
	ctx, end := s.tracer(ctx, "migration.finalize", id)
	defer func() { end(err) }()

	release := s.locks.Lock(masterKey(id))
	defer release()

	master, err := s.Advance(ctx, id)
	if err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	if err := requireStage(master, models.StagePosting); err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	if master.PostedAt == nil {
		failure, err := s.latestFailure(ctx, id, models.TaskKindPost)
		if err != nil {
			return dto.MasterMigrationResponse{}, err
		}
		if failure != nil {
			return dto.MasterMigrationResponse{}, failure
		}
		return dto.MasterMigrationResponse{}, ErrTasksPending
	}

	exportURL, err := s.export(ctx, master)
	if err != nil {
		s.logger.Warn().Err(err).Uint("master_migration_id", id).Msg("failed to export final grades")
	}

	updates := map[string]interface{}{
		"finalized_at":     s.now().UTC(),
		"active_course_id": nil,
		"export_url":       exportURL,
	}
	if err := s.transition(ctx, master, models.StageFinalized, updates, actor); err != nil {
		return dto.MasterMigrationResponse{}, err
	}
	return s.Get(ctx, id)
}

// AwaitStage blocks until the current stage's task batch settles or the wait elapses.
func (s *migrationService) AwaitStage(ctx context.Context, id uint, opts PollOptions) (dto.TaskAwaitResponse, error) {
	master, err := s.master(ctx, id)
	if err != nil {
		return dto.TaskAwaitResponse{}, err
	}
	kind, ok := taskKindFor(master.Stage)
	if !ok {
		return dto.TaskAwaitResponse{}, &StageError{Current: master.Stage, Required: []models.Stage{models.StageApplying, models.StagePosting}}
	}

	latest, err := s.deps.Ledger.Latest(ctx, id, kind)
	if err != nil {
		return dto.TaskAwaitResponse{}, err
	}
	ids := make([]uint, 0, len(latest))
	for _, task := range latest {
		ids = append(ids, task.ID)
	}

	result, err := s.deps.Ledger.AwaitAll(ctx, ids, opts)
	if err != nil {
		return dto.TaskAwaitResponse{}, err
	}
	if result.Outcome == AwaitCompleted {
		if _, err := s.Advance(ctx, id); err != nil {
			return dto.TaskAwaitResponse{}, err
		}
	}

	return dto.TaskAwaitResponse{
		Outcome:   result.Outcome,
		Completed: dto.NewTaskResponses(result.Completed),
		Failed:    dto.NewTaskResponses(result.Failed),
		Pending:   dto.NewTaskResponses(result.Pending),
	}, nil
}

// Advance applies the automatic transitions: APPLYING to AWAITING_REVIEW once every apply
// task completed, and stamping posted_at once every post task completed.
func (s *migrationService) Advance(ctx context.Context, id uint) (models.MasterMigration, error) {
	master, err := s.master(ctx, id)
	if err != nil {
		return models.MasterMigration{}, err
	}

	switch master.Stage {
	case models.StageApplying:
		done, err := s.batchCompleted(ctx, master, models.TaskKindApply)
		if err != nil || !done {
			return master, err
		}
		if err := s.transition(ctx, master, models.StageAwaitingReview, nil, systemActor); err != nil && !errors.Is(err, ErrStageConflict) {
			return models.MasterMigration{}, err
		}
		return s.master(ctx, id)
	case models.StagePosting:
		if master.PostedAt != nil {
			return master, nil
		}
		done, err := s.batchCompleted(ctx, master, models.TaskKindPost)
		if err != nil || !done {
			return master, err
		}
		postedAt := s.now().UTC()
		err = s.deps.Masters.CompareAndSetStage(ctx, id, models.StagePosting, models.StagePosting, map[string]interface{}{"posted_at": postedAt})
		if err != nil && !errors.Is(err, ErrStageConflict) {
			return models.MasterMigration{}, err
		}
		s.logger.Info().Uint("master_migration_id", id).Msg("grades posted")
		return s.master(ctx, id)
	}
	return master, nil
}

func (s *migrationService) batchCompleted(ctx context.Context, master models.MasterMigration, kind models.TaskKind) (bool, error) {
	if len(master.Migrations) == 0 {
		return false, nil
	}
	latest, err := s.deps.Ledger.Latest(ctx, master.ID, kind)
	if err != nil {
		return false, err
	}
	completed := make(map[uint]bool, len(latest))
	for _, task := range latest {
		completed[task.MigrationID] = task.Status == models.TaskStatusCompleted
	}
	for _, migration := range master.Migrations {
		if !completed[migration.ID] {
			return false, nil
		}
	}
	return true, nil
}

func (s *migrationService) latestFailure(ctx context.Context, masterID uint, kind models.TaskKind) (*TaskFailure, error) {
	latest, err := s.deps.Ledger.Latest(ctx, masterID, kind)
	if err != nil {
		return nil, err
	}
	return firstFailure(latest), nil
}

// retry resubmits the failed tasks of the latest batch and submits the migrations that never
// got a task. Completed and pending migrations are left alone.
func (s *migrationService) retry(ctx context.Context, master models.MasterMigration, kind models.TaskKind, actor ActivityActor) ([]models.Task, error) {
	latest, err := s.deps.Ledger.Latest(ctx, master.ID, kind)
	if err != nil {
		return nil, err
	}

	attempts := map[uint]int{}
	settled := map[uint]bool{}
	pending := false
	for _, task := range latest {
		switch task.Status {
		case models.TaskStatusFailed:
			attempts[task.MigrationID] = task.Attempt
		case models.TaskStatusPending:
			pending = true
			settled[task.MigrationID] = true
		default:
			settled[task.MigrationID] = true
		}
	}

	resubmit := make([]models.Migration, 0, len(master.Migrations))
	for _, migration := range master.Migrations {
		if !settled[migration.ID] {
			resubmit = append(resubmit, migration)
		}
	}
	if len(resubmit) == 0 {
		if pending {
			return nil, ErrTasksPending
		}
		return nil, ErrNothingToRetry
	}

	s.logger.Info().
		Uint("master_migration_id", master.ID).
		Str("kind", string(kind)).
		Int("migrations", len(resubmit)).
		Msg("resubmitting tasks")
	s.record(ctx, actor, "master_migration.retried", master.ID, map[string]interface{}{"kind": kind, "migrations": len(resubmit)})
	return s.submitBatch(ctx, master, kind, resubmit, attempts)
}

// submitBatch submits every migration. A failed submit does not cancel the others.
func (s *migrationService) submitBatch(ctx context.Context, master models.MasterMigration, kind models.TaskKind, migrations []models.Migration, attempts map[uint]int) ([]models.Task, error) {
	tasks := make([]models.Task, len(migrations))
	var group errgroup.Group
	group.SetLimit(submitConcurrency)

	for idx := range migrations {
		idx := idx
		migration := migrations[idx]
		group.Go(func() error {
			payload := map[string]interface{}{
				"assignment_id":  migration.AssignmentID,
				"policy_version": migration.PolicyVersion,
			}
			if migration.PolicyID != nil {
				payload["policy_id"] = *migration.PolicyID
			}
			task, err := s.deps.Ledger.Submit(ctx, TaskSpec{
				Kind:              kind,
				MasterMigrationID: master.ID,
				MigrationID:       migration.ID,
				Attempt:           attempts[migration.ID] + 1,
				Payload:           payload,
			})
			if err != nil {
				return fmt.Errorf("submit %s task for migration %d: %w", kind, migration.ID, err)
			}
			tasks[idx] = task
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *migrationService) transition(ctx context.Context, master models.MasterMigration, to models.Stage, updates map[string]interface{}, actor ActivityActor) error {
	if !master.Stage.CanAdvanceTo(to) {
		return &StageError{Current: master.Stage, Required: []models.Stage{to}}
	}
	if err := s.deps.Masters.CompareAndSetStage(ctx, master.ID, master.Stage, to, updates); err != nil {
		if errors.Is(err, ErrStageConflict) {
			observability.StageConflicts().WithLabelValues(string(master.Stage)).Inc()
		}
		return err
	}

	observability.StageTransitions().WithLabelValues(string(to)).Inc()
	s.deps.Reviews.Invalidate(ctx, master.ID)
	s.logger.Info().
		Uint("master_migration_id", master.ID).
		Str("from", string(master.Stage)).
		Str("to", string(to)).
		Msg("stage advanced")
	s.record(ctx, actor, "master_migration.stage_changed", master.ID, map[string]interface{}{
		"from": master.Stage,
		"to":   to,
	})
	return nil
}

func (s *migrationService) statistics(ctx context.Context, master models.MasterMigration) (models.MigrationStatistics, error) {
	stats, err := s.deps.LateRequests.Statistics(ctx, master.CourseID, assignmentIDs(master))
	if err != nil {
		return models.MigrationStatistics{}, err
	}
	scores, err := s.deps.Scores.ListByMaster(ctx, master.ID)
	if err != nil {
		return models.MigrationStatistics{}, err
	}
	for _, score := range scores {
		if score.RawScore != nil {
			stats.TotalSubmissions++
		}
	}
	return stats, nil
}

func (s *migrationService) checkPolicy(ctx context.Context, master models.MasterMigration, policyID *uint) error {
	if policyID == nil {
		return nil
	}
	item, err := s.deps.Policies.GetByID(ctx, *policyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPolicyNotFound
		}
		return err
	}
	if item.CourseID != master.CourseID {
		return newValidationError(FieldError{Field: "policy_id", Reason: "policy belongs to another course"})
	}
	return nil
}

func (s *migrationService) master(ctx context.Context, id uint) (models.MasterMigration, error) {
	master, err := s.deps.Masters.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.MasterMigration{}, ErrMasterMigrationNotFound
		}
		return models.MasterMigration{}, err
	}
	return master, nil
}

func (s *migrationService) migrationResponse(ctx context.Context, id uint) (dto.MigrationResponse, error) {
	migration, err := s.deps.Migrations.GetByID(ctx, id)
	if err != nil {
		return dto.MigrationResponse{}, err
	}
	return dto.NewMigrationResponse(migration), nil
}

func (s *migrationService) record(ctx context.Context, actor ActivityActor, action string, masterID uint, metadata map[string]interface{}) {
	if s.deps.Activity == nil {
		return
	}
	entityID := masterID
	if _, err := s.deps.Activity.Record(ctx, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: models.ActivityEntityMasterMigration,
		EntityID:   &entityID,
		Metadata:   metadata,
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to record activity")
	}
}

func taskKindFor(stage models.Stage) (models.TaskKind, bool) {
	switch stage {
	case models.StageApplying, models.StageAwaitingReview:
		return models.TaskKindApply, true
	case models.StagePosting, models.StageFinalized:
		return models.TaskKindPost, true
	}
	return "", false
}

func firstFailure(tasks []models.Task) *TaskFailure {
	for _, task := range tasks {
		if task.Status == models.TaskStatusFailed {
			return &TaskFailure{TaskID: task.ID, MigrationID: task.MigrationID, Kind: task.Kind, Message: task.Message}
		}
	}
	return nil
}

func assignmentIDs(master models.MasterMigration) []uint {
	ids := make([]uint, 0, len(master.Migrations))
	for _, migration := range master.Migrations {
		ids = append(ids, migration.AssignmentID)
	}
	return ids
}

func containsMigration(master models.MasterMigration, migrationID uint) bool {
	for _, migration := range master.Migrations {
		if migration.ID == migrationID {
			return true
		}
	}
	return false
}

func masterKey(id uint) string {
	return fmt.Sprintf("master:%d", id)
}
