package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/jobs"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// Await outcomes.
const (
	AwaitCompleted = "completed"
	AwaitFailed    = "failed"
	AwaitPending   = "pending"
)

// PollOptions bounds AwaitAll.
type PollOptions struct {
	Interval    time.Duration
	MaxInterval time.Duration
	MaxWait     time.Duration
}

// DefaultPollOptions mirrors the configured defaults.
func DefaultPollOptions() PollOptions {
	return PollOptions{Interval: 500 * time.Millisecond, MaxInterval: 5 * time.Second, MaxWait: 30 * time.Second}
}

func (o PollOptions) normalized() PollOptions {
	defaults := DefaultPollOptions()
	if o.Interval <= 0 {
		o.Interval = defaults.Interval
	}
	if o.MaxInterval < o.Interval {
		o.MaxInterval = o.Interval
	}
	if o.MaxWait < 0 {
		o.MaxWait = 0
	}
	return o
}

// AwaitResult partitions a task batch by terminal state.
type AwaitResult struct {
	Outcome   string
	Completed []models.Task
	Failed    []models.Task
	Pending   []models.Task
}

// TaskSpec describes a task to submit.
type TaskSpec struct {
	Name              string
	Kind              models.TaskKind
	MasterMigrationID uint
	MigrationID       uint
	Attempt           int
	Payload           map[string]interface{}
}

// TaskLedger records externally executed work and its terminal outcome.
type TaskLedger interface {
	jobs.Reporter
	Submit(ctx context.Context, spec TaskSpec) (models.Task, error)
	Get(ctx context.Context, id uint) (models.Task, error)
	Latest(ctx context.Context, masterID uint, kind models.TaskKind) ([]models.Task, error)
	AwaitAll(ctx context.Context, ids []uint, opts PollOptions) (AwaitResult, error)
	Report(ctx context.Context, report jobs.StatusReport) (models.Task, error)
}

type taskLedger struct {
	repo       repository.TaskRepository
	dispatcher jobs.Dispatcher
	cache      *redis.Client
	cacheTTL   time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// NewTaskLedger constructs the ledger. cache may be nil.
func NewTaskLedger(repo repository.TaskRepository, dispatcher jobs.Dispatcher, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) TaskLedger {
	return &taskLedger{
		repo:       repo,
		dispatcher: dispatcher,
		cache:      cache,
		cacheTTL:   ttl,
		logger:     logger.With().Str("component", "task_ledger").Logger(),
		now:        time.Now,
	}
}

func (l *taskLedger) Submit(ctx context.Context, spec TaskSpec) (models.Task, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/task_ledger")
	ctx, span := tracer.Start(ctx, "tasks.submit")
	span.SetAttributes(
		attribute.String("task.kind", string(spec.Kind)),
		attribute.Int64("task.migration_id", int64(spec.MigrationID)),
	)
	defer span.End()

	if spec.Attempt <= 0 {
		spec.Attempt = 1
	}
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("%s-migration-%d-attempt-%d", spec.Kind, spec.MigrationID, spec.Attempt)
	}

	task := models.Task{
		Name:              name,
		Kind:              spec.Kind,
		MasterMigrationID: spec.MasterMigrationID,
		MigrationID:       spec.MigrationID,
		Attempt:           spec.Attempt,
		Status:            models.TaskStatusPending,
		Payload:           datatypes.JSONMap(spec.Payload),
		SubmittedAt:       l.now().UTC(),
	}
	if err := l.repo.Create(ctx, &task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task_create_failed")
		return models.Task{}, err
	}
	observability.TasksSubmitted().WithLabelValues(string(task.Kind)).Inc()

	job := jobs.JobSpec{
		TaskID:            task.ID,
		Name:              task.Name,
		Kind:              task.Kind,
		MasterMigrationID: task.MasterMigrationID,
		MigrationID:       task.MigrationID,
		Attempt:           task.Attempt,
		Payload:           spec.Payload,
		SubmittedAt:       task.SubmittedAt,
		CorrelationID:     observability.CorrelationIDFromContext(ctx),
	}
	if err := l.dispatcher.Dispatch(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch_failed")
		l.logger.Error().Err(err).Uint("task_id", task.ID).Msg("failed to dispatch job")
		return l.Report(ctx, jobs.StatusReport{
			TaskID:  task.ID,
			Status:  models.TaskStatusFailed,
			Message: "dispatch failed: " + err.Error(),
		})
	}

	span.SetAttributes(attribute.Int64("task.id", int64(task.ID)))
	return task, nil
}

func (l *taskLedger) cacheKey(id uint) string {
	return fmt.Sprintf("grading:task:%d", id)
}

// Get reads the current state of a task without changing it.
func (l *taskLedger) Get(ctx context.Context, id uint) (models.Task, error) {
	if l.cache != nil {
		if cached, err := l.cache.Get(ctx, l.cacheKey(id)).Result(); err == nil {
			var task models.Task
			if unmarshalErr := json.Unmarshal([]byte(cached), &task); unmarshalErr == nil {
				return task, nil
			}
		} else if err != redis.Nil {
			l.logger.Warn().Err(err).Msg("failed to read task cache")
		}
	}

	task, err := l.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Task{}, ErrTaskNotFound
		}
		return models.Task{}, err
	}
	l.remember(ctx, task)
	return task, nil
}

// remember caches terminal tasks only; a pending task may change at any time.
func (l *taskLedger) remember(ctx context.Context, task models.Task) {
	if l.cache == nil || !task.Status.IsTerminal() {
		return
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, l.cacheKey(task.ID), payload, l.cacheTTL).Err(); err != nil {
		l.logger.Warn().Err(err).Msg("failed to store task cache")
	}
}

// Latest returns the most recent task per migration for one stage of a master migration.
func (l *taskLedger) Latest(ctx context.Context, masterID uint, kind models.TaskKind) ([]models.Task, error) {
	tasks, err := l.repo.ListByMaster(ctx, masterID, kind)
	if err != nil {
		return nil, err
	}
	latest := map[uint]models.Task{}
	for _, task := range tasks {
		if current, ok := latest[task.MigrationID]; !ok || task.ID > current.ID {
			latest[task.MigrationID] = task
		}
	}
	result := make([]models.Task, 0, len(latest))
	for _, task := range latest {
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MigrationID < result[j].MigrationID })
	return result, nil
}

// AwaitAll polls the batch until every task completes, any task fails, or MaxWait elapses.
func (l *taskLedger) AwaitAll(ctx context.Context, ids []uint, opts PollOptions) (AwaitResult, error) {
	opts = opts.normalized()
	outstanding := uniqueIDs(ids)
	result := AwaitResult{Completed: []models.Task{}, Failed: []models.Task{}, Pending: []models.Task{}}

	deadline := l.now().Add(opts.MaxWait)
	interval := opts.Interval

	for {
		tasks, err := l.repo.ListByIDs(ctx, outstanding)
		if err != nil {
			return AwaitResult{}, err
		}
		if len(tasks) != len(outstanding) {
			return AwaitResult{}, ErrTaskNotFound
		}

		pending := make([]uint, 0, len(tasks))
		result.Pending = result.Pending[:0]
		for _, task := range tasks {
			switch task.Status {
			case models.TaskStatusCompleted:
				result.Completed = append(result.Completed, task)
			case models.TaskStatusFailed:
				result.Failed = append(result.Failed, task)
			default:
				pending = append(pending, task.ID)
				result.Pending = append(result.Pending, task)
			}
		}
		outstanding = pending

		switch {
		case len(result.Failed) > 0:
			result.Outcome = AwaitFailed
		case len(outstanding) == 0:
			result.Outcome = AwaitCompleted
		}
		if result.Outcome != "" {
			observability.AwaitOutcomes().WithLabelValues(result.Outcome).Inc()
			return result, nil
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			result.Outcome = AwaitPending
			observability.AwaitOutcomes().WithLabelValues(result.Outcome).Inc()
			return result, nil
		}

		wait := interval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return AwaitResult{}, ctx.Err()
		case <-timer.C:
		}

		interval *= 2
		if interval > opts.MaxInterval {
			interval = opts.MaxInterval
		}
	}
}

// Report applies a terminal status. Reports for already terminal tasks are ignored.
func (l *taskLedger) Report(ctx context.Context, report jobs.StatusReport) (models.Task, error) {
	if !report.Status.IsTerminal() {
		return models.Task{}, newValidationError(FieldError{Field: "status", Reason: "must be COMPLETED or FAILED"})
	}
	completedAt := report.ReportedAt
	if completedAt.IsZero() {
		completedAt = l.now().UTC()
	}

	updated, err := l.repo.MarkTerminal(ctx, report.TaskID, report.Status, report.Message, completedAt)
	if err != nil {
		return models.Task{}, err
	}

	task, err := l.repo.GetByID(ctx, report.TaskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Task{}, ErrTaskNotFound
		}
		return models.Task{}, err
	}

	if updated {
		observability.TaskOutcomes().WithLabelValues(string(task.Kind), string(task.Status)).Inc()
		event := l.logger.Info()
		if task.Status == models.TaskStatusFailed {
			event = l.logger.Warn().Str("message", task.Message)
		}
		event.Uint("task_id", task.ID).Str("kind", string(task.Kind)).Str("status", string(task.Status)).Msg("task resolved")
	} else {
		l.logger.Debug().Uint("task_id", task.ID).Msg("ignoring report for terminal task")
	}

	l.remember(ctx, task)
	return task, nil
}

func (l *taskLedger) HandleReport(ctx context.Context, report jobs.StatusReport) error {
	_, err := l.Report(ctx, report)
	return err
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	result := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
