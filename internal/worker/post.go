package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/jobs"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// PostedGrade is the final value sent to the grade destination for one student.
type PostedGrade struct {
	StudentID uint                    `json:"student_id"`
	Score     *float64                `json:"score"`
	Status    models.SubmissionStatus `json:"status"`
	DaysLate  int                     `json:"days_late"`
}

// GradeBatch is every final grade of one migration.
type GradeBatch struct {
	TaskID            uint          `json:"task_id"`
	MasterMigrationID uint          `json:"master_migration_id"`
	MigrationID       uint          `json:"migration_id"`
	AssignmentID      uint          `json:"assignment_id"`
	Grades            []PostedGrade `json:"grades"`
	PostedAt          time.Time     `json:"posted_at"`
}

// GradeDestination receives final grades.
type GradeDestination interface {
	Publish(ctx context.Context, batch GradeBatch) error
}

// PostHandler pushes the current score of every student to the grade destination.
type PostHandler struct {
	migrations  repository.MigrationRepository
	scores      repository.ScoreRepository
	destination GradeDestination
	logger      zerolog.Logger
}

// NewPostHandler constructs the post handler.
func NewPostHandler(migrations repository.MigrationRepository, scores repository.ScoreRepository, destination GradeDestination, logger zerolog.Logger) *PostHandler {
	return &PostHandler{
		migrations:  migrations,
		scores:      scores,
		destination: destination,
		logger:      logger.With().Str("component", "post_worker").Logger(),
	}
}

func (h *PostHandler) Handle(ctx context.Context, job jobs.JobSpec) error {
	migration, err := h.migrations.GetByID(ctx, job.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration %d: %w", job.MigrationID, err)
	}
	scores, err := h.scores.ListByMigration(ctx, migration.ID)
	if err != nil {
		return fmt.Errorf("list scores: %w", err)
	}

	batch := GradeBatch{
		TaskID:            job.TaskID,
		MasterMigrationID: migration.MasterMigrationID,
		MigrationID:       migration.ID,
		AssignmentID:      migration.AssignmentID,
		Grades:            make([]PostedGrade, 0, len(scores)),
		PostedAt:          time.Now().UTC(),
	}
	for _, score := range scores {
		value, status := score.Current()
		batch.Grades = append(batch.Grades, PostedGrade{
			StudentID: score.StudentID,
			Score:     value,
			Status:    status,
			DaysLate:  score.DaysLate,
		})
	}

	if err := h.destination.Publish(ctx, batch); err != nil {
		return fmt.Errorf("post grades: %w", err)
	}

	h.logger.Info().
		Uint("migration_id", migration.ID).
		Uint("task_id", job.TaskID).
		Int("grades", len(batch.Grades)).
		Msg("grades posted")
	return nil
}

// Handlers maps job kinds to their handlers.
func Handlers(apply *ApplyHandler, post *PostHandler) map[models.TaskKind]jobs.Handler {
	return map[models.TaskKind]jobs.Handler{
		models.TaskKindApply: apply,
		models.TaskKindPost:  post,
	}
}
