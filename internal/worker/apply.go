// Package worker executes apply and post jobs on behalf of the job system.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grading-api/internal/grading"
	"github.com/noah-isme/gema-grading-api/internal/jobs"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/policy"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// ErrPolicyChanged indicates the policy was edited after the migration snapshot was taken.
var ErrPolicyChanged = errors.New("policy changed since load")

// ApplyHandler runs the grading policy evaluator over every score row of one migration.
type ApplyHandler struct {
	migrations  repository.MigrationRepository
	scores      repository.ScoreRepository
	lateness    repository.LateRequestRepository
	runner      policy.Runner
	concurrency int
	logger      zerolog.Logger
	now         func() time.Time
}

// NewApplyHandler constructs the apply handler.
func NewApplyHandler(migrations repository.MigrationRepository, scores repository.ScoreRepository, lateness repository.LateRequestRepository, runner policy.Runner, concurrency int, logger zerolog.Logger) *ApplyHandler {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &ApplyHandler{
		migrations:  migrations,
		scores:      scores,
		lateness:    lateness,
		runner:      runner,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "apply_worker").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type applyRow struct {
	score models.Score
	input grading.Input
}

// Handle computes every row not already computed with the snapshotted policy version.
func (h *ApplyHandler) Handle(ctx context.Context, job jobs.JobSpec) error {
	migration, err := h.migrations.GetByID(ctx, job.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration %d: %w", job.MigrationID, err)
	}
	if migration.PolicyID == nil || migration.Policy == nil {
		return fmt.Errorf("migration %d has no policy", migration.ID)
	}
	pol := *migration.Policy
	if pol.Version != migration.PolicyVersion {
		return fmt.Errorf("%w: migration %d loaded v%d, policy is v%d", ErrPolicyChanged, migration.ID, migration.PolicyVersion, pol.Version)
	}

	scores, err := h.scores.ListByMigration(ctx, migration.ID)
	if err != nil {
		return fmt.Errorf("list scores: %w", err)
	}

	pending := make([]models.Score, 0, len(scores))
	for _, score := range scores {
		if !score.ComputedWith(pol.ID, pol.Version) {
			pending = append(pending, score)
		}
	}
	if len(pending) == 0 {
		h.logger.Info().Uint("migration_id", migration.ID).Msg("all scores already computed")
		return nil
	}

	rows, err := h.buildInputs(ctx, migration, pending)
	if err != nil {
		return err
	}

	raws := make([]float64, 0, len(rows))
	for _, row := range rows {
		if row.input.RawScore != nil {
			raws = append(raws, *row.input.RawScore)
		}
	}
	outcomes, err := h.runner.Score(ctx, pol, raws)
	if err != nil {
		return fmt.Errorf("run policy %d: %w", pol.ID, err)
	}

	computedAt := h.now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(h.concurrency)

	next := 0
	policyErrors := 0
	for _, row := range rows {
		row := row
		var fn grading.PolicyFunc
		if row.input.RawScore != nil {
			outcome := outcomes[next]
			next++
			fn = func(float64) (float64, error) { return outcome.Value, outcome.Err }
		}

		result := grading.Evaluate(row.input, fn)
		if result.PolicyErr != nil {
			policyErrors++
			observability.PolicyErrors().WithLabelValues(pol.Runtime).Inc()
		}
		observability.ScoresComputed().WithLabelValues(string(result.Status)).Inc()

		group.Go(func() error {
			return h.scores.SaveComputed(groupCtx, row.score.ID, repository.ComputedResult{
				ComputedScore: result.ComputedScore,
				Status:        result.Status,
				DaysLate:      result.DaysLate,
				Comment:       result.Comment,
				PolicyError:   result.PolicyErr != nil,
				PolicyID:      &pol.ID,
				PolicyVersion: pol.Version,
				ComputedAt:    computedAt,
			})
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("save computed scores: %w", err)
	}

	h.logger.Info().
		Uint("migration_id", migration.ID).
		Uint("task_id", job.TaskID).
		Int("computed", len(rows)).
		Int("skipped", len(scores)-len(rows)).
		Int("policy_errors", policyErrors).
		Msg("apply job completed")
	return nil
}

func (h *ApplyHandler) buildInputs(ctx context.Context, migration models.Migration, scores []models.Score) ([]applyRow, error) {
	rows := make([]applyRow, len(scores))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(h.concurrency)

	for idx, score := range scores {
		idx, score := idx, score
		group.Go(func() error {
			days, err := h.lateness.ApprovedDaysFor(groupCtx, migration.AssignmentID, score.StudentID)
			if err != nil {
				return fmt.Errorf("late days for student %d: %w", score.StudentID, err)
			}
			rows[idx] = applyRow{
				score: score,
				input: grading.Input{
					RawScore:      score.RawScore,
					Excused:       score.Determination == models.DeterminationExcused,
					OriginalDue:   migration.Assignment.DueDate,
					ExtensionDays: days.Extension,
					LatePassDays:  days.LatePass,
					SubmittedAt:   score.SubmittedAt,
				},
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}
