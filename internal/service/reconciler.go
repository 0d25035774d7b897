package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// Reconciler periodically advances master migrations whose task batches settled
// without anyone polling their status.
type Reconciler struct {
	masters    repository.MasterMigrationRepository
	migrations MigrationService
	cron       *cron.Cron
	schedule   string
	timeout    time.Duration
	logger     zerolog.Logger
	mu         sync.Mutex
	started    bool
}

// NewReconciler builds the sweep. schedule uses cron syntax, e.g. "@every 15s".
func NewReconciler(masters repository.MasterMigrationRepository, migrations MigrationService, schedule string, timeout time.Duration, logger zerolog.Logger) *Reconciler {
	if schedule == "" {
		schedule = "@every 15s"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	componentLogger := logger.With().Str("component", "reconciler").Logger()
	return &Reconciler{
		masters:    masters,
		migrations: migrations,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		schedule: schedule,
		timeout:  timeout,
		logger:   componentLogger,
	}
}

// Start registers the sweep and starts the scheduler.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if _, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		r.Sweep(ctx)
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.started = true
	r.logger.Info().Str("schedule", r.schedule).Msg("reconciler started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep.
func (r *Reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	r.started = false
}

// Sweep advances every master migration with outstanding tasks and returns how many moved.
func (r *Reconciler) Sweep(ctx context.Context) int {
	masters, err := r.masters.ListByStages(ctx, models.StageApplying, models.StagePosting)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list active master migrations")
		return 0
	}

	advanced := 0
	for _, master := range masters {
		updated, err := r.migrations.Advance(ctx, master.ID)
		if err != nil {
			r.logger.Warn().Err(err).Uint("master_migration_id", master.ID).Msg("failed to advance master migration")
			continue
		}
		if updated.Stage != master.Stage || (master.PostedAt == nil && updated.PostedAt != nil) {
			advanced++
		}
	}
	if advanced > 0 {
		r.logger.Info().Int("advanced", advanced).Msg("reconciler sweep")
	}
	return advanced
}
