package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// InlineDispatcher runs jobs on an in-process worker pool. It stands in for the external
// job system when NATS is not configured.
type InlineDispatcher struct {
	queue    chan JobSpec
	handlers map[models.TaskKind]Handler
	workers  int
	timeout  time.Duration
	logger   zerolog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

// InlineConfig sizes the pool.
type InlineConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// NewInlineDispatcher constructs the pool. Jobs are queued until Start is called.
func NewInlineDispatcher(cfg InlineConfig, handlers map[models.TaskKind]Handler, logger zerolog.Logger) *InlineDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &InlineDispatcher{
		queue:    make(chan JobSpec, cfg.QueueSize),
		handlers: handlers,
		workers:  cfg.Workers,
		timeout:  cfg.JobTimeout,
		logger:   logger.With().Str("component", "inline_dispatcher").Logger(),
	}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, job JobSpec) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. Reports go to reporter; the pool stops when ctx is cancelled.
func (d *InlineDispatcher) Start(ctx context.Context, reporter Reporter) {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work(ctx, reporter)
		}
	})
}

// Wait blocks until every worker has exited.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

func (d *InlineDispatcher) work(ctx context.Context, reporter Reporter) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.run(ctx, reporter, job)
		}
	}
}

func (d *InlineDispatcher) run(ctx context.Context, reporter Reporter, job JobSpec) {
	jobCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	report := Execute(jobCtx, d.handlers, job)
	if err := reporter.HandleReport(context.WithoutCancel(ctx), report); err != nil {
		d.logger.Error().Err(err).Uint("task_id", job.TaskID).Msg("failed to record job status")
		return
	}

	d.logger.Debug().
		Uint("task_id", job.TaskID).
		Str("kind", string(job.Kind)).
		Str("status", string(report.Status)).
		Msg("inline job finished")
}
