// Package jobs carries pipeline work to the job system and status reports back to the task ledger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

// ErrQueueFull is returned when the in-process pool cannot accept more jobs.
var ErrQueueFull = errors.New("job queue is full")

// JobSpec describes one unit of work submitted for a task.
type JobSpec struct {
	TaskID            uint                   `json:"task_id"`
	Name              string                 `json:"name"`
	Kind              models.TaskKind        `json:"kind"`
	MasterMigrationID uint                   `json:"master_migration_id"`
	MigrationID       uint                   `json:"migration_id"`
	Attempt           int                    `json:"attempt"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	SubmittedAt       time.Time              `json:"submitted_at"`
	CorrelationID     string                 `json:"correlation_id,omitempty"`
}

// StatusReport is the terminal outcome of a job as reported by the job system.
type StatusReport struct {
	TaskID     uint              `json:"task_id"`
	Status     models.TaskStatus `json:"status"`
	Message    string            `json:"message,omitempty"`
	ReportedAt time.Time         `json:"reported_at"`
}

// Dispatcher hands jobs to the job system. It never waits for the job to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, job JobSpec) error
}

// Reporter accepts status reports.
type Reporter interface {
	HandleReport(ctx context.Context, report StatusReport) error
}

// Handler executes one kind of job.
type Handler interface {
	Handle(ctx context.Context, job JobSpec) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job JobSpec) error

func (f HandlerFunc) Handle(ctx context.Context, job JobSpec) error {
	return f(ctx, job)
}

// Execute runs the handler registered for the job kind and converts the result into a report.
func Execute(ctx context.Context, handlers map[models.TaskKind]Handler, job JobSpec) StatusReport {
	report := StatusReport{TaskID: job.TaskID, Status: models.TaskStatusCompleted}

	handler, ok := handlers[job.Kind]
	if !ok {
		report.Status = models.TaskStatusFailed
		report.Message = fmt.Sprintf("no handler for job kind %q", job.Kind)
		report.ReportedAt = time.Now().UTC()
		return report
	}

	ctx = observability.WithCorrelationID(ctx, job.CorrelationID)
	if err := runHandler(ctx, handler, job); err != nil {
		report.Status = models.TaskStatusFailed
		report.Message = err.Error()
	}
	report.ReportedAt = time.Now().UTC()
	return report
}

func runHandler(ctx context.Context, handler Handler, job JobSpec) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job panicked: %v", recovered)
		}
	}()
	return handler.Handle(ctx, job)
}
