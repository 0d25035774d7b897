package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []StatusReport
	done    chan struct{}
}

func newRecordingReporter(expected int) *recordingReporter {
	return &recordingReporter{done: make(chan struct{}, expected)}
}

func (r *recordingReporter) HandleReport(_ context.Context, report StatusReport) error {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingReporter) wait(t *testing.T, n int) []StatusReport {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for report %d", i+1)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusReport(nil), r.reports...)
}

func TestExecuteConvertsHandlerOutcome(t *testing.T) {
	handlers := map[models.TaskKind]Handler{
		models.TaskKindApply: HandlerFunc(func(context.Context, JobSpec) error { return nil }),
		models.TaskKindPost:  HandlerFunc(func(context.Context, JobSpec) error { return errors.New("external timeout") }),
	}

	report := Execute(context.Background(), handlers, JobSpec{TaskID: 1, Kind: models.TaskKindApply})
	require.Equal(t, models.TaskStatusCompleted, report.Status)

	report = Execute(context.Background(), handlers, JobSpec{TaskID: 2, Kind: models.TaskKindPost})
	require.Equal(t, models.TaskStatusFailed, report.Status)
	require.Equal(t, "external timeout", report.Message)

	report = Execute(context.Background(), handlers, JobSpec{TaskID: 3, Kind: "unknown"})
	require.Equal(t, models.TaskStatusFailed, report.Status)
	require.Contains(t, report.Message, "no handler")
}

func TestExecuteRecoversPanics(t *testing.T) {
	handlers := map[models.TaskKind]Handler{
		models.TaskKindApply: HandlerFunc(func(context.Context, JobSpec) error { panic("nil map") }),
	}

	report := Execute(context.Background(), handlers, JobSpec{TaskID: 1, Kind: models.TaskKindApply})
	require.Equal(t, models.TaskStatusFailed, report.Status)
	require.Contains(t, report.Message, "nil map")
}

func TestExecuteCarriesCorrelationID(t *testing.T) {
	var seen string
	handlers := map[models.TaskKind]Handler{
		models.TaskKindPost: HandlerFunc(func(ctx context.Context, job JobSpec) error {
			seen = observability.CorrelationIDFromContext(ctx)
			return nil
		}),
	}

	report := Execute(context.Background(), handlers, JobSpec{TaskID: 3, Kind: models.TaskKindPost, CorrelationID: "corr-9"})
	require.Equal(t, models.TaskStatusCompleted, report.Status)
	require.Equal(t, "corr-9", seen)
}

func TestInlineDispatcherReportsEveryJob(t *testing.T) {
	handlers := map[models.TaskKind]Handler{
		models.TaskKindApply: HandlerFunc(func(_ context.Context, job JobSpec) error {
			if job.MigrationID == 3 {
				return errors.New("external timeout")
			}
			return nil
		}),
	}
	dispatcher := NewInlineDispatcher(InlineConfig{Workers: 2, QueueSize: 8}, handlers, zerolog.Nop())
	reporter := newRecordingReporter(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx, reporter)

	for id := uint(1); id <= 3; id++ {
		require.NoError(t, dispatcher.Dispatch(context.Background(), JobSpec{TaskID: id, MigrationID: id, Kind: models.TaskKindApply}))
	}

	reports := reporter.wait(t, 3)
	statuses := map[uint]models.TaskStatus{}
	for _, report := range reports {
		statuses[report.TaskID] = report.Status
	}
	require.Equal(t, models.TaskStatusCompleted, statuses[1])
	require.Equal(t, models.TaskStatusCompleted, statuses[2])
	require.Equal(t, models.TaskStatusFailed, statuses[3])

	cancel()
	dispatcher.Wait()
}

func TestInlineDispatcherRejectsWhenQueueFull(t *testing.T) {
	dispatcher := NewInlineDispatcher(InlineConfig{Workers: 1, QueueSize: 1}, nil, zerolog.Nop())

	require.NoError(t, dispatcher.Dispatch(context.Background(), JobSpec{TaskID: 1}))
	require.ErrorIs(t, dispatcher.Dispatch(context.Background(), JobSpec{TaskID: 2}), ErrQueueFull)
}

func TestDecodeStatusReportValidatesSchema(t *testing.T) {
	report, err := DecodeStatusReport([]byte(`{"task_id": 7, "status": "FAILED", "message": "external timeout", "reported_at": "2026-01-02T15:04:05Z"}`))
	require.NoError(t, err)
	require.Equal(t, uint(7), report.TaskID)
	require.Equal(t, models.TaskStatusFailed, report.Status)
	require.Equal(t, "external timeout", report.Message)

	_, err = DecodeStatusReport([]byte(`{"task_id": 7, "status": "PENDING"}`))
	require.Error(t, err)

	_, err = DecodeStatusReport([]byte(`{"status": "COMPLETED"}`))
	require.Error(t, err)

	_, err = DecodeStatusReport([]byte(`{"task_id": 1, "status": "COMPLETED", "extra": true}`))
	require.Error(t, err)

	_, err = DecodeStatusReport([]byte(`not json`))
	require.Error(t, err)
}

func TestSubjectsFromChannelBase(t *testing.T) {
	subjects := NewSubjects("gema:grading")
	require.Equal(t, "gema.grading.jobs.apply", subjects.Job("apply"))
	require.Equal(t, "gema.grading.jobs.*", subjects.Jobs())
	require.Equal(t, "gema.grading.tasks.status", subjects.Status())
	require.Equal(t, "gema.grading.grades.posted", subjects.Grades())

	require.Equal(t, "gema.grading.tasks.status", NewSubjects("").Status())
}
