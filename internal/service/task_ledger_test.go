package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/jobs"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

func newTestLedger(t *testing.T) (TaskLedger, *recordingDispatcher) {
	t.Helper()
	db := setupServiceDB(t)
	dispatcher := &recordingDispatcher{}
	return NewTaskLedger(repository.NewTaskRepository(db), dispatcher, setupRedis(t), time.Minute, testLogger()), dispatcher
}

func submitN(t *testing.T, ledger TaskLedger, n int) []uint {
	t.Helper()
	ids := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		task, err := ledger.Submit(context.Background(), TaskSpec{Kind: models.TaskKindApply, MasterMigrationID: 1, MigrationID: uint(i + 1)})
		require.NoError(t, err)
		require.Equal(t, models.TaskStatusPending, task.Status)
		ids = append(ids, task.ID)
	}
	return ids
}

func TestTaskLedgerSubmitDispatchesJob(t *testing.T) {
	ledger, dispatcher := newTestLedger(t)
	ids := submitN(t, ledger, 1)

	jobsSent := dispatcher.dispatched()
	require.Len(t, jobsSent, 1)
	require.Equal(t, ids[0], jobsSent[0].TaskID)
	require.Equal(t, models.TaskKindApply, jobsSent[0].Kind)
	require.Equal(t, 1, jobsSent[0].Attempt)
}

func TestAwaitAllFailsFast(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	ids := submitN(t, ledger, 3)

	_, err := ledger.Report(ctx, jobs.StatusReport{TaskID: ids[1], Status: models.TaskStatusFailed, Message: "boom"})
	require.NoError(t, err)

	start := time.Now()
	result, err := ledger.AwaitAll(ctx, ids, PollOptions{Interval: 10 * time.Millisecond, MaxWait: 5 * time.Second})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, AwaitFailed, result.Outcome)
	require.Len(t, result.Failed, 1)
	require.Equal(t, "boom", result.Failed[0].Message)
	require.Len(t, result.Pending, 2)
}

func TestAwaitAllReportsPendingAfterMaxWait(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ids := submitN(t, ledger, 2)

	result, err := ledger.AwaitAll(context.Background(), ids, PollOptions{Interval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond, MaxWait: 40 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, AwaitPending, result.Outcome)
	require.Len(t, result.Pending, 2)
	require.Empty(t, result.Completed)
}

func TestAwaitAllCompletesWhenReportsArrive(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	ids := submitN(t, ledger, 2)

	go func() {
		time.Sleep(30 * time.Millisecond)
		for _, id := range ids {
			_, _ = ledger.Report(context.Background(), jobs.StatusReport{TaskID: id, Status: models.TaskStatusCompleted})
		}
	}()

	result, err := ledger.AwaitAll(ctx, append(ids, ids[0]), PollOptions{Interval: 10 * time.Millisecond, MaxWait: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, AwaitCompleted, result.Outcome)
	require.Len(t, result.Completed, 2)
}

func TestAwaitAllHonoursContext(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ids := submitN(t, ledger, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ledger.AwaitAll(ctx, ids, PollOptions{Interval: 5 * time.Millisecond, MaxWait: time.Minute})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitAllUnknownTask(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.AwaitAll(context.Background(), []uint{42}, PollOptions{MaxWait: time.Millisecond})
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestReportIsIdempotentOnceTerminal(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	ids := submitN(t, ledger, 1)

	task, err := ledger.Report(ctx, jobs.StatusReport{TaskID: ids[0], Status: models.TaskStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	task, err = ledger.Report(ctx, jobs.StatusReport{TaskID: ids[0], Status: models.TaskStatusFailed, Message: "late duplicate"})
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, task.Status)
	require.Empty(t, task.Message)

	cached, err := ledger.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, cached.Status)

	_, err = ledger.Report(ctx, jobs.StatusReport{TaskID: ids[0], Status: models.TaskStatusPending})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestLatestKeepsNewestAttemptPerMigration(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.Submit(ctx, TaskSpec{Kind: models.TaskKindPost, MasterMigrationID: 7, MigrationID: 1})
	require.NoError(t, err)
	_, err = ledger.Report(ctx, jobs.StatusReport{TaskID: first.ID, Status: models.TaskStatusFailed})
	require.NoError(t, err)
	second, err := ledger.Submit(ctx, TaskSpec{Kind: models.TaskKindPost, MasterMigrationID: 7, MigrationID: 1, Attempt: 2})
	require.NoError(t, err)
	_, err = ledger.Submit(ctx, TaskSpec{Kind: models.TaskKindPost, MasterMigrationID: 7, MigrationID: 2})
	require.NoError(t, err)

	latest, err := ledger.Latest(ctx, 7, models.TaskKindPost)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, second.ID, latest[0].ID)
	require.Equal(t, 2, latest[0].Attempt)
}
