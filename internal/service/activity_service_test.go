package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

type memoryActivityRepo struct {
	entries []models.ActivityLog
}

func (m *memoryActivityRepo) Create(ctx context.Context, entry *models.ActivityLog) error {
	entry.ID = uint(len(m.entries) + 1)
	entry.CreatedAt = time.Now()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryActivityRepo) List(ctx context.Context, filter repository.ActivityLogFilter) ([]models.ActivityLog, int64, error) {
	var matched []models.ActivityLog
	for _, entry := range m.entries {
		if filter.EntityID != nil && (entry.EntityID == nil || *entry.EntityID != *filter.EntityID) {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		matched = append(matched, entry)
	}
	return matched, int64(len(matched)), nil
}

func TestActivityServiceRecordMasksEmail(t *testing.T) {
	repo := &memoryActivityRepo{}
	svc := NewActivityService(repo, testLogger())

	entry, err := svc.Record(context.Background(), ActivityEntry{
		ActorID:    1,
		ActorRole:  "Teacher",
		Action:     "late_request.approved",
		EntityType: "late_request",
		EntityID:   ptrUint(5),
		Metadata: map[string]interface{}{
			"email": "student@example.com",
			"type":  "LATE_PASS",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "***", entry.Metadata["email"])
	require.Equal(t, "LATE_PASS", entry.Metadata["type"])
	require.Equal(t, uint(1), entry.ActorID)
}

func TestActivityServiceListFiltersByEntity(t *testing.T) {
	repo := &memoryActivityRepo{}
	svc := NewActivityService(repo, testLogger())
	ctx := context.Background()

	for _, id := range []uint{1, 2, 1} {
		_, err := svc.Record(ctx, ActivityEntry{ActorID: 1, ActorRole: "teacher", Action: "master_migration.stage_changed", EntityType: "master_migration", EntityID: ptrUint(id)})
		require.NoError(t, err)
	}

	list, err := svc.List(ctx, dto.ActivityListRequest{EntityID: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	require.Equal(t, int64(2), list.Pagination.TotalItems)
	require.Equal(t, 1, list.Pagination.TotalPages)
	require.Equal(t, 1, list.Pagination.Page)
}

func TestActivityServiceRecordStampsCorrelation(t *testing.T) {
	repo := &memoryActivityRepo{}
	svc := NewActivityService(repo, testLogger())
	ctx := observability.WithCorrelationID(context.Background(), "corr-1")

	entry, err := svc.Record(ctx, ActivityEntry{Action: "Policy.Updated", EntityType: "Policy", Metadata: map[string]interface{}{"api_token": "abc"}})
	require.NoError(t, err)
	require.Equal(t, "policy.updated", entry.Action)
	require.Equal(t, "system", entry.ActorRole)
	require.Equal(t, "corr-1", entry.Metadata["correlation_id"])
	require.Equal(t, "***", entry.Metadata["api_token"])
}

func TestActivityServiceListRejectsInvertedWindow(t *testing.T) {
	svc := NewActivityService(&memoryActivityRepo{}, testLogger())
	now := time.Now()

	_, err := svc.List(context.Background(), dto.ActivityListRequest{Since: now, Until: now.Add(-time.Hour)})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "until", validation.Fields[0].Field)
}
