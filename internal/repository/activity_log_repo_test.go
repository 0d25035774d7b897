package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

func TestActivityLogRepositoryFilters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewActivityLogRepository(db)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	master := uint(4)
	entries := []models.ActivityLog{
		{ActorID: 1, ActorRole: "teacher", Action: "master_migration.created", EntityType: models.ActivityEntityMasterMigration, EntityID: &master, CreatedAt: base},
		{ActorID: 1, ActorRole: "teacher", Action: "master_migration.stage_changed", EntityType: models.ActivityEntityMasterMigration, EntityID: &master, CreatedAt: base.Add(time.Hour)},
		{ActorID: 2, ActorRole: "admin", Action: "policy.updated", EntityType: models.ActivityEntityPolicy, CreatedAt: base.Add(2 * time.Hour)},
	}
	for i := range entries {
		require.NoError(t, repo.Create(ctx, &entries[i]))
	}

	all, total, err := repo.List(ctx, ActivityLogFilter{EntityType: models.ActivityEntityMasterMigration, EntityID: &master})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Equal(t, "master_migration.stage_changed", all[0].Action)

	since := base.Add(30 * time.Minute)
	recent, total, err := repo.List(ctx, ActivityLogFilter{Since: &since, PageSize: 1, Page: 2})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, recent, 1)
	require.Equal(t, "master_migration.stage_changed", recent[0].Action)

	actor := uint(3)
	none, total, err := repo.List(ctx, ActivityLogFilter{ActorID: &actor})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, none)
}
