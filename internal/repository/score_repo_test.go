package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

func seedScore(t *testing.T, db *gorm.DB, raw *float64) (models.Migration, models.Score) {
	t.Helper()
	course := seedCourse(t, db, 0)
	assignment := seedAssignment(t, db, course.ID, "Lab")
	master := seedMaster(t, db, course.ID, models.StageCreated)
	migration := models.Migration{MasterMigrationID: master.ID, AssignmentID: assignment.ID}
	require.NoError(t, NewMigrationRepository(db).Add(context.Background(), &migration))

	score := models.Score{MigrationID: migration.ID, StudentID: 5, RawScore: raw, Status: models.SubmissionOnTime}
	require.NoError(t, db.Create(&score).Error)
	return migration, score
}

func setMasterStage(t *testing.T, db *gorm.DB, migration models.Migration, stage models.Stage) {
	t.Helper()
	require.NoError(t, db.Model(&models.MasterMigration{}).Where("id = ?", migration.MasterMigrationID).Update("stage", stage).Error)
}

func TestScoreRepositorySaveComputedKeepsRawScore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScoreRepository(db)
	raw := 72.5
	_, score := seedScore(t, db, &raw)

	computed := 80.0
	policyID := uint(3)
	require.NoError(t, repo.SaveComputed(context.Background(), score.ID, ComputedResult{
		ComputedScore: &computed,
		Status:        models.SubmissionLate,
		DaysLate:      2,
		PolicyID:      &policyID,
		PolicyVersion: 4,
		ComputedAt:    time.Now().UTC(),
	}))

	stored, err := repo.GetByID(context.Background(), score.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RawScore)
	require.InDelta(t, 72.5, *stored.RawScore, 0.0001)
	require.InDelta(t, 80.0, *stored.ComputedScore, 0.0001)
	require.Equal(t, models.SubmissionLate, stored.Status)
	require.Equal(t, 2, stored.DaysLate)
	require.True(t, stored.ComputedWith(3, 4))
	require.False(t, stored.ComputedWith(3, 5))
}

func TestScoreRepositoryAppendOverrideLatestWins(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScoreRepository(db)
	raw := 50.0
	migration, score := seedScore(t, db, &raw)
	setMasterStage(t, db, migration, models.StageAwaitingReview)

	first := models.ScoreOverride{ScoreID: score.ID, NewScore: 60, NewStatus: models.SubmissionOnTime, Justification: "regrade", ActorID: 1}
	second := models.ScoreOverride{ScoreID: score.ID, NewScore: 65, NewStatus: models.SubmissionExtended, Justification: "second look", ActorID: 2}
	require.NoError(t, repo.AppendOverride(context.Background(), &first))
	require.NoError(t, repo.AppendOverride(context.Background(), &second))
	require.Equal(t, 1, first.Sequence)
	require.Equal(t, 2, second.Sequence)

	stored, err := repo.GetByMigrationAndStudent(context.Background(), migration.ID, score.StudentID)
	require.NoError(t, err)
	require.Len(t, stored.Overrides, 2)

	value, status := stored.Current()
	require.NotNil(t, value)
	require.InDelta(t, 65.0, *value, 0.0001)
	require.Equal(t, models.SubmissionExtended, status)

	duplicate := models.ScoreOverride{ScoreID: score.ID, Sequence: 2, NewScore: 1, NewStatus: models.SubmissionLate, Justification: "x", ActorID: 1, RecordedAt: time.Now()}
	require.Error(t, db.Create(&duplicate).Error)
}

func TestScoreRepositoryAppendOverrideRequiresOpenReview(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScoreRepository(db)
	raw := 50.0
	migration, score := seedScore(t, db, &raw)

	for _, stage := range []models.Stage{models.StageLoaded, models.StageApplying, models.StagePosting} {
		setMasterStage(t, db, migration, stage)
		override := models.ScoreOverride{ScoreID: score.ID, NewScore: 60, NewStatus: models.SubmissionOnTime, Justification: "regrade", ActorID: 1}
		require.ErrorIs(t, repo.AppendOverride(context.Background(), &override), ErrStageConflict, string(stage))
	}

	var count int64
	require.NoError(t, db.Model(&models.ScoreOverride{}).Where("score_id = ?", score.ID).Count(&count).Error)
	require.Zero(t, count)

	missing := models.ScoreOverride{ScoreID: score.ID + 100, NewScore: 60, NewStatus: models.SubmissionOnTime, Justification: "regrade", ActorID: 1}
	require.ErrorIs(t, repo.AppendOverride(context.Background(), &missing), gorm.ErrRecordNotFound)
}

func TestScoreRepositorySetDeterminationOnlyWithoutRawScore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScoreRepository(db)
	migration, score := seedScore(t, db, nil)

	stored, err := repo.SetDetermination(context.Background(), migration.ID, score.StudentID, models.DeterminationExcused)
	require.NoError(t, err)
	require.Equal(t, models.DeterminationExcused, stored.Determination)
	require.True(t, stored.Ready())

	raw := 10.0
	other := models.Score{MigrationID: migration.ID, StudentID: 6, RawScore: &raw, Status: models.SubmissionOnTime}
	require.NoError(t, db.Create(&other).Error)
	_, err = repo.SetDetermination(context.Background(), migration.ID, 6, models.DeterminationMissing)
	require.ErrorIs(t, err, ErrStatusConflict)

	_, err = repo.SetDetermination(context.Background(), migration.ID, 99, models.DeterminationMissing)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestScoreRepositoryListByMaster(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScoreRepository(db)
	raw := 10.0
	migration, _ := seedScore(t, db, &raw)

	var master models.Migration
	require.NoError(t, db.First(&master, migration.ID).Error)

	scores, err := repo.ListByMaster(context.Background(), master.MasterMigrationID)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	require.Equal(t, uint(5), scores[0].StudentID)
}
