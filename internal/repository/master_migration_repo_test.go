package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

func TestMasterMigrationRepositoryRejectsSecondActiveMigration(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMasterMigrationRepository(db)
	course := seedCourse(t, db, 3)

	first := models.MasterMigration{CourseID: course.ID}
	require.NoError(t, repo.Create(context.Background(), &first))
	require.Equal(t, models.StageCreated, first.Stage)

	second := models.MasterMigration{CourseID: course.ID}
	err := repo.Create(context.Background(), &second)
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	require.NoError(t, repo.Update(context.Background(), first.ID, map[string]interface{}{"active_course_id": nil}))
	require.NoError(t, repo.Create(context.Background(), &second))
}

func TestMasterMigrationRepositoryCompareAndSetStageSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMasterMigrationRepository(db)
	course := seedCourse(t, db, 3)
	master := seedMaster(t, db, course.ID, models.StageCreated)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.CompareAndSetStage(context.Background(), master.ID, models.StageCreated, models.StageLoadValidating, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if err == ErrStageConflict {
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, 3, conflicts)

	stored, err := repo.GetByID(context.Background(), master.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageLoadValidating, stored.Stage)
}

func TestMasterMigrationRepositoryCommitLoad(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMasterMigrationRepository(db)
	migrations := NewMigrationRepository(db)
	course := seedCourse(t, db, 3)
	assignment := seedAssignment(t, db, course.ID, "Lab 1")
	policy := seedPolicy(t, db, course.ID)
	master := seedMaster(t, db, course.ID, models.StageCreated)

	migration := models.Migration{MasterMigrationID: master.ID, AssignmentID: assignment.ID, PolicyID: &policy.ID}
	require.NoError(t, migrations.Add(context.Background(), &migration))
	require.NoError(t, db.Model(&policy).Update("version", 4).Error)
	require.NoError(t, repo.CompareAndSetStage(context.Background(), master.ID, models.StageCreated, models.StageLoadValidating, nil))

	raw := 88.0
	started := time.Now().UTC()
	snapshot := LoadSnapshot{
		PolicyIDs:      map[uint]uint{migration.ID: policy.ID},
		PolicyVersions: map[uint]int{migration.ID: 4},
		Scores: []models.Score{
			{MigrationID: migration.ID, StudentID: 10, RawScore: &raw, Status: models.SubmissionOnTime},
			{MigrationID: migration.ID, StudentID: 11, Status: models.SubmissionMissing},
		},
		Statistics: models.MigrationStatistics{LateRequests: 2, Extensions: 1, TotalSubmissions: 1},
		StartedAt:  started,
	}
	require.NoError(t, repo.CommitLoad(context.Background(), master.ID, snapshot))

	stored, err := repo.GetByID(context.Background(), master.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageLoaded, stored.Stage)
	require.NotNil(t, stored.StartedAt)
	require.Equal(t, 2, stored.Statistics.LateRequests)
	require.Equal(t, 1, stored.Statistics.TotalSubmissions)
	require.Len(t, stored.Migrations, 1)
	require.Equal(t, 4, stored.Migrations[0].PolicyVersion)
	require.Equal(t, "Lab 1", stored.Migrations[0].Assignment.Title)

	var count int64
	require.NoError(t, db.Model(&models.Score{}).Where("migration_id = ?", migration.ID).Count(&count).Error)
	require.Equal(t, int64(2), count)

	err = repo.CommitLoad(context.Background(), master.ID, snapshot)
	require.ErrorIs(t, err, ErrStageConflict)
	require.NoError(t, db.Model(&models.Score{}).Where("migration_id = ?", migration.ID).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestMasterMigrationRepositoryCommitLoadRejectsChangedSet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMasterMigrationRepository(db)
	migrations := NewMigrationRepository(db)
	course := seedCourse(t, db, 3)
	policy := seedPolicy(t, db, course.ID)
	master := seedMaster(t, db, course.ID, models.StageCreated)

	first := models.Migration{MasterMigrationID: master.ID, AssignmentID: seedAssignment(t, db, course.ID, "Lab 1").ID, PolicyID: &policy.ID}
	require.NoError(t, migrations.Add(context.Background(), &first))
	require.NoError(t, repo.CompareAndSetStage(context.Background(), master.ID, models.StageCreated, models.StageLoadValidating, nil))

	snapshot := LoadSnapshot{
		PolicyIDs:      map[uint]uint{first.ID: policy.ID},
		PolicyVersions: map[uint]int{first.ID: policy.Version},
		Scores:         []models.Score{{MigrationID: first.ID, StudentID: 10, Status: models.SubmissionMissing}},
		StartedAt:      time.Now().UTC(),
	}

	second := models.Migration{MasterMigrationID: master.ID, AssignmentID: seedAssignment(t, db, course.ID, "Lab 2").ID, PolicyID: &policy.ID}
	require.NoError(t, migrations.Add(context.Background(), &second))

	err := repo.CommitLoad(context.Background(), master.ID, snapshot)
	require.ErrorIs(t, err, ErrMigrationSetChanged)

	stored, err := repo.GetByID(context.Background(), master.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageLoadValidating, stored.Stage)
	require.Nil(t, stored.StartedAt)
	var count int64
	require.NoError(t, db.Model(&models.Score{}).Count(&count).Error)
	require.Zero(t, count)

	require.NoError(t, migrations.Remove(context.Background(), master.ID, second.ID))
	require.NoError(t, db.Model(&policy).Update("version", policy.Version+1).Error)
	err = repo.CommitLoad(context.Background(), master.ID, snapshot)
	require.ErrorIs(t, err, ErrMigrationSetChanged)

	snapshot.PolicyVersions[first.ID] = policy.Version + 1
	require.NoError(t, repo.CommitLoad(context.Background(), master.ID, snapshot))
}

func TestMasterMigrationRepositoryListByStages(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMasterMigrationRepository(db)
	applying := seedMaster(t, db, seedCourse(t, db, 0).ID, models.StageApplying)
	seedMaster(t, db, seedCourse(t, db, 0).ID, models.StageLoaded)
	posting := seedMaster(t, db, seedCourse(t, db, 0).ID, models.StagePosting)

	masters, err := repo.ListByStages(context.Background(), models.StageApplying, models.StagePosting)
	require.NoError(t, err)
	require.Len(t, masters, 2)
	require.Equal(t, applying.ID, masters[0].ID)
	require.Equal(t, posting.ID, masters[1].ID)
}
