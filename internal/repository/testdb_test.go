package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Course{},
		&models.Enrollment{},
		&models.Assignment{},
		&models.Policy{},
		&models.MasterMigration{},
		&models.Migration{},
		&models.Score{},
		&models.ScoreOverride{},
		&models.Task{},
		&models.LateRequest{},
		&models.LatePassBalance{},
		&models.RawScoreImport{},
		&models.ActivityLog{},
	))
	return db
}

func seedCourse(t *testing.T, db *gorm.DB, allowance int, reasons ...string) models.Course {
	t.Helper()
	if reasons == nil {
		reasons = []string{}
	}
	payload, err := json.Marshal(reasons)
	require.NoError(t, err)
	course := models.Course{Name: "Algorithms", TotalLatePassesAllowed: allowance, ExtensionReasons: datatypes.JSON(payload)}
	require.NoError(t, db.Create(&course).Error)
	return course
}

func seedAssignment(t *testing.T, db *gorm.DB, courseID uint, title string) models.Assignment {
	t.Helper()
	assignment := models.Assignment{
		CourseID: courseID,
		Title:    title,
		DueDate:  time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC),
		MaxScore: 100,
		Enabled:  true,
	}
	require.NoError(t, db.Create(&assignment).Error)
	return assignment
}

func seedPolicy(t *testing.T, db *gorm.DB, courseID uint) models.Policy {
	t.Helper()
	policy := models.Policy{CourseID: courseID, Name: "identity", Runtime: models.PolicyRuntimeBuiltin, Builtin: "identity", Version: 1}
	require.NoError(t, db.Create(&policy).Error)
	return policy
}

func seedMaster(t *testing.T, db *gorm.DB, courseID uint, stage models.Stage) models.MasterMigration {
	t.Helper()
	master := models.MasterMigration{CourseID: courseID, Stage: stage}
	require.NoError(t, NewMasterMigrationRepository(db).Create(context.Background(), &master))
	return master
}
