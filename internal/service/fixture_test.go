package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/jobs"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/policy"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/worker"
)

var instructor = ActivityActor{ID: 1, Role: "teacher"}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func ptrUint(v uint) *uint {
	return &v
}

func ptrFloat(v float64) *float64 {
	return &v
}

func setupServiceDB(t *testing.T) *gorm.DB {
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

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// recordingDispatcher accepts every job and leaves the outcome to the test.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []jobs.JobSpec
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job jobs.JobSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) dispatched() []jobs.JobSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]jobs.JobSpec(nil), d.jobs...)
}

type memoryStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (s *memoryStorage) Upload(_ context.Context, name string, reader io.Reader) (string, error) {
	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = map[string][]byte{}
	}
	s.files[name] = payload
	return "https://files.example.com/" + name, nil
}

type pipelineFixture struct {
	db          *gorm.DB
	course      models.Course
	assignments []models.Assignment
	policy      models.Policy
	students    []uint

	dispatcher  *recordingDispatcher
	destination *collectingDestination
	storage     *memoryStorage
	masters     repository.MasterMigrationRepository
	migrations  repository.MigrationRepository
	scores      repository.ScoreRepository
	raw         repository.RawScoreRepository
	activity    repository.ActivityLogRepository
	ledger      TaskLedger
	reviews     ReviewService
	late        LateRequestService
	policies    PolicyService
	service     MigrationService
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	assignments int
	inline      bool
	ledger      func(TaskLedger) TaskLedger
	source      func(ScoreSource) ScoreSource
}

func withAssignments(n int) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.assignments = n }
}

// withInlineWorkers runs apply and post jobs in-process instead of recording them.
func withInlineWorkers() fixtureOption {
	return func(cfg *fixtureConfig) { cfg.inline = true }
}

// withLedger hands the migration service a wrapped ledger. The fixture keeps the inner one.
func withLedger(wrap func(TaskLedger) TaskLedger) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.ledger = wrap }
}

func withScoreSource(wrap func(ScoreSource) ScoreSource) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.source = wrap }
}

type collectingDestination struct {
	mu      sync.Mutex
	batches []worker.GradeBatch
}

func (d *collectingDestination) Publish(_ context.Context, batch worker.GradeBatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, batch)
	return nil
}

func (d *collectingDestination) published() []worker.GradeBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]worker.GradeBatch(nil), d.batches...)
}

func newPipelineFixture(t *testing.T, opts ...fixtureOption) *pipelineFixture {
	t.Helper()
	cfg := fixtureConfig{assignments: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := setupServiceDB(t)
	reasons, err := json.Marshal([]string{"medical", "bereavement"})
	require.NoError(t, err)
	course := models.Course{Name: "Distributed Systems", TotalLatePassesAllowed: 5, ExtensionReasons: datatypes.JSON(reasons)}
	require.NoError(t, db.Create(&course).Error)

	students := []uint{101, 102, 103}
	for _, studentID := range students {
		require.NoError(t, db.Create(&models.Enrollment{CourseID: course.ID, StudentID: studentID, Role: models.EnrollmentRoleStudent}).Error)
	}
	require.NoError(t, db.Create(&models.Enrollment{CourseID: course.ID, StudentID: 900, Role: "teacher"}).Error)

	assignments := make([]models.Assignment, 0, cfg.assignments)
	for i := 0; i < cfg.assignments; i++ {
		assignment := models.Assignment{
			CourseID: course.ID,
			Title:    fmt.Sprintf("Lab %d", i+1),
			DueDate:  time.Date(2026, 3, 1+i, 23, 59, 0, 0, time.UTC),
			MaxScore: 100,
			Enabled:  true,
		}
		require.NoError(t, db.Create(&assignment).Error)
		assignments = append(assignments, assignment)
	}

	pol := models.Policy{CourseID: course.ID, Name: "as graded", Runtime: models.PolicyRuntimeBuiltin, Builtin: "identity", Version: 1}
	require.NoError(t, db.Create(&pol).Error)

	validate := validator.New(validator.WithRequiredStructEnabled())
	cache := setupRedis(t)
	runner := policy.NewDispatcher(map[string]policy.Runner{models.PolicyRuntimeBuiltin: policy.NewBuiltinRunner()})

	masters := repository.NewMasterMigrationRepository(db)
	migrations := repository.NewMigrationRepository(db)
	scores := repository.NewScoreRepository(db)
	courses := repository.NewCourseRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	policies := repository.NewPolicyRepository(db)
	lateRequests := repository.NewLateRequestRepository(db)
	raw := repository.NewRawScoreRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	recording := &recordingDispatcher{}
	destination := &collectingDestination{}
	var dispatcher jobs.Dispatcher = recording
	var inline *jobs.InlineDispatcher
	if cfg.inline {
		handlers := worker.Handlers(
			worker.NewApplyHandler(migrations, scores, lateRequests, runner, 2, testLogger()),
			worker.NewPostHandler(migrations, scores, destination, testLogger()),
		)
		inline = jobs.NewInlineDispatcher(jobs.InlineConfig{Workers: 2, QueueSize: 16, JobTimeout: 10 * time.Second}, handlers, testLogger())
		dispatcher = inline
	}

	activity := NewActivityService(activityRepo, testLogger())
	ledger := NewTaskLedger(repository.NewTaskRepository(db), dispatcher, cache, time.Minute, testLogger())
	if inline != nil {
		ctx, cancel := context.WithCancel(context.Background())
		inline.Start(ctx, ledger)
		t.Cleanup(func() {
			cancel()
			inline.Wait()
		})
	}
	reviews := NewReviewService(masters, migrations, scores, validate, activity, cache, time.Minute, testLogger())
	storage := &memoryStorage{}

	serviceLedger := ledger
	if cfg.ledger != nil {
		serviceLedger = cfg.ledger(ledger)
	}
	source := NewStoredScoreSource(raw)
	if cfg.source != nil {
		source = cfg.source(source)
	}

	service := NewMigrationService(MigrationDependencies{
		Masters:      masters,
		Migrations:   migrations,
		Scores:       scores,
		Courses:      courses,
		Assignments:  assignmentRepo,
		Policies:     policies,
		LateRequests: lateRequests,
		Source:       source,
		Runner:       runner,
		Ledger:       serviceLedger,
		Reviews:      reviews,
		Storage:      storage,
		Activity:     activity,
		Validator:    validate,
	}, testLogger())

	return &pipelineFixture{
		db:          db,
		course:      course,
		assignments: assignments,
		policy:      pol,
		students:    students,
		dispatcher:  recording,
		destination: destination,
		storage:     storage,
		masters:     masters,
		migrations:  migrations,
		scores:      scores,
		raw:         raw,
		activity:    activityRepo,
		ledger:      ledger,
		reviews:     reviews,
		late:        NewLateRequestService(lateRequests, courses, assignmentRepo, validate, activity, testLogger()),
		policies:    NewPolicyService(policies, courses, runner, validate, activity, testLogger()),
		service:     service,
	}
}

func (f *pipelineFixture) stageRaw(t *testing.T, assignment models.Assignment, studentID uint, score *float64, submittedAt *time.Time) {
	t.Helper()
	require.NoError(t, f.raw.UpsertBatch(context.Background(), []models.RawScoreImport{{
		AssignmentID: assignment.ID,
		StudentID:    studentID,
		Score:        score,
		SubmittedAt:  submittedAt,
		Source:       "test",
		ImportedAt:   time.Now().UTC(),
	}}))
}

// loaded drives a fresh master migration with every assignment through load.
func (f *pipelineFixture) loaded(t *testing.T) uint {
	t.Helper()
	ctx := context.Background()
	created, err := f.service.Create(ctx, dtoCreate(f.course.ID), instructor)
	require.NoError(t, err)
	for _, assignment := range f.assignments {
		_, err := f.service.AddMigration(ctx, created.ID, dtoAdd(assignment.ID, &f.policy.ID), instructor)
		require.NoError(t, err)
	}
	_, err = f.service.LoadValidate(ctx, created.ID, instructor)
	require.NoError(t, err)
	_, err = f.service.Load(ctx, created.ID, instructor)
	require.NoError(t, err)
	return created.ID
}

// applying drives the master migration into APPLYING with every row ready.
func (f *pipelineFixture) applying(t *testing.T) (uint, []uint) {
	t.Helper()
	ctx := context.Background()
	for _, assignment := range f.assignments {
		for _, studentID := range f.students {
			f.stageRaw(t, assignment, studentID, ptrFloat(float64(60+studentID%10)), nil)
		}
	}
	id := f.loaded(t)
	_, err := f.service.ApplyValidate(ctx, id, instructor)
	require.NoError(t, err)
	batch, err := f.service.Apply(ctx, id, instructor)
	require.NoError(t, err)

	ids := make([]uint, 0, len(batch.Tasks))
	for _, task := range batch.Tasks {
		ids = append(ids, task.ID)
	}
	return id, ids
}

func (f *pipelineFixture) report(t *testing.T, taskID uint, status models.TaskStatus, message string) {
	t.Helper()
	_, err := f.ledger.Report(context.Background(), jobs.StatusReport{TaskID: taskID, Status: status, Message: message})
	require.NoError(t, err)
}

func (f *pipelineFixture) countActivity(t *testing.T, action, to string) int {
	t.Helper()
	entries, _, err := f.activity.List(context.Background(), repository.ActivityLogFilter{Action: action})
	require.NoError(t, err)
	count := 0
	for _, entry := range entries {
		if to == "" || entry.Metadata["to"] == to {
			count++
		}
	}
	return count
}

func csvFile(lines ...string) []byte {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
