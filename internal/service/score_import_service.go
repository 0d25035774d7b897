package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// ErrImportTooLarge indicates the CSV exceeded the configured limit.
var ErrImportTooLarge = errors.New("file exceeds maximum allowed size")

// FileStorage abstracts upload destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// ScoreImportService stages raw scores from CSV uploads before load.
type ScoreImportService interface {
	Import(ctx context.Context, masterID, assignmentID uint, file *multipart.FileHeader, actor ActivityActor) (dto.RawScoreImportResponse, error)
}

type scoreImportService struct {
	masters  repository.MasterMigrationRepository
	courses  repository.CourseRepository
	raw      repository.RawScoreRepository
	activity ActivityRecorder
	logger   zerolog.Logger
	maxSize  int64
	tracer   trace.Tracer
	now      func() time.Time
}

// NewScoreImportService constructs the CSV importer.
func NewScoreImportService(masters repository.MasterMigrationRepository, courses repository.CourseRepository, raw repository.RawScoreRepository, activity ActivityRecorder, maxSizeMB int, logger zerolog.Logger) ScoreImportService {
	if maxSizeMB <= 0 {
		maxSizeMB = 5
	}
	return &scoreImportService{
		masters:  masters,
		courses:  courses,
		raw:      raw,
		activity: activity,
		logger:   logger.With().Str("component", "score_import_service").Logger(),
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		tracer:   otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/score_import"),
		now:      time.Now,
	}
}

func (s *scoreImportService) Import(ctx context.Context, masterID, assignmentID uint, file *multipart.FileHeader, actor ActivityActor) (dto.RawScoreImportResponse, error) {
	ctx, span := s.tracer.Start(ctx, "scores.import")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("import.master_migration_id", int64(masterID)),
		attribute.Int64("import.assignment_id", int64(assignmentID)),
	)

	if file == nil {
		return dto.RawScoreImportResponse{}, newValidationError(FieldError{Field: "file", Reason: "required"})
	}
	if file.Size > s.maxSize {
		return dto.RawScoreImportResponse{}, ErrImportTooLarge
	}

	master, err := s.masters.GetByID(ctx, masterID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RawScoreImportResponse{}, ErrMasterMigrationNotFound
		}
		return dto.RawScoreImportResponse{}, err
	}
	if err := requireStage(master, models.StageCreated, models.StageLoadValidating); err != nil {
		return dto.RawScoreImportResponse{}, err
	}
	if !containsAssignment(master, assignmentID) {
		return dto.RawScoreImportResponse{}, newValidationError(FieldError{Field: "assignment_id", Reason: "assignment is not part of this master migration"})
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		return dto.RawScoreImportResponse{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		return dto.RawScoreImportResponse{}, err
	}
	if int64(buf.Len()) > s.maxSize {
		return dto.RawScoreImportResponse{}, ErrImportTooLarge
	}

	detected := mimetype.Detect(buf.Bytes())
	span.SetAttributes(attribute.String("import.detected_mime", detected.String()))
	if !detected.Is("text/csv") && !detected.Is("text/plain") {
		span.SetStatus(codes.Error, "type not allowed")
		return dto.RawScoreImportResponse{}, ErrUnsupportedFile
	}

	students, err := s.courses.ListStudentIDs(ctx, master.CourseID)
	if err != nil {
		return dto.RawScoreImportResponse{}, err
	}
	enrolled := make(map[uint]struct{}, len(students))
	for _, id := range students {
		enrolled[id] = struct{}{}
	}

	rows, rejected, err := parseRawScores(buf.Bytes(), assignmentID, enrolled, s.now().UTC())
	if err != nil {
		return dto.RawScoreImportResponse{}, err
	}
	if err := s.raw.UpsertBatch(ctx, rows); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.RawScoreImportResponse{}, err
	}

	s.logger.Info().
		Uint("assignment_id", assignmentID).
		Int("imported", len(rows)).
		Int("rejected", len(rejected)).
		Msg("raw scores imported")

	if s.activity != nil {
		entityID := master.ID
		_, _ = s.activity.Record(ctx, ActivityEntry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "raw_scores.imported",
			EntityType: models.ActivityEntityMasterMigration,
			EntityID:   &entityID,
			Metadata: map[string]interface{}{
				"assignment_id": assignmentID,
				"imported":      len(rows),
				"rejected":      len(rejected),
			},
		})
	}

	return dto.RawScoreImportResponse{AssignmentID: assignmentID, Imported: len(rows), Rejected: rejected}, nil
}

// parseRawScores reads student_id,score,submitted_at rows. A blank score means no submission.
func parseRawScores(payload []byte, assignmentID uint, enrolled map[uint]struct{}, importedAt time.Time) ([]models.RawScoreImport, []string, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, newValidationError(FieldError{Field: "file", Reason: "missing header row"})
	}
	columns := map[string]int{}
	for idx, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = idx
	}
	studentCol, ok := columns["student_id"]
	if !ok {
		return nil, nil, newValidationError(FieldError{Field: "file", Reason: "student_id column is required"})
	}
	scoreCol, ok := columns["score"]
	if !ok {
		return nil, nil, newValidationError(FieldError{Field: "file", Reason: "score column is required"})
	}
	submittedCol, hasSubmitted := columns["submitted_at"]

	var rows []models.RawScoreImport
	var rejected []string
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		studentID, err := strconv.ParseUint(strings.TrimSpace(field(record, studentCol)), 10, 64)
		if err != nil || studentID == 0 {
			rejected = append(rejected, fmt.Sprintf("line %d: invalid student_id", line))
			continue
		}
		if _, ok := enrolled[uint(studentID)]; !ok {
			rejected = append(rejected, fmt.Sprintf("line %d: student %d is not enrolled", line, studentID))
			continue
		}

		row := models.RawScoreImport{
			AssignmentID: assignmentID,
			StudentID:    uint(studentID),
			Source:       "csv",
			ImportedAt:   importedAt,
		}
		if raw := strings.TrimSpace(field(record, scoreCol)); raw != "" {
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
				rejected = append(rejected, fmt.Sprintf("line %d: invalid score", line))
				continue
			}
			row.Score = &value
		}
		if hasSubmitted {
			if raw := strings.TrimSpace(field(record, submittedCol)); raw != "" {
				submittedAt, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					rejected = append(rejected, fmt.Sprintf("line %d: submitted_at must be RFC3339", line))
					continue
				}
				utc := submittedAt.UTC()
				row.SubmittedAt = &utc
			}
		}
		rows = append(rows, row)
	}
	return rows, rejected, nil
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func containsAssignment(master models.MasterMigration, assignmentID uint) bool {
	for _, migration := range master.Migrations {
		if migration.AssignmentID == assignmentID {
			return true
		}
	}
	return false
}
