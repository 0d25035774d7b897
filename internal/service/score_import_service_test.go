package service

import (
	"bytes"
	"context"
	"mime/multipart"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/repository"
)

func multipartFile(t *testing.T, name string, payload []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	form, err := multipart.NewReader(body, writer.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["file"][0]
}

func TestParseRawScores(t *testing.T) {
	enrolled := map[uint]struct{}{101: {}, 102: {}, 103: {}}
	importedAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	rows, rejected, err := parseRawScores(csvFile(
		"\ufeffStudent_ID, Score, submitted_at",
		"101,88.5,2026-03-01T10:00:00+07:00",
		"102,,",
		"103,abc,",
		"999,70,",
		"x,70,",
		"103,91,yesterday",
	), 7, enrolled, importedAt)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	require.Equal(t, uint(101), rows[0].StudentID)
	require.InDelta(t, 88.5, *rows[0].Score, 0.0001)
	require.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), *rows[0].SubmittedAt)
	require.Equal(t, uint(7), rows[0].AssignmentID)
	require.Nil(t, rows[1].Score)
	require.Nil(t, rows[1].SubmittedAt)

	require.Equal(t, []string{
		"line 4: invalid score",
		"line 5: student 999 is not enrolled",
		"line 6: invalid student_id",
		"line 7: submitted_at must be RFC3339",
	}, rejected)
}

func TestParseRawScoresRequiresColumns(t *testing.T) {
	_, _, err := parseRawScores(csvFile("student_id,points", "101,5"), 1, nil, time.Now())
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, validationErr.Fields[0].Reason, "score")

	_, _, err = parseRawScores(nil, 1, nil, time.Now())
	require.ErrorAs(t, err, &validationErr)
}

func TestScoreImportStagesRowsBeforeLoad(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	importer := NewScoreImportService(f.masters, repository.NewCourseRepository(f.db), f.raw, nil, 1, testLogger())

	created, err := f.service.Create(ctx, dtoCreate(f.course.ID), instructor)
	require.NoError(t, err)
	_, err = f.service.AddMigration(ctx, created.ID, dtoAdd(f.assignments[0].ID, &f.policy.ID), instructor)
	require.NoError(t, err)

	result, err := importer.Import(ctx, created.ID, f.assignments[0].ID, multipartFile(t, "scores.csv", csvFile(
		"student_id,score",
		"101,77",
		"102,81",
		"404,10",
	)), instructor)
	require.NoError(t, err)
	require.Equal(t, 2, result.Imported)
	require.Len(t, result.Rejected, 1)

	stored, err := f.raw.ListByAssignment(ctx, f.assignments[0].ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	_, err = importer.Import(ctx, created.ID, 9999, multipartFile(t, "scores.csv", csvFile("student_id,score", "101,1")), instructor)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	_, err = importer.Import(ctx, created.ID, f.assignments[0].ID, multipartFile(t, "scores.png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")), instructor)
	require.ErrorIs(t, err, ErrUnsupportedFile)

	_, err = f.service.LoadValidate(ctx, created.ID, instructor)
	require.NoError(t, err)
	_, err = f.service.Load(ctx, created.ID, instructor)
	require.NoError(t, err)

	_, err = importer.Import(ctx, created.ID, f.assignments[0].ID, multipartFile(t, "scores.csv", csvFile("student_id,score", "101,1")), instructor)
	require.ErrorIs(t, err, ErrInvalidStage)
}
