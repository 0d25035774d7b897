package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

var exportHeader = []string{
	"migration_id", "assignment_id", "student_id", "raw_score", "computed_score",
	"status", "days_late", "current_score", "current_status", "overrides", "comment",
}

// export writes the final grades to storage and returns their URL. It is a no-op without storage.
func (s *migrationService) export(ctx context.Context, master models.MasterMigration) (string, error) {
	if s.deps.Storage == nil {
		return "", nil
	}
	scores, err := s.deps.Scores.ListByMaster(ctx, master.ID)
	if err != nil {
		return "", err
	}
	payload, err := renderGradesCSV(master, scores)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("master-migration-%d-course-%d.csv", master.ID, master.CourseID)
	url, err := s.deps.Storage.Upload(ctx, name, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	s.logger.Info().Uint("master_migration_id", master.ID).Str("url", url).Msg("final grades exported")
	return url, nil
}

func renderGradesCSV(master models.MasterMigration, scores []models.Score) ([]byte, error) {
	assignments := make(map[uint]uint, len(master.Migrations))
	for _, migration := range master.Migrations {
		assignments[migration.ID] = migration.AssignmentID
	}

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(exportHeader); err != nil {
		return nil, err
	}
	for _, score := range scores {
		current, status := score.Current()
		record := []string{
			strconv.FormatUint(uint64(score.MigrationID), 10),
			strconv.FormatUint(uint64(assignments[score.MigrationID]), 10),
			strconv.FormatUint(uint64(score.StudentID), 10),
			formatScore(score.RawScore),
			formatScore(score.ComputedScore),
			string(score.Status),
			strconv.Itoa(score.DaysLate),
			formatScore(current),
			string(status),
			strconv.Itoa(len(score.Overrides)),
			score.Comment,
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	return buf.Bytes(), writer.Error()
}

func formatScore(value *float64) string {
	if value == nil {
		return ""
	}
	return strconv.FormatFloat(*value, 'f', -1, 64)
}
