package service

import (
	"context"
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// RawScore is one student's submission as reported by the score source.
type RawScore struct {
	StudentID   uint
	Score       *float64
	SubmittedAt *time.Time
}

// ScoreSource supplies raw scores for an assignment at load time.
type ScoreSource interface {
	Fetch(ctx context.Context, assignment models.Assignment) ([]RawScore, error)
}

type storedScoreSource struct {
	repo repository.RawScoreRepository
}

// NewStoredScoreSource reads raw scores staged through the import endpoint.
func NewStoredScoreSource(repo repository.RawScoreRepository) ScoreSource {
	return &storedScoreSource{repo: repo}
}

func (s *storedScoreSource) Fetch(ctx context.Context, assignment models.Assignment) ([]RawScore, error) {
	rows, err := s.repo.ListByAssignment(ctx, assignment.ID)
	if err != nil {
		return nil, err
	}
	result := make([]RawScore, 0, len(rows))
	for _, row := range rows {
		result = append(result, RawScore{StudentID: row.StudentID, Score: row.Score, SubmittedAt: row.SubmittedAt})
	}
	return result, nil
}
