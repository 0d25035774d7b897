package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

const maxBalanceAttempts = 5

// LateRequestFilter narrows late request listings.
type LateRequestFilter struct {
	CourseID     *uint
	AssignmentID *uint
	RequesterID  *uint
	Status       *models.LateRequestStatus
	Type         *models.LateRequestType
}

// ApprovedDays sums the approved late days for one student on one assignment.
type ApprovedDays struct {
	Extension int
	LatePass  int
}

// LateRequestRepository persists late requests and the late-pass balances they draw from.
type LateRequestRepository interface {
	Create(ctx context.Context, request *models.LateRequest) error
	GetByID(ctx context.Context, id uint) (models.LateRequest, error)
	List(ctx context.Context, filter LateRequestFilter) ([]models.LateRequest, error)
	Resolve(ctx context.Context, id uint, to models.LateRequestStatus, updates map[string]interface{}) error
	ApproveLatePass(ctx context.Context, request models.LateRequest, allowance int, updates map[string]interface{}) (int, error)
	ApprovedDaysFor(ctx context.Context, assignmentID, studentID uint) (ApprovedDays, error)
	Statistics(ctx context.Context, courseID uint, assignmentIDs []uint) (models.MigrationStatistics, error)
}

type lateRequestRepository struct {
	db *gorm.DB
}

// NewLateRequestRepository instantiates the repository.
func NewLateRequestRepository(db *gorm.DB) LateRequestRepository {
	return &lateRequestRepository{db: db}
}

func (r *lateRequestRepository) Create(ctx context.Context, request *models.LateRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

func (r *lateRequestRepository) GetByID(ctx context.Context, id uint) (models.LateRequest, error) {
	var request models.LateRequest
	if err := r.db.WithContext(ctx).First(&request, id).Error; err != nil {
		return models.LateRequest{}, err
	}
	return request, nil
}

func (r *lateRequestRepository) List(ctx context.Context, filter LateRequestFilter) ([]models.LateRequest, error) {
	query := r.db.WithContext(ctx).Model(&models.LateRequest{})
	if filter.CourseID != nil {
		query = query.Where("course_id = ?", *filter.CourseID)
	}
	if filter.AssignmentID != nil {
		query = query.Where("assignment_id = ?", *filter.AssignmentID)
	}
	if filter.RequesterID != nil {
		query = query.Where("requester_id = ?", *filter.RequesterID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}

	var requests []models.LateRequest
	if err := query.Order("submitted_at DESC, id DESC").Find(&requests).Error; err != nil {
		return nil, err
	}
	return requests, nil
}

// Resolve moves a pending request to its final status; ErrStatusConflict when it is no longer pending.
func (r *lateRequestRepository) Resolve(ctx context.Context, id uint, to models.LateRequestStatus, updates map[string]interface{}) error {
	return resolveLateRequest(r.db.WithContext(ctx), id, to, updates)
}

func resolveLateRequest(db *gorm.DB, id uint, to models.LateRequestStatus, updates map[string]interface{}) error {
	values := map[string]interface{}{"status": to}
	for key, value := range updates {
		values[key] = value
	}
	result := db.Model(&models.LateRequest{}).
		Where("id = ? AND status = ?", id, models.LateRequestPending).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ApproveLatePass checks the running balance and approves the request in one transaction.
// It returns the student's used days after approval.
func (r *lateRequestRepository) ApproveLatePass(ctx context.Context, request models.LateRequest, allowance int, updates map[string]interface{}) (int, error) {
	var used int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < maxBalanceAttempts; attempt++ {
			balance, err := lockBalance(tx, request.CourseID, request.RequesterID)
			if err != nil {
				return err
			}

			next := balance.UsedDays + request.DaysRequested
			if next > allowance {
				return &BudgetExceededError{Used: balance.UsedDays, Requested: request.DaysRequested, Allowance: allowance}
			}

			result := tx.Model(&models.LatePassBalance{}).
				Where("id = ? AND version = ?", balance.ID, balance.Version).
				Updates(map[string]interface{}{
					"used_days": next,
					"version":   balance.Version + 1,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}

			used = next
			return resolveLateRequest(tx, request.ID, models.LateRequestApproved, updates)
		}
		return ErrVersionConflict
	})
	return used, err
}

func lockBalance(tx *gorm.DB, courseID, studentID uint) (models.LatePassBalance, error) {
	var balance models.LatePassBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("course_id = ? AND student_id = ?", courseID, studentID).
		First(&balance).Error
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.LatePassBalance{}, err
	}

	var approved int64
	if err := tx.Model(&models.LateRequest{}).
		Where("course_id = ? AND requester_id = ? AND type = ? AND status = ?", courseID, studentID, models.LateRequestLatePass, models.LateRequestApproved).
		Select("COALESCE(SUM(days_requested), 0)").
		Scan(&approved).Error; err != nil {
		return models.LatePassBalance{}, err
	}

	seed := models.LatePassBalance{CourseID: courseID, StudentID: studentID, UsedDays: int(approved)}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return models.LatePassBalance{}, err
	}

	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("course_id = ? AND student_id = ?", courseID, studentID).
		First(&balance).Error
	return balance, err
}

func (r *lateRequestRepository) ApprovedDaysFor(ctx context.Context, assignmentID, studentID uint) (ApprovedDays, error) {
	type row struct {
		Type models.LateRequestType
		Days int
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&models.LateRequest{}).
		Select("type, COALESCE(SUM(days_requested), 0) AS days").
		Where("assignment_id = ? AND requester_id = ? AND status = ?", assignmentID, studentID, models.LateRequestApproved).
		Group("type").
		Scan(&rows).Error; err != nil {
		return ApprovedDays{}, err
	}

	var days ApprovedDays
	for _, item := range rows {
		switch item.Type {
		case models.LateRequestExtension:
			days.Extension = item.Days
		case models.LateRequestLatePass:
			days.LatePass = item.Days
		}
	}
	return days, nil
}

// Statistics counts late requests for the given assignments of a course.
func (r *lateRequestRepository) Statistics(ctx context.Context, courseID uint, assignmentIDs []uint) (models.MigrationStatistics, error) {
	var stats models.MigrationStatistics
	if len(assignmentIDs) == 0 {
		return stats, nil
	}

	type row struct {
		Type   models.LateRequestType
		Status models.LateRequestStatus
		Total  int
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&models.LateRequest{}).
		Select("type, status, COUNT(*) AS total").
		Where("course_id = ? AND assignment_id IN ?", courseID, assignmentIDs).
		Where("status <> ?", models.LateRequestWithdrawn).
		Group("type, status").
		Scan(&rows).Error; err != nil {
		return stats, err
	}

	for _, item := range rows {
		stats.LateRequests += item.Total
		if item.Status == models.LateRequestPending {
			stats.UnapprovedRequests += item.Total
		}
		if item.Status != models.LateRequestApproved {
			continue
		}
		switch item.Type {
		case models.LateRequestExtension:
			stats.Extensions += item.Total
		case models.LateRequestLatePass:
			stats.LatePasses += item.Total
		}
	}
	return stats, nil
}
