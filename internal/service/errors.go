package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

var (
	ErrMasterMigrationNotFound = errors.New("master migration not found")
	ErrMigrationNotFound       = errors.New("migration not found")
	ErrCourseNotFound          = errors.New("course not found")
	ErrAssignmentNotFound      = errors.New("assignment not found")
	ErrPolicyNotFound          = errors.New("policy not found")
	ErrTaskNotFound            = errors.New("task not found")
	ErrScoreNotFound           = errors.New("score not found")
	ErrLateRequestNotFound     = errors.New("late request not found")

	// ErrStageConflict is returned to the loser of a concurrent stage transition.
	ErrStageConflict = repository.ErrStageConflict
	// ErrMigrationLocked is returned when the migration set is edited after load.
	ErrMigrationLocked = repository.ErrMigrationLocked
	// ErrPolicyInUse is returned when deleting a referenced policy.
	ErrPolicyInUse = repository.ErrPolicyInUse

	ErrActiveMigrationExists = errors.New("course already has an active master migration")
	ErrInvalidStage          = errors.New("operation not allowed in the current stage")
	ErrTasksPending          = errors.New("tasks are still pending")
	ErrNothingToRetry        = errors.New("no failed tasks to retry")
	ErrPolicyLocked          = errors.New("policy is in use by a loaded migration")
	ErrLateRequestResolved   = errors.New("late request already resolved")
	ErrNotRequester          = errors.New("only the requester may withdraw a late request")
	ErrNotEnrolled           = errors.New("student is not enrolled in the course")
	ErrUnsupportedFile       = errors.New("unsupported file type")
)

// FieldError is one failed check of a stage gate or payload.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every failed check. It never changes pipeline state.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+": "+field.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: fields}
}

// validationFromStruct converts validator output into a ValidationError.
func validationFromStruct(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}
	fields := make([]FieldError, 0, len(errs))
	for _, fieldErr := range errs {
		reason := fieldErr.Tag()
		if fieldErr.Param() != "" {
			reason += "=" + fieldErr.Param()
		}
		fields = append(fields, FieldError{Field: toSnake(fieldErr.Field()), Reason: reason})
	}
	return &ValidationError{Fields: fields}
}

func toSnake(name string) string {
	var builder strings.Builder
	for idx, r := range name {
		if r >= 'A' && r <= 'Z' {
			if idx > 0 {
				builder.WriteByte('_')
			}
			builder.WriteRune(r + ('a' - 'A'))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

// CapacityError rejects a late-pass approval that would exceed the course allowance.
type CapacityError struct {
	Used      int
	Requested int
	Allowance int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("late pass allowance exceeded: %d used + %d requested > %d allowed", e.Used, e.Requested, e.Allowance)
}

// TaskFailure surfaces a FAILED task that halts the pipeline until the stage operation is retried.
type TaskFailure struct {
	TaskID      uint
	MigrationID uint
	Kind        models.TaskKind
	Message     string
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("%s task %d failed: %s", e.Kind, e.TaskID, e.Message)
}

// StageError reports an operation attempted outside the stages that permit it.
type StageError struct {
	Current  models.Stage
	Required []models.Stage
}

func (e *StageError) Error() string {
	required := make([]string, 0, len(e.Required))
	for _, stage := range e.Required {
		required = append(required, string(stage))
	}
	return fmt.Sprintf("master migration is %s; operation requires %s", e.Current, strings.Join(required, " or "))
}

func (e *StageError) Is(target error) bool {
	return target == ErrInvalidStage
}

func requireStage(master models.MasterMigration, allowed ...models.Stage) error {
	for _, stage := range allowed {
		if master.Stage == stage {
			return nil
		}
	}
	return &StageError{Current: master.Stage, Required: allowed}
}
