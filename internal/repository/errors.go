package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrStageConflict indicates the master migration left the expected stage before the update landed.
	ErrStageConflict = errors.New("stage already advanced")
	// ErrMigrationLocked indicates the migration set can no longer be edited.
	ErrMigrationLocked = errors.New("migration set is locked")
	// ErrMigrationSetChanged indicates migrations or their policies changed while a load was running.
	ErrMigrationSetChanged = errors.New("migration set changed during load")
	// ErrPolicyInUse indicates a policy is still referenced by migrations.
	ErrPolicyInUse = errors.New("policy is referenced by migrations")
	// ErrStatusConflict indicates the record was resolved by another request.
	ErrStatusConflict = errors.New("record status changed concurrently")
	// ErrVersionConflict indicates optimistic retries were exhausted.
	ErrVersionConflict = errors.New("record modified concurrently, retry")
)

// BudgetExceededError reports a late-pass approval that would overrun the course allowance.
type BudgetExceededError struct {
	Used      int
	Requested int
	Allowance int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("late pass budget exceeded: used %d + requested %d > allowed %d", e.Used, e.Requested, e.Allowance)
}
