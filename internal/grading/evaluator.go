// Package grading turns a raw score plus lateness metadata into a computed score and classification.
package grading

import (
	"fmt"
	"math"
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

const day = 24 * time.Hour

// PolicyFunc scores a raw value. Late penalties, if any, live inside the policy.
type PolicyFunc func(raw float64) (float64, error)

// Input is one student's row as seen by the evaluator.
type Input struct {
	RawScore      *float64
	Excused       bool
	OriginalDue   time.Time
	ExtensionDays int
	LatePassDays  int
	SubmittedAt   *time.Time
}

// Result is the evaluator output for one row.
type Result struct {
	ComputedScore *float64
	Status        models.SubmissionStatus
	DaysLate      int
	Comment       string
	PolicyErr     error
}

// EffectiveDue adds approved extension and late-pass days to the original deadline.
func EffectiveDue(original time.Time, extensionDays, latePassDays int) time.Time {
	return original.Add(time.Duration(extensionDays+latePassDays) * day)
}

// DaysLate counts started days past the deadline, never negative.
func DaysLate(due, submitted time.Time) int {
	if !submitted.After(due) {
		return 0
	}
	return int(math.Ceil(float64(submitted.Sub(due)) / float64(day)))
}

// Classify resolves the submission status and days late for a row that has a raw score.
// Submissions after the effective due date are late. A submission that only the late-pass days
// cover is extended with zero days late. Anything within the original deadline plus approved
// extensions is on time.
func Classify(in Input) (models.SubmissionStatus, int) {
	if in.SubmittedAt == nil {
		return models.SubmissionOnTime, 0
	}
	submitted := *in.SubmittedAt
	effective := EffectiveDue(in.OriginalDue, in.ExtensionDays, in.LatePassDays)
	late := DaysLate(effective, submitted)
	if late > 0 {
		return models.SubmissionLate, late
	}
	if in.LatePassDays > 0 && submitted.After(EffectiveDue(in.OriginalDue, in.ExtensionDays, 0)) {
		return models.SubmissionExtended, 0
	}
	return models.SubmissionOnTime, 0
}

// Evaluate classifies the row and runs the policy. A failing policy is contained in the result.
func Evaluate(in Input, policy PolicyFunc) Result {
	if in.RawScore == nil {
		if in.Excused {
			return Result{Status: models.SubmissionExcused}
		}
		return Result{ComputedScore: zero(), Status: models.SubmissionMissing}
	}

	status, daysLate := Classify(in)

	if policy == nil {
		return policyFailure(fmt.Errorf("no policy assigned"))
	}
	computed, err := safeCall(policy, *in.RawScore)
	if err != nil {
		return policyFailure(err)
	}
	if math.IsNaN(computed) || math.IsInf(computed, 0) {
		return policyFailure(fmt.Errorf("policy returned non-finite value %v", computed))
	}

	return Result{ComputedScore: &computed, Status: status, DaysLate: daysLate}
}

func policyFailure(err error) Result {
	return Result{
		ComputedScore: zero(),
		Status:        models.SubmissionMissing,
		Comment:       "policy error: " + err.Error(),
		PolicyErr:     err,
	}
}

func safeCall(policy PolicyFunc, raw float64) (value float64, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("policy panicked: %v", recovered)
		}
	}()
	return policy(raw)
}

func zero() *float64 {
	value := 0.0
	return &value
}
