package models

// Stage is a step of the master migration pipeline.
type Stage string

const (
	StageCreated         Stage = "CREATED"
	StageLoadValidating  Stage = "LOAD_VALIDATING"
	StageLoaded          Stage = "LOADED"
	StageApplyValidating Stage = "APPLY_VALIDATING"
	StageApplying        Stage = "APPLYING"
	StageAwaitingReview  Stage = "AWAITING_REVIEW"
	StagePosting         Stage = "POSTING"
	StageFinalized       Stage = "FINALIZED"
)

var stageOrder = []Stage{
	StageCreated,
	StageLoadValidating,
	StageLoaded,
	StageApplyValidating,
	StageApplying,
	StageAwaitingReview,
	StagePosting,
	StageFinalized,
}

// Stages returns the pipeline stages in order.
func Stages() []Stage {
	return append([]Stage(nil), stageOrder...)
}

// Index reports the position of the stage in the pipeline, or -1 when unknown.
func (s Stage) Index() int {
	for idx, candidate := range stageOrder {
		if candidate == s {
			return idx
		}
	}
	return -1
}

// Valid reports whether the stage is part of the pipeline.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage that directly follows s.
func (s Stage) Next() (Stage, bool) {
	idx := s.Index()
	if idx < 0 || idx+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[idx+1], true
}

// CanAdvanceTo reports whether target is exactly one step ahead of s.
func (s Stage) CanAdvanceTo(target Stage) bool {
	next, ok := s.Next()
	return ok && next == target
}

// AtLeast reports whether s has reached or passed other.
func (s Stage) AtLeast(other Stage) bool {
	return s.Index() >= other.Index() && other.Valid()
}

// Editable reports whether the migration set may still change.
func (s Stage) Editable() bool {
	return s == StageCreated || s == StageLoadValidating
}

// Terminal reports whether the pipeline is finished.
func (s Stage) Terminal() bool {
	return s == StageFinalized
}
