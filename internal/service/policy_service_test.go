package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
)

func strPtr(value string) *string {
	return &value
}

func TestPolicyCreateValidatesWithRunner(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	created, err := f.policies.Create(ctx, dto.PolicyCreateRequest{
		CourseID: f.course.ID,
		Name:     "<b>Curve</b> to 90",
		Runtime:  models.PolicyRuntimeBuiltin,
		Builtin:  "clamp",
		Params:   map[string]interface{}{"min": 0.0, "max": 90.0},
	}, instructor)
	require.NoError(t, err)
	require.Equal(t, "Curve to 90", created.Name)
	require.Equal(t, 1, created.Version)
	require.True(t, created.Deletable)

	_, err = f.policies.Create(ctx, dto.PolicyCreateRequest{
		CourseID: f.course.ID,
		Name:     "broken",
		Runtime:  models.PolicyRuntimeBuiltin,
		Builtin:  "does-not-exist",
	}, instructor)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "policy", validationErr.Fields[0].Field)

	_, err = f.policies.Create(ctx, dto.PolicyCreateRequest{CourseID: 9999, Name: "orphan", Runtime: models.PolicyRuntimeBuiltin, Builtin: "identity"}, instructor)
	require.ErrorIs(t, err, ErrCourseNotFound)

	list, err := f.policies.ListByCourse(ctx, f.course.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestPolicyUpdateBumpsVersion(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	updated, err := f.policies.Update(ctx, f.policy.ID, dto.PolicyUpdateRequest{
		Builtin: strPtr("scale"),
		Params:  map[string]interface{}{"factor": 1.1},
	}, instructor)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)
	require.Equal(t, "scale", updated.Builtin)

	_, err = f.policies.Update(ctx, f.policy.ID, dto.PolicyUpdateRequest{
		Builtin: strPtr("clamp"),
		Params:  map[string]interface{}{"min": 50.0, "max": 10.0},
	}, instructor)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	unchanged, err := f.policies.Get(ctx, f.policy.ID)
	require.NoError(t, err)
	require.Equal(t, 2, unchanged.Version)
}

func TestPolicyLockedOnceMigrationLoaded(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.loaded(t)

	_, err := f.policies.Update(ctx, f.policy.ID, dto.PolicyUpdateRequest{Name: strPtr("renamed")}, instructor)
	require.ErrorIs(t, err, ErrPolicyLocked)

	err = f.policies.Delete(ctx, f.policy.ID, instructor)
	require.ErrorIs(t, err, ErrPolicyInUse)

	current, err := f.policies.Get(ctx, f.policy.ID)
	require.NoError(t, err)
	require.Equal(t, 1, current.UsageCount)
	require.False(t, current.Deletable)
}

func TestPolicyDeleteWhenUnused(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.policies.Delete(ctx, f.policy.ID, instructor))
	_, err := f.policies.Get(ctx, f.policy.ID)
	require.ErrorIs(t, err, ErrPolicyNotFound)
	require.ErrorIs(t, f.policies.Delete(ctx, f.policy.ID, instructor), ErrPolicyNotFound)
}
