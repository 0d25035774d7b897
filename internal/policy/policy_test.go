package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/pkg/docker"
)

type sandboxStub struct {
	result docker.RunResult
	err    error
	calls  int
	last   docker.RunRequest
}

func (s *sandboxStub) Run(_ context.Context, req docker.RunRequest) (docker.RunResult, error) {
	s.calls++
	s.last = req
	return s.result, s.err
}

func TestBuiltinRunnerScalesAndClamps(t *testing.T) {
	runner := NewBuiltinRunner()

	scalePolicy := models.Policy{Runtime: models.PolicyRuntimeBuiltin, Builtin: "scale", Params: datatypes.JSONMap{"factor": 1.1, "offset": 2.0}}
	outcomes, err := runner.Score(context.Background(), scalePolicy, []float64{10, 50})
	require.NoError(t, err)
	require.InDelta(t, 13.0, outcomes[0].Value, 0.0001)
	require.InDelta(t, 57.0, outcomes[1].Value, 0.0001)

	clampPolicy := models.Policy{Runtime: models.PolicyRuntimeBuiltin, Builtin: "clamp", Params: datatypes.JSONMap{"min": 0.0, "max": 100.0}}
	outcomes, err = runner.Score(context.Background(), clampPolicy, []float64{-5, 120, 80})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 100, 80}, []float64{outcomes[0].Value, outcomes[1].Value, outcomes[2].Value})
}

func TestBuiltinRunnerValidateRejectsBadParams(t *testing.T) {
	runner := NewBuiltinRunner()

	require.ErrorIs(t, runner.Validate(models.Policy{Builtin: "nope"}), ErrUnknownBuiltin)
	require.Error(t, runner.Validate(models.Policy{Builtin: "percent", Params: datatypes.JSONMap{"max_score": 0.0}}))
	require.Error(t, runner.Validate(models.Policy{Builtin: "scale", Params: datatypes.JSONMap{"factor": "double"}}))
	require.NoError(t, runner.Validate(models.Policy{Builtin: "identity"}))
}

func TestDispatcherRoutesByRuntime(t *testing.T) {
	dispatcher := NewDispatcher(map[string]Runner{models.PolicyRuntimeBuiltin: NewBuiltinRunner()})

	outcomes, err := dispatcher.Score(context.Background(), models.Policy{Runtime: models.PolicyRuntimeBuiltin, Builtin: "identity"}, []float64{7})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.InDelta(t, 7.0, outcomes[0].Value, 0.0001)

	_, err = dispatcher.Score(context.Background(), models.Policy{Runtime: models.PolicyRuntimeJavaScript}, []float64{7})
	require.ErrorIs(t, err, ErrUnknownRuntime)
}

func TestJavaScriptRunnerDecodesPerRowErrors(t *testing.T) {
	sandbox := &sandboxStub{result: docker.RunResult{Stdout: `{"results":[{"value":91.5},{"error":"raw too low"}]}`}}
	runner := NewJavaScriptRunner(sandbox, "/workspace", JavaScriptConfig{WorkspaceRoot: t.TempDir()}, zerolog.Nop())

	policy := models.Policy{ID: 4, Runtime: models.PolicyRuntimeJavaScript, Source: "function score(raw) { if (raw < 10) throw new Error('raw too low'); return raw + 1.5; }"}
	outcomes, err := runner.Score(context.Background(), policy, []float64{90, 5})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.NoError(t, outcomes[0].Err)
	require.InDelta(t, 91.5, outcomes[0].Value, 0.0001)
	require.EqualError(t, outcomes[1].Err, "raw too low")

	require.Equal(t, 1, sandbox.calls)
	require.Equal(t, "node:20-alpine", sandbox.last.Image)
	require.True(t, strings.HasSuffix(sandbox.last.Cmd[1], "harness.js"))
}

func TestJavaScriptRunnerFatalErrorFailsEveryRow(t *testing.T) {
	sandbox := &sandboxStub{result: docker.RunResult{Stdout: `{"fatal":"Unexpected token"}`}}
	runner := NewJavaScriptRunner(sandbox, "", JavaScriptConfig{WorkspaceRoot: t.TempDir()}, zerolog.Nop())

	outcomes, err := runner.Score(context.Background(), models.Policy{Runtime: models.PolicyRuntimeJavaScript, Source: "function score(raw) {"}, []float64{1, 2})
	require.NoError(t, err)
	for _, outcome := range outcomes {
		require.EqualError(t, outcome.Err, "Unexpected token")
	}
}

func TestJavaScriptRunnerTimeoutIsRowLevel(t *testing.T) {
	sandbox := &sandboxStub{err: docker.ErrTimeout}
	runner := NewJavaScriptRunner(sandbox, "", JavaScriptConfig{WorkspaceRoot: t.TempDir()}, zerolog.Nop())

	outcomes, err := runner.Score(context.Background(), models.Policy{Runtime: models.PolicyRuntimeJavaScript, Source: "function score(raw) { while (true) {} }"}, []float64{1})
	require.NoError(t, err)
	require.ErrorIs(t, outcomes[0].Err, docker.ErrTimeout)
}

func TestJavaScriptRunnerInfrastructureErrorFailsBatch(t *testing.T) {
	sandbox := &sandboxStub{err: errors.New("docker daemon unavailable")}
	runner := NewJavaScriptRunner(sandbox, "", JavaScriptConfig{WorkspaceRoot: t.TempDir()}, zerolog.Nop())

	_, err := runner.Score(context.Background(), models.Policy{Runtime: models.PolicyRuntimeJavaScript, Source: "function score(raw) { return raw; }"}, []float64{1})
	require.Error(t, err)
}
