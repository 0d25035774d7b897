package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesPipelineCollectors(t *testing.T) {
	StageTransitions().WithLabelValues("LOADED").Inc()
	AwaitOutcomes().WithLabelValues("pending").Inc()

	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `grading_stage_transitions_total{stage="LOADED"}`)
	require.Contains(t, string(body), `grading_await_outcomes_total{outcome="pending"}`)
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "  abc  ")
	require.Equal(t, "abc", CorrelationIDFromContext(ctx))

	unchanged := WithCorrelationID(ctx, " ")
	require.Equal(t, "abc", CorrelationIDFromContext(unchanged))
	require.Empty(t, CorrelationIDFromContext(context.Background()))
}
