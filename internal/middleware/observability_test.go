package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLatencyBucket(t *testing.T) {
	require.Equal(t, "<=50ms", latencyBucket(10*time.Millisecond))
	require.Equal(t, "<=1s", latencyBucket(600*time.Millisecond))
	require.Equal(t, "<=30s", latencyBucket(29*time.Second))
	require.Equal(t, ">30s", latencyBucket(time.Minute))
}

func TestObservabilityLogsOnlyPrefixedRoutes(t *testing.T) {
	var buf bytes.Buffer
	app := fiber.New()
	app.Use(CorrelationID())
	app.Use(Observability("/api/v2/grading", zerolog.New(&buf)))
	app.Post("/api/v2/grading/master-migrations/:id/load", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusConflict)
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	_, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Zero(t, buf.Len())

	_, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v2/grading/master-migrations/4/load", nil))
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"route":"/api/v2/grading/master-migrations/:id/load"`)
	require.Contains(t, buf.String(), "rejected by stage guard")
}
