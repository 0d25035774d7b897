package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/handler"
)

func TestHealthCheckReportsDependencies(t *testing.T) {
	cfg := config.Config{AppName: "gema-grading", AppEnv: "test"}

	healthy := fiber.New()
	healthy.Get("/health", handler.HealthCheck(cfg, map[string]handler.DependencyCheck{
		"database": func(context.Context) error { return nil },
	}))
	resp, body := doJSON(t, healthy, http.MethodGet, "/health", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, body.Success)

	degraded := fiber.New()
	degraded.Get("/health", handler.HealthCheck(cfg, map[string]handler.DependencyCheck{
		"database": func(context.Context) error { return nil },
		"nats":     func(context.Context) error { return errors.New("RECONNECTING") },
	}))
	resp, body = doJSON(t, degraded, http.MethodGet, "/health", nil)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	require.False(t, body.Success)

	var payload handler.HealthResponse
	require.NoError(t, json.Unmarshal(body.Data, &payload))
	require.Equal(t, "degraded", payload.Status)
	require.Equal(t, "ok", payload.Dependencies["database"])
	require.Equal(t, "RECONNECTING", payload.Dependencies["nats"])
}
