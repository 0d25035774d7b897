package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/observability"
)

// Observability records request metrics and one structured log line per request under prefix.
// Await routes hold the connection on purpose, so their latency is logged at debug level.
func Observability(prefix string, logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if !strings.HasPrefix(c.Path(), prefix) {
			return err
		}

		duration := time.Since(start)
		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()
		statusLabel := strconv.Itoa(status)

		observability.Requests().WithLabelValues(method, route, statusLabel).Inc()
		observability.Latency().WithLabelValues(method, route).Observe(duration.Seconds())
		if status >= fiber.StatusBadRequest {
			observability.Errors().WithLabelValues(method, route, statusLabel).Inc()
		}

		entry := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Float64("latency_ms", float64(duration)/float64(time.Millisecond)).
			Str("latency_bucket", latencyBucket(duration)).
			Interface("user_id", c.Locals("user_id")).
			Logger()

		switch {
		case status >= fiber.StatusInternalServerError:
			entry.Error().Msg("grading request failed")
		case status == fiber.StatusConflict:
			entry.Info().Msg("grading request rejected by stage guard")
		case status >= fiber.StatusBadRequest:
			entry.Warn().Msg("grading request completed with client error")
		case strings.HasSuffix(route, "/await"):
			entry.Debug().Msg("grading await completed")
		default:
			entry.Info().Msg("grading request completed")
		}

		return err
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if r := c.Route(); r != nil && r.Path != "" {
		return r.Path
	}
	return c.Path()
}

func latencyBucket(duration time.Duration) string {
	bounds := []struct {
		limit time.Duration
		label string
	}{
		{50 * time.Millisecond, "<=50ms"},
		{250 * time.Millisecond, "<=250ms"},
		{time.Second, "<=1s"},
		{5 * time.Second, "<=5s"},
		{30 * time.Second, "<=30s"},
	}
	for _, b := range bounds {
		if duration <= b.limit {
			return b.label
		}
	}
	return ">30s"
}
