package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/noah-isme/gema-grading-api/internal/observability"
)

const (
	// HeaderCorrelationID is echoed on every response and forwarded to dispatched jobs.
	HeaderCorrelationID = "X-Correlation-ID"
	headerRequestID     = "X-Request-ID"
	correlationLocal    = "correlation_id"
)

// CorrelationID tags each request with an id taken from the caller or freshly generated.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(HeaderCorrelationID))
		if id == "" {
			id = strings.TrimSpace(c.Get(headerRequestID))
		}
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(correlationLocal, id)
		c.Set(HeaderCorrelationID, id)
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))

		return c.Next()
	}
}

// GetCorrelationID returns the id bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(correlationLocal).(string); ok && id != "" {
		return id
	}
	return observability.CorrelationIDFromContext(c.UserContext())
}

func CorrelationIDFromContext(ctx context.Context) string {
	return observability.CorrelationIDFromContext(ctx)
}

func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	return observability.WithCorrelationID(ctx, correlationID)
}
