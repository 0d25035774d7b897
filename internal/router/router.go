package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

// GradingPrefix is the base path of the grading pipeline API.
const GradingPrefix = "/api/v2/grading"

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	MasterMigrationHandler *handler.MasterMigrationHandler
	ScoreHandler           *handler.ScoreHandler
	TaskHandler            *handler.TaskHandler
	PolicyHandler          *handler.PolicyHandler
	LateRequestHandler     *handler.LateRequestHandler
	ActivityHandler        *handler.ActivityHandler
	HealthChecks           map[string]handler.DependencyCheck
	JWTMiddleware          fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	grading := app.Group(GradingPrefix, jwtMiddleware)
	instructor := middleware.RequireRole(middleware.AuthRoleInstructor)

	if deps.MasterMigrationHandler != nil {
		masters := grading.Group("/master-migrations", instructor)
		deps.MasterMigrationHandler.
			WithImportLimiter(middleware.RateLimit("raw-score-import", cfg.ImportRateLimit, rateWindow(cfg))).
			Register(masters)
	}

	if deps.ScoreHandler != nil {
		deps.ScoreHandler.Register(grading.Group("/migrations", instructor))
	}

	// Task routes serve both instructors and job system callbacks; the
	// handler guards the callback itself.
	if deps.TaskHandler != nil {
		deps.TaskHandler.Register(grading.Group("/tasks"))
	}

	if deps.PolicyHandler != nil {
		deps.PolicyHandler.Register(grading.Group("/policies", instructor))
	}

	if deps.LateRequestHandler != nil {
		deps.LateRequestHandler.Register(grading.Group("/late-requests"))
	}

	if deps.ActivityHandler != nil {
		deps.ActivityHandler.Register(grading.Group("/activity", instructor))
	}
}

func rateWindow(cfg config.Config) time.Duration {
	if cfg.ImportRateWindow <= 0 {
		return time.Minute
	}
	return cfg.ImportRateWindow
}
