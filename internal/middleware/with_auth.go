package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// Auth role constants used by WithAuth and RequireRole.
const (
	AuthRoleAny        = "any"
	AuthRoleInstructor = "instructor"
	AuthRoleStudent    = "student"
	// AuthRoleService is carried by job system tokens reporting task outcomes.
	AuthRoleService = "service"
)

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth guards a single handler. Any role other than AuthRoleAny implies an authenticated caller.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}
	requireUser := opts.RequireUser || role != AuthRoleAny

	var allowed map[string]struct{}
	if role != AuthRoleAny {
		allowed = expandRoles(role)
	}

	return func(c *fiber.Ctx) error {
		if requireUser && c.Locals("user_id") == nil {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if allowed != nil {
			if _, ok := allowed[normalizeRoleValue(c.Locals("user_role"))]; !ok {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
			}
		}
		return handler(c)
	}
}
