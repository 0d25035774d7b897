package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// roleGroups expands the aliases accepted by RequireRole and WithAuth into concrete token roles.
var roleGroups = map[string][]string{
	AuthRoleInstructor: {"admin", "teacher"},
	AuthRoleService:    {"service", "system"},
	AuthRoleStudent:    {"student"},
}

func expandRoles(roles ...string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized == "" {
			continue
		}
		if members, ok := roleGroups[normalized]; ok {
			for _, member := range members {
				allowed[member] = struct{}{}
			}
			continue
		}
		allowed[normalized] = struct{}{}
	}
	return allowed
}

// RequireRole rejects callers whose token role is not among roles. Group aliases such as "instructor" are expanded.
func RequireRole(roles ...string) fiber.Handler {
	allowed := expandRoles(roles...)
	return func(c *fiber.Ctx) error {
		if _, ok := allowed[normalizeRoleValue(c.Locals("user_role"))]; !ok {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
		}
		return c.Next()
	}
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(value)))
	}
}
