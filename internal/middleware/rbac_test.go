package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestRequireRoleGuardsInstructorRoutes(t *testing.T) {
	cases := []struct {
		role   interface{}
		status int
	}{
		{role: "teacher", status: fiber.StatusOK},
		{role: " Admin ", status: fiber.StatusOK},
		{role: "student", status: fiber.StatusForbidden},
		{role: "service", status: fiber.StatusForbidden},
		{role: nil, status: fiber.StatusForbidden},
	}

	for _, tc := range cases {
		app := fiber.New()
		role := tc.role
		app.Use(func(c *fiber.Ctx) error {
			if role != nil {
				c.Locals("user_role", role)
			}
			return c.Next()
		})
		app.Use(RequireRole("admin", "teacher"))
		app.Post("/master-migrations", func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/master-migrations", nil))
		require.NoError(t, err)
		require.Equal(t, tc.status, resp.StatusCode, "role %v", tc.role)
	}
}
