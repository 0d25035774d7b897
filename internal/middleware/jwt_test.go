package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "grading-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newJWTApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user_id": c.Locals("user_id"), "role": c.Locals("user_role")})
	})
	return app
}

func callWithToken(t *testing.T, app *fiber.App, header string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestJWTProtectedAcceptsValidTokens(t *testing.T) {
	app := newJWTApp()

	instructor := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "12",
		"role": "Teacher",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	require.Equal(t, fiber.StatusOK, callWithToken(t, app, "Bearer "+instructor))

	service := signToken(t, jwt.SigningMethodHS512, jwt.MapClaims{"sub": "job-runner", "roles": []string{"service"}})
	require.Equal(t, fiber.StatusOK, callWithToken(t, app, "bearer "+service))
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	app := newJWTApp()

	expired := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": 3, "exp": time.Now().Add(-time.Hour).Unix()})
	anonymous := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"role": "student"})

	for name, header := range map[string]string{
		"missing":   "",
		"scheme":    "Basic abc",
		"empty":     "Bearer ",
		"garbage":   "Bearer not-a-token",
		"expired":   "Bearer " + expired,
		"anonymous": "Bearer " + anonymous,
	} {
		require.Equal(t, fiber.StatusUnauthorized, callWithToken(t, app, header), name)
	}
}

func TestIdentityFromClaims(t *testing.T) {
	identity, err := IdentityFromClaims(jwt.MapClaims{"user_id": float64(9), "roles": []interface{}{"", "ADMIN"}})
	require.NoError(t, err)
	require.Equal(t, Identity{UserID: 9, Role: "admin"}, identity)

	_, err = IdentityFromClaims(jwt.MapClaims{"sub": float64(1.5)})
	require.Error(t, err)
}
