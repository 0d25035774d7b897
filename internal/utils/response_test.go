package utils_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/utils"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func call(t *testing.T, handler fiber.Handler) (int, envelope) {
	t.Helper()
	app := fiber.New()
	app.Get("/", handler)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestOKCarriesPollingMeta(t *testing.T) {
	status, body := call(t, func(c *fiber.Ctx) error {
		return utils.OK(c, []int{4, 5}, "", fiber.Map{"max_wait": "30s"})
	})

	require.Equal(t, fiber.StatusOK, status)
	require.True(t, body.Success)
	require.Equal(t, "success", body.Message)
	require.JSONEq(t, `[4,5]`, string(body.Data))
	require.JSONEq(t, `{"max_wait":"30s"}`, string(body.Meta))
	require.Empty(t, body.Details)
}

func TestSendSuccessWithStatusDefaults(t *testing.T) {
	status, body := call(t, func(c *fiber.Ctx) error {
		return utils.SendSuccessWithStatus(c, 0, "", fiber.Map{"id": 1})
	})

	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "success", body.Message)
	require.Empty(t, body.Meta)
}

func TestFailCarriesFieldErrors(t *testing.T) {
	status, body := call(t, func(c *fiber.Ctx) error {
		return utils.Fail(c, fiber.StatusUnprocessableEntity, "", []fiber.Map{{"field": "policy_id", "reason": "required"}})
	})

	require.Equal(t, fiber.StatusUnprocessableEntity, status)
	require.False(t, body.Success)
	require.Equal(t, "error", body.Message)
	require.JSONEq(t, `[{"field":"policy_id","reason":"required"}]`, string(body.Details))
	require.Empty(t, body.Data)
}

func TestSendErrorOmitsDetails(t *testing.T) {
	status, body := call(t, func(c *fiber.Ctx) error {
		return utils.SendError(c, fiber.StatusConflict, "stage already advanced")
	})

	require.Equal(t, fiber.StatusConflict, status)
	require.Equal(t, "stage already advanced", body.Message)
	require.Empty(t, body.Details)
}
