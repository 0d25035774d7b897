package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// ScoreHandler exposes per-student score inspection and overrides during review.
type ScoreHandler struct {
	service service.ReviewService
	logger  zerolog.Logger
}

// NewScoreHandler constructs the handler.
func NewScoreHandler(reviews service.ReviewService, logger zerolog.Logger) *ScoreHandler {
	return &ScoreHandler{
		service: reviews,
		logger:  logger.With().Str("component", "score_handler").Logger(),
	}
}

// Register attaches score routes under /migrations.
func (h *ScoreHandler) Register(router fiber.Router) {
	router.Get("/:migrationID/scores/:studentID", h.current)
	router.Get("/:migrationID/scores/:studentID/overrides", h.history)
	router.Post("/:migrationID/scores/:studentID/overrides", h.override)
}

func (h *ScoreHandler) ids(c *fiber.Ctx) (uint, uint, error) {
	migrationID, err := parseUintParam(c, "migrationID")
	if err != nil {
		return 0, 0, err
	}
	studentID, err := parseUintParam(c, "studentID")
	if err != nil {
		return 0, 0, err
	}
	return migrationID, studentID, nil
}

func (h *ScoreHandler) current(c *fiber.Ctx) error {
	migrationID, studentID, err := h.ids(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	score, err := h.service.CurrentScore(withRequestContext(c), migrationID, studentID)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load score")
	}
	return utils.SendSuccess(c, "score", score)
}

func (h *ScoreHandler) history(c *fiber.Ctx) error {
	migrationID, studentID, err := h.ids(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	history, err := h.service.History(withRequestContext(c), migrationID, studentID)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load override history")
	}
	return utils.OK(c, history, "override history", fiber.Map{"count": len(history)})
}

func (h *ScoreHandler) override(c *fiber.Ctx) error {
	migrationID, studentID, err := h.ids(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var payload dto.ScoreOverrideRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	override, err := h.service.RecordOverride(withRequestContext(c), migrationID, studentID, payload, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to record override")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "override recorded", override)
}
