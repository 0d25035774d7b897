package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// PolicyHandler manages the grading policy catalogue.
type PolicyHandler struct {
	service service.PolicyService
	logger  zerolog.Logger
}

// NewPolicyHandler constructs the handler.
func NewPolicyHandler(policies service.PolicyService, logger zerolog.Logger) *PolicyHandler {
	return &PolicyHandler{
		service: policies,
		logger:  logger.With().Str("component", "policy_handler").Logger(),
	}
}

// Register attaches policy routes to the router group.
func (h *PolicyHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Post("", h.create)
	router.Get("/:id", h.get)
	router.Put("/:id", h.update)
	router.Delete("/:id", h.delete)
}

func (h *PolicyHandler) list(c *fiber.Ctx) error {
	courseID, err := parseQueryUint(c, "course_id")
	if err != nil || courseID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "course_id is required")
	}
	policies, err := h.service.ListByCourse(withRequestContext(c), courseID)
	if err != nil {
		return respondError(c, h.logger, err, "failed to list policies")
	}
	return utils.OK(c, policies, "policies", fiber.Map{"count": len(policies)})
}

func (h *PolicyHandler) create(c *fiber.Ctx) error {
	var payload dto.PolicyCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	policy, err := h.service.Create(withRequestContext(c), payload, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to create policy")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "policy created", policy)
}

func (h *PolicyHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	policy, err := h.service.Get(withRequestContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load policy")
	}
	return utils.SendSuccess(c, "policy", policy)
}

func (h *PolicyHandler) update(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var payload dto.PolicyUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	policy, err := h.service.Update(withRequestContext(c), id, payload, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to update policy")
	}
	return utils.SendSuccess(c, "policy updated", policy)
}

func (h *PolicyHandler) delete(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := h.service.Delete(withRequestContext(c), id, activityActorFromContext(c)); err != nil {
		return respondError(c, h.logger, err, "failed to delete policy")
	}
	return utils.SendSuccess(c, "policy deleted", nil)
}
