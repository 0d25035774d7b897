package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// LateRequestHandler serves extension and late-pass requests for students and instructors.
type LateRequestHandler struct {
	service service.LateRequestService
	logger  zerolog.Logger
}

// NewLateRequestHandler constructs the handler.
func NewLateRequestHandler(requests service.LateRequestService, logger zerolog.Logger) *LateRequestHandler {
	return &LateRequestHandler{
		service: requests,
		logger:  logger.With().Str("component", "late_request_handler").Logger(),
	}
}

// Register attaches late request routes. Students submit and withdraw; instructors resolve.
func (h *LateRequestHandler) Register(router fiber.Router) {
	student := middleware.AuthOptions{Role: middleware.AuthRoleStudent}
	instructor := middleware.AuthOptions{Role: middleware.AuthRoleInstructor}
	anyone := middleware.AuthOptions{Role: middleware.AuthRoleAny, RequireUser: true}

	router.Get("", middleware.WithAuth(h.list, anyone))
	router.Post("", middleware.WithAuth(h.submit, student))
	router.Get("/effective-due", middleware.WithAuth(h.effectiveDue, anyone))
	router.Get("/:id", middleware.WithAuth(h.get, anyone))
	router.Post("/:id/approve", middleware.WithAuth(h.approve, instructor))
	router.Post("/:id/reject", middleware.WithAuth(h.reject, instructor))
	router.Post("/:id/withdraw", middleware.WithAuth(h.withdraw, student))
}

func isStudent(c *fiber.Ctx) bool {
	return strings.EqualFold(strings.TrimSpace(userRoleFromContext(c)), "student")
}

func (h *LateRequestHandler) submit(c *fiber.Ctx) error {
	var payload dto.LateRequestCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	request, err := h.service.Submit(withRequestContext(c), activityActorFromContext(c), payload)
	if err != nil {
		return respondError(c, h.logger, err, "failed to submit late request")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "late request submitted", request)
}

func (h *LateRequestHandler) list(c *fiber.Ctx) error {
	req := dto.LateRequestListRequest{
		Status: strings.ToUpper(strings.TrimSpace(c.Query("status"))),
		Type:   strings.ToUpper(strings.TrimSpace(c.Query("type"))),
	}
	var err error
	if req.CourseID, err = parseQueryUint(c, "course_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid course_id")
	}
	if req.AssignmentID, err = parseQueryUint(c, "assignment_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid assignment_id")
	}
	if req.RequesterID, err = parseQueryUint(c, "requester_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid requester_id")
	}
	// Students only ever see their own requests.
	if isStudent(c) {
		req.RequesterID = userIDFromContext(c)
	}

	requests, err := h.service.List(withRequestContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err, "failed to list late requests")
	}
	return utils.OK(c, requests, "late requests", fiber.Map{"count": len(requests)})
}

func (h *LateRequestHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	request, err := h.service.Get(withRequestContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load late request")
	}
	if isStudent(c) && request.RequesterID != userIDFromContext(c) {
		return utils.SendError(c, fiber.StatusNotFound, service.ErrLateRequestNotFound.Error())
	}
	return utils.SendSuccess(c, "late request", request)
}

func (h *LateRequestHandler) approve(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var payload dto.LateRequestApproveRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}
	request, err := h.service.Approve(withRequestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return respondError(c, h.logger, err, "failed to approve late request")
	}
	return utils.SendSuccess(c, "late request approved", request)
}

func (h *LateRequestHandler) reject(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var payload dto.LateRequestRejectRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	request, err := h.service.Reject(withRequestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return respondError(c, h.logger, err, "failed to reject late request")
	}
	return utils.SendSuccess(c, "late request rejected", request)
}

func (h *LateRequestHandler) withdraw(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	request, err := h.service.Withdraw(withRequestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to withdraw late request")
	}
	return utils.SendSuccess(c, "late request withdrawn", request)
}

func (h *LateRequestHandler) effectiveDue(c *fiber.Ctx) error {
	assignmentID, err := parseQueryUint(c, "assignment_id")
	if err != nil || assignmentID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "assignment_id is required")
	}
	studentID, err := parseQueryUint(c, "student_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid student_id")
	}
	if isStudent(c) || studentID == 0 {
		studentID = userIDFromContext(c)
	}

	due, err := h.service.EffectiveDueDate(withRequestContext(c), assignmentID, studentID)
	if err != nil {
		return respondError(c, h.logger, err, "failed to compute effective due date")
	}
	return utils.SendSuccess(c, "effective due date", due)
}
