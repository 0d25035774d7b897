package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/jobs"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// TaskHandler exposes the task ledger: status lookups, server-side waits and
// the HTTP callback used by job systems that cannot publish to NATS.
type TaskHandler struct {
	ledger  service.TaskLedger
	polling service.PollOptions
	logger  zerolog.Logger
}

// NewTaskHandler constructs the handler.
func NewTaskHandler(ledger service.TaskLedger, polling service.PollOptions, logger zerolog.Logger) *TaskHandler {
	return &TaskHandler{
		ledger:  ledger,
		polling: polling,
		logger:  logger.With().Str("component", "task_handler").Logger(),
	}
}

// Register attaches task routes. Static paths precede /:id.
func (h *TaskHandler) Register(router fiber.Router) {
	instructor := middleware.AuthOptions{Role: middleware.AuthRoleInstructor}

	router.Get("/await", middleware.WithAuth(h.await, instructor))
	router.Post("/status", middleware.WithAuth(h.report, middleware.AuthOptions{Role: middleware.AuthRoleService}))
	router.Get("/:id", middleware.WithAuth(h.get, instructor))
}

func (h *TaskHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	task, err := h.ledger.Get(withRequestContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load task")
	}
	return utils.SendSuccess(c, "task", dto.NewTaskResponse(task))
}

func (h *TaskHandler) await(c *fiber.Ctx) error {
	ids, err := parseQueryIDs(c, "ids")
	if err != nil || len(ids) == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "ids are required")
	}
	maxWait, err := parseQueryDuration(c, "max_wait")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid max_wait")
	}
	opts := h.polling
	if maxWait > 0 && (opts.MaxWait == 0 || maxWait < opts.MaxWait) {
		opts.MaxWait = maxWait
	}

	result, err := h.ledger.AwaitAll(withRequestContext(c), ids, opts)
	if err != nil {
		return respondError(c, h.logger, err, "failed to await tasks")
	}
	return utils.OK(c, dto.TaskAwaitResponse{
		Outcome:   result.Outcome,
		Completed: dto.NewTaskResponses(result.Completed),
		Failed:    dto.NewTaskResponses(result.Failed),
		Pending:   dto.NewTaskResponses(result.Pending),
	}, "tasks "+result.Outcome, fiber.Map{"max_wait": opts.MaxWait.String()})
}

func (h *TaskHandler) report(c *fiber.Ctx) error {
	report, err := jobs.DecodeStatusReport(c.Body())
	if err != nil {
		return utils.Fail(c, fiber.StatusUnprocessableEntity, "invalid status report", fiber.Map{"error": err.Error()})
	}
	task, err := h.ledger.Report(withRequestContext(c), report)
	if err != nil {
		return respondError(c, h.logger, err, "failed to record status report")
	}
	return utils.SendSuccess(c, "status recorded", dto.NewTaskResponse(task))
}
