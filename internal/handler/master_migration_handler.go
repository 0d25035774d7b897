package handler

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// MasterMigrationHandler exposes the grading pipeline stages.
type MasterMigrationHandler struct {
	service       service.MigrationService
	imports       service.ScoreImportService
	reviews       service.ReviewService
	polling       service.PollOptions
	importLimiter fiber.Handler
	logger        zerolog.Logger
}

// NewMasterMigrationHandler constructs the handler. polling holds the server-side wait defaults.
func NewMasterMigrationHandler(migrations service.MigrationService, imports service.ScoreImportService, reviews service.ReviewService, polling service.PollOptions, logger zerolog.Logger) *MasterMigrationHandler {
	return &MasterMigrationHandler{
		service: migrations,
		imports: imports,
		reviews: reviews,
		polling: polling,
		importLimiter: func(c *fiber.Ctx) error {
			return c.Next()
		},
		logger: logger.With().Str("component", "master_migration_handler").Logger(),
	}
}

// WithImportLimiter throttles raw score uploads.
func (h *MasterMigrationHandler) WithImportLimiter(limiter fiber.Handler) *MasterMigrationHandler {
	if limiter != nil {
		h.importLimiter = limiter
	}
	return h
}

// Register attaches master migration routes to the router group.
func (h *MasterMigrationHandler) Register(router fiber.Router) {
	router.Post("", h.create)
	router.Get("/:id", h.get)
	router.Post("/:id/migrations", h.addMigration)
	router.Patch("/:id/migrations/:migrationID", h.reassignPolicy)
	router.Delete("/:id/migrations/:migrationID", h.removeMigration)
	router.Patch("/:id/migrations/:migrationID/scores/:studentID/determination", h.determination)
	router.Post("/:id/raw-scores", func(c *fiber.Ctx) error { return h.importLimiter(c) }, h.importScores)
	router.Post("/:id/load-validate", h.loadValidate)
	router.Post("/:id/load", h.load)
	router.Post("/:id/apply-validate", h.applyValidate)
	router.Post("/:id/apply", h.apply)
	router.Get("/:id/review", h.review)
	router.Post("/:id/review-complete", h.reviewComplete)
	router.Post("/:id/post", h.post)
	router.Post("/:id/finalize", h.finalize)
	router.Get("/:id/await", h.await)
}

func (h *MasterMigrationHandler) create(c *fiber.Ctx) error {
	var payload dto.MasterMigrationCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	master, err := h.service.Create(withRequestContext(c), payload, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to create master migration")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "master migration created", master)
}

func (h *MasterMigrationHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	master, err := h.service.Get(withRequestContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load master migration")
	}
	return utils.SendSuccess(c, "master migration", master)
}

func (h *MasterMigrationHandler) addMigration(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var payload dto.MigrationAddRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	migration, err := h.service.AddMigration(withRequestContext(c), id, payload, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to add migration")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "migration added", migration)
}

func (h *MasterMigrationHandler) reassignPolicy(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	migrationID, err := parseUintParam(c, "migrationID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var payload dto.MigrationPolicyRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	migration, err := h.service.ReassignPolicy(withRequestContext(c), id, migrationID, payload, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to update migration")
	}
	return utils.SendSuccess(c, "migration updated", migration)
}

func (h *MasterMigrationHandler) removeMigration(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	migrationID, err := parseUintParam(c, "migrationID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.RemoveMigration(withRequestContext(c), id, migrationID, activityActorFromContext(c)); err != nil {
		return respondError(c, h.logger, err, "failed to remove migration")
	}
	return utils.SendSuccess(c, "migration removed", nil)
}

func (h *MasterMigrationHandler) determination(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	migrationID, err := parseUintParam(c, "migrationID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	studentID, err := parseUintParam(c, "studentID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var payload dto.DeterminationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	score, err := h.service.SetDetermination(withRequestContext(c), id, migrationID, studentID, payload, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to record determination")
	}
	return utils.SendSuccess(c, "determination recorded", score)
}

func (h *MasterMigrationHandler) importScores(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	assignmentID, err := parseQueryUint(c, "assignment_id")
	if err != nil || assignmentID == 0 {
		if value := c.FormValue("assignment_id"); value != "" {
			assignmentID, err = parseFormUint(value)
		}
	}
	if err != nil || assignmentID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "assignment_id is required")
	}
	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	result, err := h.imports.Import(withRequestContext(c), id, assignmentID, file, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to import raw scores")
	}
	return utils.SendSuccess(c, "raw scores imported", result)
}

func (h *MasterMigrationHandler) loadValidate(c *fiber.Ctx) error {
	return h.stage(c, "load validation passed", h.service.LoadValidate)
}

func (h *MasterMigrationHandler) load(c *fiber.Ctx) error {
	return h.stage(c, "scores loaded", h.service.Load)
}

func (h *MasterMigrationHandler) applyValidate(c *fiber.Ctx) error {
	return h.stage(c, "apply validation passed", h.service.ApplyValidate)
}

func (h *MasterMigrationHandler) finalize(c *fiber.Ctx) error {
	return h.stage(c, "master migration finalized", h.service.Finalize)
}

func (h *MasterMigrationHandler) apply(c *fiber.Ctx) error {
	return h.batch(c, "apply tasks submitted", h.service.Apply)
}

func (h *MasterMigrationHandler) reviewComplete(c *fiber.Ctx) error {
	return h.batch(c, "post tasks submitted", h.service.ReviewComplete)
}

func (h *MasterMigrationHandler) post(c *fiber.Ctx) error {
	return h.batch(c, "post tasks resubmitted", h.service.Post)
}

func parseFormUint(value string) (uint, error) {
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(parsed), nil
}

type stageOperation func(ctx context.Context, id uint, actor service.ActivityActor) (dto.MasterMigrationResponse, error)

type batchOperation func(ctx context.Context, id uint, actor service.ActivityActor) (dto.TaskBatchResponse, error)

func (h *MasterMigrationHandler) stage(c *fiber.Ctx, message string, op stageOperation) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	master, err := op(withRequestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "stage operation failed")
	}
	return utils.SendSuccess(c, message, master)
}

// batch answers 202 since the submitted tasks complete out of band.
func (h *MasterMigrationHandler) batch(c *fiber.Ctx, message string, op batchOperation) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	batch, err := op(withRequestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to submit tasks")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, message, batch)
}

func (h *MasterMigrationHandler) review(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	review, err := h.reviews.ReviewList(withRequestContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load review list")
	}
	return utils.SendSuccess(c, "review list", review)
}

func (h *MasterMigrationHandler) await(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	maxWait, err := parseQueryDuration(c, "max_wait")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid max_wait")
	}
	opts := h.polling
	if maxWait > 0 && (opts.MaxWait == 0 || maxWait < opts.MaxWait) {
		opts.MaxWait = maxWait
	}

	result, err := h.service.AwaitStage(withRequestContext(c), id, opts)
	if err != nil {
		return respondError(c, h.logger, err, "failed to await tasks")
	}
	return utils.OK(c, result, "tasks "+result.Outcome, fiber.Map{"max_wait": opts.MaxWait.String()})
}
