package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

var notFoundErrors = []error{
	service.ErrMasterMigrationNotFound,
	service.ErrMigrationNotFound,
	service.ErrCourseNotFound,
	service.ErrAssignmentNotFound,
	service.ErrPolicyNotFound,
	service.ErrTaskNotFound,
	service.ErrScoreNotFound,
	service.ErrLateRequestNotFound,
}

var conflictErrors = []error{
	service.ErrStageConflict,
	service.ErrInvalidStage,
	service.ErrTasksPending,
	service.ErrNothingToRetry,
	service.ErrMigrationLocked,
	service.ErrActiveMigrationExists,
	service.ErrPolicyLocked,
	service.ErrPolicyInUse,
	service.ErrLateRequestResolved,
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// respondError maps service errors onto the response envelope. Anything unrecognised
// is logged and reported as the fallback message.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error, fallback string) error {
	var (
		validationErr *service.ValidationError
		capacityErr   *service.CapacityError
		taskFailure   *service.TaskFailure
		stageErr      *service.StageError
	)

	switch {
	case errors.As(err, &validationErr):
		return utils.Fail(c, fiber.StatusUnprocessableEntity, "validation failed", validationErr.Fields)
	case errors.As(err, &capacityErr):
		return utils.Fail(c, fiber.StatusConflict, capacityErr.Error(), fiber.Map{
			"used":      capacityErr.Used,
			"requested": capacityErr.Requested,
			"allowance": capacityErr.Allowance,
		})
	case errors.As(err, &taskFailure):
		return utils.Fail(c, fiber.StatusConflict, taskFailure.Error(), fiber.Map{
			"task_id":      taskFailure.TaskID,
			"migration_id": taskFailure.MigrationID,
			"kind":         taskFailure.Kind,
			"message":      taskFailure.Message,
		})
	case errors.As(err, &stageErr):
		return utils.Fail(c, fiber.StatusConflict, stageErr.Error(), fiber.Map{
			"current":  stageErr.Current,
			"required": stageErr.Required,
		})
	case matchesAny(err, conflictErrors):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case matchesAny(err, notFoundErrors):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrImportTooLarge):
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, service.ErrUnsupportedFile):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotRequester), errors.Is(err, service.ErrNotEnrolled):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	default:
		requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
