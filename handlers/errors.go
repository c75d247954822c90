// handlers/errors.go
package handlers

import (
	"errors"

	"rewards-engine/services"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrInsufficientBalance):
		return fiber.StatusPaymentRequired
	case errors.Is(err, services.ErrNotEligible):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrConcurrentModification):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, services.ErrInvalidStateTransition),
		errors.Is(err, services.ErrApprovalExpired),
		errors.Is(err, services.ErrChallengeClosed),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrRewardUnavailable),
		errors.Is(err, services.ErrUnknownBadgeCriterion),
		errors.Is(err, services.ErrMalformedChallengeMetric):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError renders err in the {"error", "cause"} shape every route uses.
func writeError(c *fiber.Ctx, msg string, err error) error {
	status := statusFor(err)
	if status == fiber.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
		"cause": err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string, err error) error {
	body := fiber.Map{"error": msg}
	if err != nil {
		body["cause"] = err.Error()
	}
	return c.Status(fiber.StatusBadRequest).JSON(body)
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}
