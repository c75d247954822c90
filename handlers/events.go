// handlers/events.go
package handlers

import (
	"rewards-engine/services"

	"github.com/gofiber/fiber/v2"
)

// SetupEventRoutes registers the intake for learning outcomes. Producers are
// services behind the gateway, so there is no user context here.
func SetupEventRoutes(app *fiber.App, outcomes *services.OutcomeService) {
	app.Post("/events/outcome", func(c *fiber.Ctx) error {
		var o services.Outcome
		if err := c.BodyParser(&o); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		res, err := outcomes.ReportOutcome(c.UserContext(), o)
		if err != nil {
			return writeError(c, "outcome rejected", err)
		}
		status := fiber.StatusCreated
		if res.Duplicate {
			status = fiber.StatusOK
		}
		return c.Status(status).JSON(res)
	})
}
