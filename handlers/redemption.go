// handlers/redemption.go
package handlers

import (
	"strings"

	"rewards-engine/middleware"
	"rewards-engine/models"
	"rewards-engine/services"

	"github.com/gofiber/fiber/v2"
)

type redeemRequest struct {
	ItemID     string `json:"item_id"`
	Quantity   int64  `json:"quantity"`
	RequestKey string `json:"request_key"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// SetupRedemptionRoutes registers the catalog, the student redemption routes
// and the staff review routes.
func SetupRedemptionRoutes(app *fiber.App, rewards *services.RewardService) {
	app.Get("/catalog", func(c *fiber.Ctx) error {
		items, err := rewards.ListCatalog(c.UserContext(), false)
		if err != nil {
			return writeError(c, "failed to list catalog", err)
		}
		return c.JSON(items)
	})

	user := app.Group("/user")

	user.Get("/redemptions", func(c *fiber.Ctx) error {
		rows, err := rewards.ListRedemptions(c.UserContext(), userID(c), models.RedemptionStatus(c.Query("status")))
		if err != nil {
			return writeError(c, "failed to list redemptions", err)
		}
		return c.JSON(rows)
	})

	user.Post("/redemptions", func(c *fiber.Ctx) error {
		var req redeemRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		if strings.TrimSpace(req.ItemID) == "" {
			return badRequest(c, "item_id is required", nil)
		}
		if req.Quantity == 0 {
			req.Quantity = 1
		}
		key := req.RequestKey
		if key == "" {
			key = c.Get("Idempotency-Key")
		}

		r, err := rewards.Redeem(c.UserContext(), userID(c), req.ItemID, req.Quantity, key)
		if err != nil {
			return writeError(c, "redemption failed", err)
		}
		return c.Status(fiber.StatusCreated).JSON(r)
	})

	user.Post("/redemptions/:id/cancel", func(c *fiber.Ctx) error {
		r, err := rewards.GetRedemption(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, "failed to get redemption", err)
		}
		// Students only see their own redemptions, and only withdraw pending ones.
		if r.AccountID != userID(c) {
			return writeError(c, "failed to get redemption", services.ErrNotFound)
		}
		if r.Status != models.RedemptionPending && r.Status != models.RedemptionCancelled {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "only pending redemptions can be withdrawn",
				"cause": string(r.Status),
			})
		}
		r, err = rewards.Cancel(c.UserContext(), r.ID, "withdrawn by student")
		if err != nil {
			return writeError(c, "cancel failed", err)
		}
		return c.JSON(r)
	})

	staff := app.Group("/s/admin/redemptions", middleware.RequireRoles("staff", "admin"))

	staff.Get("/", func(c *fiber.Ctx) error {
		rows, err := rewards.ListRedemptions(c.UserContext(), c.Query("student_id"), models.RedemptionStatus(c.Query("status")))
		if err != nil {
			return writeError(c, "failed to list redemptions", err)
		}
		return c.JSON(rows)
	})

	staff.Post("/:id/approve", func(c *fiber.Ctx) error {
		r, err := rewards.Approve(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, "approve failed", err)
		}
		return c.JSON(r)
	})

	staff.Post("/:id/fulfill", func(c *fiber.Ctx) error {
		r, err := rewards.Fulfill(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, "fulfill failed", err)
		}
		return c.JSON(r)
	})

	staff.Post("/:id/cancel", func(c *fiber.Ctx) error {
		var req reasonRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "invalid JSON", err)
			}
		}
		if req.Reason == "" {
			req.Reason = "cancelled by staff"
		}
		r, err := rewards.Cancel(c.UserContext(), c.Params("id"), req.Reason)
		if err != nil {
			return writeError(c, "cancel failed", err)
		}
		return c.JSON(r)
	})
}
