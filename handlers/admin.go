// handlers/admin.go
package handlers

import (
	"strings"

	"rewards-engine/logger"
	"rewards-engine/middleware"
	"rewards-engine/models"
	"rewards-engine/services"
	"rewards-engine/workers"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// AdminServices are the write sides behind /s/admin.
type AdminServices struct {
	DB           *gorm.DB
	Ledger       *services.LedgerService
	Badges       *services.BadgeService
	Challenges   *services.ChallengeService
	Rewards      *services.RewardService
	Leaderboards *services.LeaderboardService
	Jobs         *services.Jobs
	Log          *logger.Logger
}

// SetupAdminRoutes registers content management and support tooling.
// Every route needs the admin role.
func SetupAdminRoutes(app *fiber.App, svc AdminServices) {
	requireAdmin := middleware.RequireRoles("admin")

	app.Post("/s/admin/badges", requireAdmin, func(c *fiber.Ctx) error {
		var in services.BadgeInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		def, err := svc.Badges.CreateDefinition(c.UserContext(), in)
		if err != nil {
			return writeError(c, "failed to create badge", err)
		}
		return c.Status(fiber.StatusCreated).JSON(def)
	})

	app.Post("/s/admin/badges/:id/award", requireAdmin, func(c *fiber.Ctx) error {
		type Req struct {
			StudentID string `json:"student_id"`
		}
		var req Req
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		if strings.TrimSpace(req.StudentID) == "" {
			return badRequest(c, "student_id is required", nil)
		}
		earned, err := svc.Badges.AwardBadge(c.UserContext(), req.StudentID, c.Params("id"), "admin:"+userID(c))
		if err != nil {
			return writeError(c, "badge award failed", err)
		}
		return c.JSON(fiber.Map{
			"awarded": earned != nil,
			"badge":   earned,
		})
	})

	app.Post("/s/admin/students/:studentId/evaluate", requireAdmin, func(c *fiber.Ctx) error {
		earned, err := svc.Badges.Evaluate(c.UserContext(), c.Params("studentId"), services.TriggerManual)
		if err != nil {
			return writeError(c, "badge evaluation failed", err)
		}
		return c.JSON(fiber.Map{"newly_earned": earned})
	})

	app.Post("/s/admin/challenges", requireAdmin, func(c *fiber.Ctx) error {
		var in services.ChallengeInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		ch, err := svc.Challenges.Create(c.UserContext(), in)
		if err != nil {
			return writeError(c, "failed to create challenge", err)
		}
		return c.Status(fiber.StatusCreated).JSON(ch)
	})

	app.Post("/s/admin/challenges/:id/join", requireAdmin, func(c *fiber.Ctx) error {
		type Req struct {
			StudentID string  `json:"student_id"`
			Baseline  float64 `json:"baseline"`
		}
		var req Req
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		if strings.TrimSpace(req.StudentID) == "" {
			return badRequest(c, "student_id is required", nil)
		}
		p, err := svc.Challenges.Join(c.UserContext(), req.StudentID, c.Params("id"), req.Baseline)
		if err != nil {
			return writeError(c, "join failed", err)
		}
		return c.JSON(p)
	})

	app.Get("/s/admin/catalog", requireAdmin, func(c *fiber.Ctx) error {
		items, err := svc.Rewards.ListCatalog(c.UserContext(), true)
		if err != nil {
			return writeError(c, "failed to list catalog", err)
		}
		return c.JSON(items)
	})

	app.Post("/s/admin/catalog", requireAdmin, func(c *fiber.Ctx) error {
		var in services.CatalogInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		item, err := svc.Rewards.CreateCatalogItem(c.UserContext(), in)
		if err != nil {
			return writeError(c, "failed to create catalog item", err)
		}
		return c.Status(fiber.StatusCreated).JSON(item)
	})

	app.Patch("/s/admin/catalog/:id", requireAdmin, func(c *fiber.Ctx) error {
		var in services.CatalogUpdate
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		item, err := svc.Rewards.UpdateCatalogItem(c.UserContext(), c.Params("id"), in)
		if err != nil {
			return writeError(c, "failed to update catalog item", err)
		}
		return c.JSON(item)
	})

	app.Post("/s/admin/xp/grant", requireAdmin, func(c *fiber.Ctx) error {
		type Req struct {
			UserID         string `json:"user_id"`
			XP             int64  `json:"xp"`
			Reason         string `json:"reason"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		var req Req
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		if strings.TrimSpace(req.UserID) == "" {
			return badRequest(c, "user_id is required", nil)
		}
		if len(req.Reason) > 255 {
			return badRequest(c, "reason is too long", nil)
		}

		entry, err := svc.Ledger.Award(c.UserContext(), req.UserID, req.XP, "admin_grant", services.PostOptions{
			Kind:           models.EntryBonus,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       map[string]interface{}{"reason": req.Reason, "granted_by": userID(c)},
		})
		if err != nil {
			return writeError(c, "XP award failed", err)
		}
		// Granted XP can unlock level badges.
		if _, err := svc.Badges.Evaluate(c.UserContext(), req.UserID, services.TriggerLedger); err != nil {
			svc.Log.Warn("badge evaluation after grant failed", "student_id", req.UserID, "error", err)
		}

		return c.JSON(fiber.Map{
			"message": "XP granted successfully",
			"user_id": req.UserID,
			"xp":      req.XP,
			"entry":   entry,
		})
	})

	app.Post("/s/admin/xp/penalty", requireAdmin, func(c *fiber.Ctx) error {
		type Req struct {
			UserID         string `json:"user_id"`
			XP             int64  `json:"xp"`
			Reason         string `json:"reason"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		var req Req
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		if strings.TrimSpace(req.UserID) == "" {
			return badRequest(c, "user_id is required", nil)
		}
		entry, err := svc.Ledger.Spend(c.UserContext(), req.UserID, req.XP, "admin_penalty", services.PostOptions{
			Kind:           models.EntryPenalty,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       map[string]interface{}{"reason": req.Reason, "applied_by": userID(c)},
		})
		if err != nil {
			return writeError(c, "penalty failed", err)
		}
		return c.JSON(entry)
	})

	app.Get("/s/admin/ledger/:studentId/verify", requireAdmin, func(c *fiber.Ctx) error {
		id := c.Params("studentId")
		if err := svc.Ledger.VerifyChain(c.UserContext(), id); err != nil {
			return writeError(c, "ledger verification failed", err)
		}
		return c.JSON(fiber.Map{"student_id": id, "consistent": true})
	})

	app.Post("/s/admin/leaderboards/snapshot", requireAdmin, func(c *fiber.Ctx) error {
		type Req struct {
			Type      string `json:"type"`
			ScopeType string `json:"scope_type"`
			ScopeKey  string `json:"scope_key"`
			Period    string `json:"period"`
		}
		var req Req
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "invalid JSON", err)
			}
		}
		// No type: refresh every board, like the scheduled job.
		if req.Type == "" {
			svc.Jobs.RefreshBoards(c.UserContext())
			return c.JSON(fiber.Map{"message": "all leaderboards refreshed"})
		}
		scope, err := services.NewScope(req.ScopeType, req.ScopeKey)
		if err != nil {
			return writeError(c, "invalid scope", err)
		}
		snap, err := svc.Leaderboards.Snapshot(c.UserContext(), models.LeaderboardType(req.Type), scope, req.Period)
		if err != nil {
			return writeError(c, "snapshot failed", err)
		}
		return c.JSON(snap)
	})

	app.Post("/s/admin/roster", requireAdmin, func(c *fiber.Ctx) error {
		var req workers.GetRosterChangesResponse
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		applied, failed := workers.ApplyRoster(c.UserContext(), svc.DB, svc.Log, req.Memberships)
		return c.JSON(fiber.Map{
			"applied": applied,
			"failed":  failed,
		})
	})
}
