// handlers/dashboard.go
package handlers

import (
	"strconv"
	"time"

	"rewards-engine/models"
	"rewards-engine/services"

	"github.com/gofiber/fiber/v2"
)

// DashboardServices are the read sides the student dashboard needs.
type DashboardServices struct {
	Ledger        *services.LedgerService
	Badges        *services.BadgeService
	Challenges    *services.ChallengeService
	Leaderboards  *services.LeaderboardService
	Notifications *services.NotificationService
}

// SetupDashboardRoutes registers the student-facing read routes. The gateway
// forwards /api/v1/rewards/user/... as /user/...
func SetupDashboardRoutes(app *fiber.App, svc DashboardServices) {
	app.Get("/leaderboards/:type/:scopeType/:scopeKey?", func(c *fiber.Ctx) error {
		scope, err := services.NewScope(c.Params("scopeType"), c.Params("scopeKey"))
		if err != nil {
			return writeError(c, "invalid scope", err)
		}
		snap, err := svc.Leaderboards.GetCurrent(c.UserContext(), models.LeaderboardType(c.Params("type")), scope)
		if err != nil {
			return writeError(c, "failed to get leaderboard", err)
		}
		return c.JSON(snap)
	})

	app.Get("/challenges/active", func(c *fiber.Ctx) error {
		list, err := svc.Challenges.ListActive(c.UserContext(), time.Now().UTC())
		if err != nil {
			return writeError(c, "failed to list challenges", err)
		}
		return c.JSON(list)
	})

	user := app.Group("/user")

	user.Get("/account", func(c *fiber.Ctx) error {
		sum, err := svc.Ledger.GetAccountSummary(c.UserContext(), userID(c))
		if err != nil {
			return writeError(c, "failed to get account", err)
		}
		return c.JSON(sum)
	})

	user.Get("/ledger", func(c *fiber.Ctx) error {
		limit, _ := strconv.Atoi(c.Query("limit", "50"))
		before, _ := strconv.ParseInt(c.Query("before", "0"), 10, 64)
		entries, err := svc.Ledger.ListEntries(c.UserContext(), userID(c), limit, before)
		if err != nil {
			return writeError(c, "failed to get ledger", err)
		}
		resp := fiber.Map{"entries": entries}
		if len(entries) > 0 {
			resp["next_before"] = entries[len(entries)-1].Seq
		}
		return c.JSON(resp)
	})

	user.Get("/badges", func(c *fiber.Ctx) error {
		rows, err := svc.Badges.GetBadges(c.UserContext(), userID(c))
		if err != nil {
			return writeError(c, "failed to get badges", err)
		}
		return c.JSON(rows)
	})

	user.Get("/badges/available", func(c *fiber.Ctx) error {
		views, err := svc.Badges.ListAvailable(c.UserContext(), userID(c))
		if err != nil {
			return writeError(c, "failed to list badges", err)
		}
		return c.JSON(views)
	})

	user.Get("/challenges", func(c *fiber.Ctx) error {
		rows, err := svc.Challenges.ListParticipations(c.UserContext(), userID(c))
		if err != nil {
			return writeError(c, "failed to list challenges", err)
		}
		return c.JSON(rows)
	})

	user.Get("/challenges/:id", func(c *fiber.Ctx) error {
		prog, err := svc.Challenges.GetChallengeProgress(c.UserContext(), userID(c), c.Params("id"))
		if err != nil {
			return writeError(c, "failed to get challenge progress", err)
		}
		return c.JSON(prog)
	})

	user.Get("/notifications", func(c *fiber.Ctx) error {
		since := time.Unix(0, 0)
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return badRequest(c, "since must be RFC3339", err)
			}
			since = t
		}
		limit, _ := strconv.Atoi(c.Query("limit", "50"))
		var (
			rows []models.Notification
			err  error
		)
		if afterID := c.Query("after_id"); afterID != "" {
			rows, err = svc.Notifications.ListAfter(c.UserContext(), userID(c), services.NotificationCursor{CreatedAt: since, ID: afterID}, limit)
		} else {
			rows, err = svc.Notifications.List(c.UserContext(), userID(c), since, limit)
		}
		if err != nil {
			return writeError(c, "failed to list notifications", err)
		}
		return c.JSON(rows)
	})

	user.Get("/notifications/stream", svc.Notifications.StreamNotificationsSSE)
}
