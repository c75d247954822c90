package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rewards-engine/config"
	"rewards-engine/handlers"
	"rewards-engine/logger"
	"rewards-engine/middleware"
	"rewards-engine/models"
	"rewards-engine/services"
	"rewards-engine/utils"
	"rewards-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		zl.Fatal("failed to connect to database", "error", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		zl.Fatal("failed to migrate database", "error", err)
	}

	// Notifications are always logged; Redis fan-out is optional.
	notifier := services.MultiNotifier{services.LogNotifier{Log: zl}}
	if cfg.RedisAddr != "" {
		rn, err := services.NewRedisNotifier(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			zl.Warn("⚠️ redis unavailable, notifications are log-only", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer rn.Close()
			notifier = append(notifier, rn)
		}
	}

	var archiver services.SnapshotArchiver
	if cfg.ArchiveEnabled() {
		r2, err := utils.NewR2Archiver(ctx, utils.R2Options{
			AccountID: cfg.R2AccountID,
			AccessKey: cfg.R2AccessKey,
			SecretKey: cfg.R2SecretKey,
			Bucket:    cfg.R2Bucket,
			Prefix:    cfg.R2PublicPrefix,
		})
		if err != nil {
			zl.Fatal("failed to initialize R2 client", "error", err)
		}
		archiver = r2
	}

	ledger := services.NewLedgerService(db, zl.With("component", "ledger"), notifier)
	ledger.MaxRetries = cfg.LedgerMaxRetries
	badges := services.NewBadgeService(db, ledger, zl.With("component", "badges"))
	challenges := services.NewChallengeService(db, ledger, badges, zl.With("component", "challenges"))
	outcomes := services.NewOutcomeService(db, ledger, badges, challenges, cfg.XP, zl.With("component", "outcomes"))
	leaderboards := services.NewLeaderboardService(db, zl.With("component", "leaderboards"), notifier, archiver)
	rewards := services.NewRewardService(db, ledger, zl.With("component", "rewards"), cfg.ApprovalTTL)
	notifications := services.NewNotificationService(db, zl)

	jobs := &services.Jobs{
		Ledger:       ledger,
		Leaderboards: leaderboards,
		Rewards:      rewards,
		Log:          zl.With("component", "scheduler"),
	}
	sched, err := services.StartScheduler(jobs, time.Hour, cfg.WorkerInterval)
	if err != nil {
		zl.Fatal("failed to start scheduler", "error", err)
	}
	defer func() { _ = sched.Shutdown() }()

	workers.NewWalletReconciler(db, ledger, zl, 5*cfg.WorkerInterval).Start(ctx)
	if cfg.RosterSyncURL != "" {
		workers.NewRosterSyncWorker(db, zl, cfg.RosterSyncURL, cfg.ServiceToken, cfg.WorkerInterval).Start(ctx)
	} else {
		zl.Warn("⚠️ ROSTER_SYNC_URL not set, scope memberships come from /s/admin/roster only")
	}
	if cfg.FulfillmentURL != "" {
		workers.NewFulfillmentDispatcher(rewards, zl, cfg.FulfillmentURL, cfg.ServiceToken, cfg.WorkerInterval).Start(ctx)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// 🔐 Only gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken, zl))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-Service-Token, X-User-ID, X-User-Roles, Idempotency-Key",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, Retry-After",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	app.Use(middleware.UserContextMiddleware())

	handlers.SetupEventRoutes(app, outcomes)
	handlers.SetupDashboardRoutes(app, handlers.DashboardServices{
		Ledger:        ledger,
		Badges:        badges,
		Challenges:    challenges,
		Leaderboards:  leaderboards,
		Notifications: notifications,
	})
	handlers.SetupRedemptionRoutes(app, rewards)
	handlers.SetupAdminRoutes(app, handlers.AdminServices{
		DB:           db,
		Ledger:       ledger,
		Badges:       badges,
		Challenges:   challenges,
		Rewards:      rewards,
		Leaderboards: leaderboards,
		Jobs:         jobs,
		Log:          zl.With("component", "admin"),
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			zl.Error("server error", "error", err)
			stop()
		}
	}()

	zl.Info("✅ rewards engine running", "port", cfg.Port, "origins", cfg.AllowedOrigins, "archive", cfg.ArchiveEnabled())

	<-ctx.Done()
	zl.Info("shutting down server")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		zl.Warn("shutdown", "error", err)
	}
}
