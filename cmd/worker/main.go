package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/hibiken/asynq"

	"github.com/luhack/gatekeeper/internal/app"
	jobmetrics "github.com/luhack/gatekeeper/internal/jobs"
	"github.com/luhack/gatekeeper/internal/platform/cache"
	"github.com/luhack/gatekeeper/internal/platform/db"
	"github.com/luhack/gatekeeper/internal/reconcile"
	"github.com/luhack/gatekeeper/internal/roster"
	"github.com/luhack/gatekeeper/internal/shared"
	"github.com/luhack/gatekeeper/internal/verify"
	"github.com/luhack/gatekeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// asynq manages its own connections; this check fails fast when redis
	// is unreachable.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	cipher, err := verify.NewCipher(cfg.SealingKey())
	if err != nil {
		logger.Error("init email cipher", slog.Any("error", err))
		os.Exit(1)
	}

	// The reconciler only uses REST endpoints, so the gateway websocket
	// stays closed in this process.
	session, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		logger.Error("init discord session", slog.Any("error", err))
		os.Exit(1)
	}

	reconciler := reconcile.New(reconcile.Config{
		Repo:    verify.NewPGRepository(pool, cipher),
		Gateway: roster.NewDiscord(session, cfg.DiscordGuildID, cfg.LogChannelID),
		Roles: roster.Roles{
			Verified:    cfg.VerifiedRoleID,
			Potential:   cfg.PotentialRoleID,
			Prospective: cfg.ProspectiveRoleID,
			Trusted:     cfg.TrustedRoleIDs,
		},
		Audit:               shared.NewAuditLogger(pool),
		Logger:              logger,
		InactivityThreshold: cfg.InactivityThreshold,
		GracePeriod:         cfg.GracePeriod,
	})

	metrics := jobmetrics.NewMetrics(nil)
	repairJob := jobs.NewRosterRepairJob(reconciler, logger, metrics)
	sweepJob := jobs.NewMemberSweepJob(reconciler, logger, metrics)

	repairTask, err := jobs.NewRosterRepairTask("schedule")
	if err != nil {
		logger.Error("build repair task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewMemberSweepTask("schedule")
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRosterRepair, Handler: repairJob.Handle},
			{Type: jobs.TaskMemberSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 * * * *", Task: repairTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 4 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
