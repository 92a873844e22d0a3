package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/luhack/gatekeeper/internal/admin"
	"github.com/luhack/gatekeeper/internal/app"
	"github.com/luhack/gatekeeper/internal/bot"
	"github.com/luhack/gatekeeper/internal/commands"
	"github.com/luhack/gatekeeper/internal/email"
	"github.com/luhack/gatekeeper/internal/observability"
	"github.com/luhack/gatekeeper/internal/platform/cache"
	"github.com/luhack/gatekeeper/internal/platform/db"
	"github.com/luhack/gatekeeper/internal/roster"
	"github.com/luhack/gatekeeper/internal/shared"
	"github.com/luhack/gatekeeper/internal/token"
	"github.com/luhack/gatekeeper/internal/verify"
	"github.com/luhack/gatekeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	mailer, err := email.NewMailer(email.MailerConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  cfg.SMTPTimeout,
		UseTLS:   cfg.SMTPUseTLS,
	})
	if err != nil {
		logger.Error("init mailer", slog.Any("error", err))
		os.Exit(1)
	}

	session, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		logger.Error("init discord session", slog.Any("error", err))
		os.Exit(1)
	}

	gateway := roster.NewDiscord(session, cfg.DiscordGuildID, cfg.LogChannelID)
	roles := roster.Roles{
		Verified:    cfg.VerifiedRoleID,
		Potential:   cfg.PotentialRoleID,
		Prospective: cfg.ProspectiveRoleID,
		Trusted:     cfg.TrustedRoleIDs,
	}

	gate := email.NewGate(cfg.EmailDomains)
	service := verify.NewService(verify.ServiceConfig{
		Repo:        verify.NewPGRepository(dbpool, cipher),
		Codec:       token.NewCodec(cfg.TokenSigningSecret),
		Gate:        gate,
		Mailer:      mailer,
		Gateway:     gateway,
		Roles:       roles,
		Audit:       shared.NewAuditLogger(dbpool),
		Logger:      logger,
		TokenMaxAge: cfg.TokenMaxAge,
	})

	table := commands.NewTable(logger)
	commands.RegisterVerification(table, service, gate)

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AdminHandler: admin.NewHandler(logger, service, queue, cfg.AdminAPIToken),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return bot.New(bot.Config{
			Session: session,
			Table:   table,
			Service: service,
			GuildID: cfg.DiscordGuildID,
			Logger:  logger,
		}).Run(groupCtx)
	})

	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runtime", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}
