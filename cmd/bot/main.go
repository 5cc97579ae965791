package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"voiceboard/internal/config"
	"voiceboard/internal/database"
	"voiceboard/internal/discord"
	"voiceboard/internal/logging"
	"voiceboard/internal/metrics"
	"voiceboard/internal/notify"
	"voiceboard/internal/service"
	"voiceboard/internal/storage"
	"voiceboard/internal/storage/filestore"
	"voiceboard/internal/storage/memstore"
	"voiceboard/internal/storage/redisstore"
	"voiceboard/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:   "voiceboard",
		Usage:  "Track voice chat time and publish leaderboards for Discord servers",
		Action: runBot,
		Commands: []*cli.Command{
			{
				Name:  "deploy-commands",
				Usage: "Register the slash commands with Discord",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "guild",
						Usage: "Register in one server only; commands show up immediately",
					},
					&cli.BoolFlag{
						Name:  "clear",
						Usage: "Remove every registered command instead",
					},
				},
				Action: deployCommands,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx, os.Args)
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func runBot(ctx context.Context, _ *cli.Command) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	backend, rdb, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Failed to close storage", zap.Error(err))
		}
	}()

	clock := quartz.NewReal()
	bot, err := discord.New(discord.Options{
		Token:     cfg.Discord.Token,
		AppID:     cfg.Discord.AppID,
		PublicURL: cfg.Web.PublicURL,
	}, clock, logger)
	if err != nil {
		return err
	}

	hub := web.NewHub(logger)
	publishers := notify.Fanout{hub}
	if rdb != nil {
		publishers = append(publishers, notify.NewRedisPublisher(rdb, cfg.Redis.Channel, logger))
	}

	svc := service.New(service.Options{
		PageSize:          cfg.Schedule.PageSize,
		AutosaveInterval:  cfg.Schedule.AutosaveInterval,
		RefreshInterval:   cfg.Schedule.RefreshInterval,
		BroadcastInterval: cfg.Schedule.BroadcastInterval,
		StartupDelay:      cfg.Schedule.StartupDelay,
		ShutdownTimeout:   cfg.Schedule.ShutdownTimeout,
		FoldOnMove:        cfg.Tracker.FoldOnMove,
	}, service.Deps{
		Backend:   backend,
		Directory: bot,
		Poster:    bot,
		Publisher: publishers,
		Clock:     clock,
		Logger:    logger,
		Metrics:   m,
	})
	bot.Bind(svc)

	if err := svc.Hydrate(ctx); err != nil {
		return fmt.Errorf("failed to load stored guilds: %w", err)
	}

	server := web.New(web.Options{Addr: cfg.Web.Addr, Gatherer: reg}, svc, hub, clock, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	svcErr := make(chan error, 1)
	webErr := make(chan error, 1)
	wg.Go(func() { svcErr <- svc.Run(runCtx) })
	wg.Go(func() {
		if err := server.Run(runCtx); err != nil {
			webErr <- fmt.Errorf("web server stopped: %w", err)
			cancel()
		}
	})

	if err := bot.Open(runCtx); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	err = <-svcErr
	cancel()
	if cerr := bot.Close(); cerr != nil {
		logger.Warn("Failed to close Discord connection", zap.Error(cerr))
	}
	wg.Wait()

	if err == nil {
		select {
		case err = <-webErr:
		default:
		}
	}
	if err != nil {
		logger.Error("Shutting down after an unexpected failure", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// openBackend opens the configured storage. The Redis client is returned
// so live events can be published through it too.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Backend, *redis.Client, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := database.New(ctx, cfg.Storage.DatabaseDSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return database.NewRepository(db), nil, nil
	case config.BackendRedis:
		store, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, store.Client(), nil
	case config.BackendMemory:
		logger.Warn("Using in-memory storage; voice time is lost on restart")
		return memstore.New(), nil, nil
	default:
		store, err := filestore.New(cfg.Storage.DataDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open data directory: %w", err)
		}
		return store, nil, nil
	}
}

func deployCommands(ctx context.Context, c *cli.Command) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	bot, err := discord.New(discord.Options{Token: cfg.Discord.Token, AppID: cfg.Discord.AppID}, quartz.NewReal(), logger)
	if err != nil {
		return err
	}

	guildID := c.String("guild")
	n, err := bot.DeployCommands(ctx, guildID, c.Bool("clear"))
	if err != nil {
		return err
	}

	scope := "globally"
	if guildID != "" {
		scope = "in guild " + guildID
	}
	logger.Info("Slash commands deployed",
		zap.Int("registered", n),
		zap.String("scope", scope),
		zap.Bool("clear", c.Bool("clear")))
	return nil
}
