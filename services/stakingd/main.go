package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"stakepool/core/events"
	"stakepool/core/state"
	"stakepool/gateway/middleware"
	"stakepool/native/staking"
	"stakepool/observability"
	"stakepool/observability/logging"
	telemetry "stakepool/observability/otel"
	"stakepool/services/stakingd/config"
	"stakepool/services/stakingd/journal"
	"stakepool/services/stakingd/server"
	"stakepool/storage"
)

func main() {
	var (
		cfgPath       string
		exportPath    string
		exportAddress string
	)
	flag.StringVar(&cfgPath, "config", "services/stakingd/config.yaml", "path to stakingd configuration file")
	flag.StringVar(&exportPath, "export-journal", "", "write the event journal to this Parquet file and exit")
	flag.StringVar(&exportAddress, "export-address", "", "restrict -export-journal to one address")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("stakingd: load config: %v", err)
	}

	logger, closeLog := logging.Setup("stakingd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "stakingd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("stakingd: init telemetry: %v", err)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	var db storage.Database
	if cfg.StatePath == "" {
		logger.Warn("state_path not configured; ledger state is kept in memory")
		db = storage.NewMemDB()
	} else {
		db, err = storage.Open(cfg.StateEngine, cfg.StatePath)
		if err != nil {
			log.Fatalf("stakingd: open state: %v", err)
		}
	}
	defer db.Close()

	jr, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN, logger)
	if err != nil {
		log.Fatalf("stakingd: open journal: %v", err)
	}
	defer jr.Close()
	if checked, err := jr.Verify(ctx); err != nil {
		if exportPath == "" {
			log.Fatalf("stakingd: journal digest chain invalid after %d entries: %v", checked, err)
		}
		logger.Error("journal digest chain invalid; exporting for inspection", slog.Int("checked", checked), slog.Any("error", err))
	} else {
		logger.Info("journal verified", slog.Int("entries", checked))
	}
	if exportPath != "" {
		rows, err := jr.ExportParquet(ctx, exportPath, exportAddress)
		if err != nil {
			log.Fatalf("stakingd: export journal: %v", err)
		}
		logger.Info("journal exported", slog.String("path", exportPath), slog.Int("rows", rows))
		return
	}

	hub := events.NewHub(cfg.Events.History)
	engine := staking.NewEngine(state.NewStakingBackend(state.NewManager(db)))
	engine.SetHistoryLimit(cfg.HistoryLimit)
	engine.SetEmitter(events.MultiEmitter{hub, observability.Ledger(), jr})

	genesis, err := staking.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		log.Fatalf("stakingd: load genesis: %v", err)
	}
	created, err := engine.InitGenesis(genesis)
	if err != nil {
		log.Fatalf("stakingd: init genesis: %v", err)
	}
	if snapshot, err := engine.Pool(); err == nil {
		observability.Ledger().ObservePool(snapshot.TotalStaked, snapshot.RewardPoolBalance, snapshot.RewardRate, snapshot.Paused)
		logger.Info("staking pool ready",
			slog.Bool("genesis", created),
			slog.String("owner", snapshot.Owner.String()),
			slog.String("module", engine.ModuleAddress().String()),
			slog.String("rate", snapshot.RewardRate.String()),
		)
	}

	srv, err := server.New(server.Config{
		ListenAddress:   cfg.ListenAddress,
		ServiceName:     "stakingd",
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
		WSWriteTimeout:  cfg.Events.WriteTimeout.Duration,
		MaxConnections:  cfg.MaxConnections,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.Secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimits: map[string]middleware.RateLimit{
			"mutations": {RatePerSecond: cfg.RateLimits.Mutations.RatePerSecond, Burst: cfg.RateLimits.Mutations.Burst},
			"admin":     {RatePerSecond: cfg.RateLimits.Admin.RatePerSecond, Burst: cfg.RateLimits.Admin.Burst},
		},
		LogRequests: true,
	}, engine, hub, jr, logger)
	if err != nil {
		log.Fatalf("stakingd: build server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}
