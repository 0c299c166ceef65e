package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/apexdata/lapreport/internal/config"
	"github.com/apexdata/lapreport/internal/db"
	"github.com/apexdata/lapreport/internal/monitoring"
	"github.com/apexdata/lapreport/internal/telemetry"
	"github.com/apexdata/lapreport/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file")
	listen     = flag.String("listen", "", "UDP telemetry listen address (overrides config)")
	adminAddr  = flag.String("admin", "", "HTTP admin listen address (overrides config)")
	dbPath     = flag.String("db", "", "Lap database path (overrides config)")
	userID     = flag.String("user", "", "User id for persisted laps")
)

func main() {
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logger.Info().Msgf(format, v...)
	})
	logger.Info().
		Str("version", version.Version).
		Str("git_sha", version.GitSHA).
		Msgf("%s starting", version.App)

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load config")
		}
		cfg = loaded
	}
	if !cfg.GetEnabled() {
		logger.Info().Msg("lap ingestion disabled by config, exiting")
		return
	}

	path := cfg.GetDatabasePath()
	if *dbPath != "" {
		path = *dbPath
	}
	database, err := db.New(path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("failed to open lap database")
	}
	defer database.Close()
	if err := database.Healthy(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("lap database failed health check")
	}

	pipeline := NewPipeline(cfg, database, logger)
	pipeline.Start()
	if *userID != "" {
		pipeline.SetUserID(*userID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// UDP telemetry source feeding the indexer.
	listenAddr := cfg.GetListenAddr()
	if *listen != "" {
		listenAddr = *listen
	}
	listener := telemetry.NewUDPListener(telemetry.UDPListenerConfig{
		Address: listenAddr,
		Handler: pipeline.OnFrame,
		Logger:  logger.With().Str("component", "listener").Logger(),
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("telemetry listener stopped")
			stop()
		}
	}()

	// Operator HTTP server: status, laps, SQL debugging.
	admin := cfg.GetAdminAddr()
	if *adminAddr != "" {
		admin = *adminAddr
	}
	srv := &http.Server{
		Addr:    admin,
		Handler: NewServer(pipeline, database).ServeMux(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", admin).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	srv.Close()
	pipeline.Shutdown()
	wg.Wait()

	logger.Info().Interface("report", pipeline.Report()).Msg("final pipeline report")
}
