package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/reelscope/reelscope/internal/api"
	"github.com/reelscope/reelscope/internal/catalog"
	"github.com/reelscope/reelscope/internal/config"
	"github.com/reelscope/reelscope/internal/db"
	"github.com/reelscope/reelscope/internal/dispatch"
	"github.com/reelscope/reelscope/internal/ledger"
	"github.com/reelscope/reelscope/internal/logging"
	"github.com/reelscope/reelscope/internal/merge"
	"github.com/reelscope/reelscope/internal/pipeline"
	"github.com/reelscope/reelscope/internal/playback"
	"github.com/reelscope/reelscope/internal/reconcile"
	"github.com/reelscope/reelscope/internal/status"
	"github.com/reelscope/reelscope/internal/storage"
	"github.com/reelscope/reelscope/internal/summary"
	"github.com/reelscope/reelscope/internal/tracing"
	"github.com/reelscope/reelscope/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	// A missing .env is fine; the environment alone is enough.
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.VideosDir(), cfg.AnalysisOutputRoot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting reelscope",
		"version", config.Version,
		"commit", config.GitCommit,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint(), config.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}
	logger.Info("operator API token ready", "token", logging.SanitizeToken(authToken))

	jobs := ledger.New(database.Conn(), logger, ledger.WithMaxAttempts(cfg.MaxAttempts()))
	cache := status.New()
	dispatcher := dispatch.NewHTTPClient(cfg.AnalysisURL(), cfg.DispatchTimeout(), logger)

	pool := worker.NewPool(jobs, cache, dispatcher, repo, worker.Config{
		Concurrency:   cfg.WorkerConcurrency(),
		PollInterval:  cfg.PollInterval(),
		RetryBase:     cfg.RetryBase(),
		RetryMax:      cfg.RetryMax(),
		PublicBaseURL: cfg.PublicBaseURL(),
		OutputRoot:    cfg.AnalysisOutputRoot(),
	}, logger)
	if err := pool.RebuildCache(ctx); err != nil {
		return fmt.Errorf("failed to rebuild status cache: %w", err)
	}

	engine := merge.NewEngine(database.Conn(), cfg.AnalysisOutputRoot(), logger)
	catalogSvc := catalog.NewService(repo, pool, logger)
	catalogSvc.SetMergedDataStore(engine)

	opts := []reconcile.Option{
		reconcile.WithTranscoder(pipeline.NewFFmpegRunner(pipeline.Config{
			FFmpegPath: cfg.FFmpegPath(),
			Logger:     logger,
		})),
	}
	if cfg.MinIOEnabled() {
		archiver, err := storage.NewArchiver(storage.Config{
			Endpoint:  cfg.MinIOEndpoint(),
			AccessKey: cfg.MinIOAccessKey(),
			SecretKey: cfg.MinIOSecretKey(),
			Bucket:    cfg.MinIOBucket(),
			UseSSL:    cfg.MinIOUseSSL(),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize object storage: %w", err)
		}
		opts = append(opts, reconcile.WithArchiver(archiver))
		logger.Info("output archiving enabled", "endpoint", cfg.MinIOEndpoint(), "bucket", cfg.MinIOBucket())
	}
	reconciler := reconcile.New(jobs, cache, engine, repo, logger, opts...)

	serverCfg := api.ServerConfig{
		Port:           cfg.Port(),
		Version:        config.Version,
		CORSOrigins:    cfg.CORSOrigins(),
		CallbackSecret: cfg.CallbackSecret(),
		Repository:     repo,
		Catalog:        catalogSvc,
		Ledger:         jobs,
		Cache:          cache,
		Pool:           pool,
		Dispatcher:     dispatcher,
		Reconciler:     reconciler,
		Merger:         engine,
		Videos:         playback.NewServer(cfg.VideosDir(), logger),
		Outputs:        playback.NewServer(cfg.AnalysisOutputRoot(), logger),
		Logger:         logger,
		StartTime:      startTime,
	}
	if key := cfg.OpenAIAPIKey(); key != "" {
		serverCfg.Summarizer = summary.NewClient(key, cfg.OpenAIBaseURL(), cfg.OpenAIModel())
		logger.Info("AI analysis enabled", "model", cfg.OpenAIModel())
	}
	apiServer := api.NewServer(serverCfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	cancel()
	wg.Wait()
	reconciler.Wait()

	logger.Info("shutdown complete")
	return nil
}

func ensureAuthToken(repo catalog.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
