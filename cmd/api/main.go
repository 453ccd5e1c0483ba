package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bobarin/loopreel/internal/api"
	"github.com/bobarin/loopreel/internal/config"
	"github.com/bobarin/loopreel/internal/db"
	"github.com/bobarin/loopreel/internal/generation"
	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/memstore"
	"github.com/bobarin/loopreel/internal/queue"
	"github.com/bobarin/loopreel/internal/render"
	"github.com/bobarin/loopreel/internal/services"
	"github.com/bobarin/loopreel/internal/storage"
	"github.com/bobarin/loopreel/internal/worker"
	"github.com/rs/zerolog"
)

// store is everything the service persists.
type store interface {
	generation.Store
	render.Store
	render.Catalog
	api.Visuals
	api.Clips
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No configured logger yet.
		bootLogger := logging.New("production", "")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.Environment, cfg.LogLevel)
	logger.Info().Str("environment", cfg.Environment).Msg("starting loopreel API")

	// Persistence
	var st store
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer database.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err = database.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
		st = database
		logger.Info().Msg("connected to database")
	} else {
		st = memstore.New()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store (dev mode)")
	}

	// Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()
	logger.Info().Msg("connected to Redis queue")

	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger)

	ffmpegSvc, err := services.NewFFmpegService(cfg.RenderTempDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ffmpeg service")
	}
	if !ffmpegSvc.Available() {
		logger.Warn().Msg("ffmpeg not found on PATH, renders will fail or degrade")
	}

	// Generation providers. The configured one takes new submissions; the
	// other stays registered when keyed so jobs it already owns still resolve.
	xai := services.NewXAIProvider(cfg.XAIAPIKey, logger)
	veo := services.NewVeoProvider(cfg.GeminiKey, cfg.VeoModel, stor, logger)
	var (
		provider services.VideoProvider = xai
		others   []services.VideoProvider
	)
	if cfg.VideoProvider == "veo" {
		provider = veo
		if cfg.XAIAPIKey != "" {
			others = append(others, xai)
		}
	} else if cfg.GeminiKey != "" {
		others = append(others, veo)
	}
	providers := generation.NewProviders(provider, others...)
	logger.Info().Str("provider", provider.Name()).Int("secondary", len(others)).Msg("video provider selected")

	// OpenAI is optional; without it prompts get the deterministic suffixes
	// and renders skip auto-captions.
	var (
		planner     generation.Planner
		transcriber render.Transcriber
	)
	if cfg.OpenAIKey != "" {
		openaiSvc := services.NewOpenAIService(cfg.OpenAIKey, logger)
		planner = openaiSvc
		transcriber = openaiSvc
		logger.Info().Str("key", logging.SanitizeToken(cfg.OpenAIKey)).Msg("OpenAI planning and captions enabled")
	}

	submitter := generation.NewSubmitter(st, provider, worker.Recovery(q), logger)
	stitcher := render.NewSegmentStitcher(ffmpegSvc, stor, cfg.RenderTempDir, logger)
	orchestrator := generation.NewOrchestrator(st, providers, submitter, planner, stitcher, generation.OrchestratorConfig{
		DefaultModel:      cfg.DefaultModel,
		MaxSegmentSeconds: cfg.MaxSegmentSeconds,
	}, logger)
	fallback := generation.NewFallbackSync(st, providers, orchestrator, logger)
	poller := generation.NewPoller(st, providers, generation.PollerConfig{
		BatchSize:     cfg.SweepBatchSize,
		PollDelay:     cfg.SweepPollDelay,
		MaxPollErrors: cfg.MaxPollErrors,
	}, logger)

	invoker := render.NewInvoker(st, st, ffmpegSvc, stor, transcriber, render.Config{
		TempDir:            cfg.RenderTempDir,
		StaleAfter:         cfg.RenderStaleAfter,
		PlaceholderEnabled: cfg.RenderPlaceholderEnabled,
		PlaceholderURL:     cfg.RenderPlaceholderURL,
		StageConcurrency:   render.DefaultStageConcurrency,
	}, logger)

	handler := api.NewHandler(api.HandlerDeps{
		Requests: orchestrator,
		Reader:   st,
		Syncer:   fallback,
		Visuals:  st,
		Clips:    st,
		Renderer: invoker,
		Sweeper:  poller,
		Enqueuer: q,
	}, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		JWTSecret:          cfg.JWTSecret,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey == "" {
		logger.Warn().Msg("no BACKEND_API_KEY set, internal routes are unprotected (dev mode)")
	}
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("no JWT_SECRET set, owners are taken from the X-Owner-ID header (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	if cfg.WorkerEnabled {
		w := worker.New(q, orchestrator, invoker, fallback, poller, worker.Config{
			Concurrency:   cfg.MaxConcurrentJobs,
			SweepInterval: cfg.SweepInterval,
		}, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.Start(workerCtx)
		}()
	}

	go func() {
		logger.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdown(server, workerCancel, &workers, logger)
}

func shutdown(server *http.Server, stopWorkers context.CancelFunc, workers *sync.WaitGroup, logger zerolog.Logger) {
	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	stopWorkers()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Msg("workers did not stop before the shutdown deadline")
	}

	logger.Info().Msg("server exited")
}
