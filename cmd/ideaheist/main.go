package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/ideaheist/internal/auth"
	"github.com/ashita-ai/ideaheist/internal/budget"
	"github.com/ashita-ai/ideaheist/internal/config"
	"github.com/ashita-ai/ideaheist/internal/llm"
	"github.com/ashita-ai/ideaheist/internal/mcp"
	"github.com/ashita-ai/ideaheist/internal/orchestrator"
	"github.com/ashita-ai/ideaheist/internal/ratelimit"
	"github.com/ashita-ai/ideaheist/internal/recovery"
	"github.com/ashita-ai/ideaheist/internal/runlog"
	"github.com/ashita-ai/ideaheist/internal/search"
	"github.com/ashita-ai/ideaheist/internal/server"
	"github.com/ashita-ai/ideaheist/internal/service/embedding"
	"github.com/ashita-ai/ideaheist/internal/storage"
	"github.com/ashita-ai/ideaheist/internal/storage/sqlitestore"
	"github.com/ashita-ai/ideaheist/internal/telemetry"
	"github.com/ashita-ai/ideaheist/internal/tools"
	"github.com/ashita-ai/ideaheist/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, level); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// stores holds whichever backends VIDEO_STORE selected.
type stores struct {
	videos tools.VideoStore
	runs   orchestrator.RunStore
	health server.Pinger
	db     *storage.DB // nil with the sqlite store
	close  func()
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("load config: IDEAHEIST_LOG_LEVEL: %w", err)
	}

	slog.Info("ideaheist starting", "version", version, "port", cfg.Port, "video_store", cfg.VideoStore)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	embedder := newEmbeddingProvider(cfg, logger)

	// Qdrant when configured; otherwise pgvector in the video database.
	var searcher search.Searcher
	switch {
	case cfg.QdrantURL != "":
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:              cfg.QdrantURL,
			APIKey:           cfg.QdrantAPIKey,
			CollectionPrefix: cfg.QdrantCollectionPrefix,
			Dims:             uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()
		if err := qdrantIndex.EnsureCollections(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collections: %w", err)
		}
		searcher = qdrantIndex
		logger.Info("search: qdrant", "collection_prefix", cfg.QdrantCollectionPrefix)
	case st.db != nil:
		searcher = st.db
		logger.Info("search: pgvector (no QDRANT_URL)")
	default:
		return errors.New("search: the sqlite video store needs QDRANT_URL")
	}

	router, err := newRouter(cfg, logger)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	var judge tools.PatternJudge = tools.NewLLMJudge(router)
	if cfg.CheapProvider == "scripted" {
		judge = tools.HeuristicJudge{MinShared: 1}
	}
	all := []tools.Tool{tools.NewVideoBundleTool(st.videos)}
	for _, t := range tools.NewSearchTools(embedder, searcher, st.videos) {
		all = append(all, t)
	}
	all = append(all, tools.NewValidatePatternTool(st.videos, judge, 4))
	registry, err := tools.NewRegistry(logger, all...)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	// The file log is the record of every run; Postgres gets a best-effort
	// mirror for querying.
	fileSink, err := runlog.NewFileSink(cfg.RunLogDir, cfg.RunLogSync)
	if err != nil {
		return fmt.Errorf("run log: %w", err)
	}
	defer func() { _ = fileSink.Close() }()
	var sink runlog.Sink = fileSink
	var mirror *runlog.PostgresSink
	if cfg.RunEventMirror && st.db != nil {
		mirror = runlog.NewPostgresSink(st.db, logger, cfg.EventBufferSize, cfg.EventFlushPeriod)
		mirror.Start(ctx)
		sink = runlog.MultiSink{fileSink, mirror}
		logger.Info("run log: mirroring to postgres", "batch", cfg.EventBufferSize)
	}

	orch, err := orchestrator.New(orchestratorConfig(cfg), orchestrator.Deps{
		Registry: registry,
		Videos:   st.videos,
		Model:    router,
		Sink:     sink,
		Runs:     st.runs,
	}, logger)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	manager := orchestrator.NewManager(orch, logger)

	mcpSrv := mcp.New(registry, manager, version, logger)

	var jwtMgr *auth.JWTManager
	if cfg.AuthEnabled() {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		logger.Info("auth: enabled")
	} else {
		logger.Warn("auth: disabled (no IDEAHEIST_API_KEY_HASH)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Manager:             manager,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		APIKeyHash:          cfg.APIKeyHash,
		Limiter:             limiter,
		DB:                  st.health,
		Searcher:            searcher,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		EventBuffer:         cfg.EventBufferSize,
		StreamRetention:     time.Minute,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting requests and cut event streams, (2) let
	// in-flight runs finish or cancel them, (3) flush the run log mirror.
	// The file sink closes last via defer.
	slog.Info("ideaheist shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runCtx, runCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := manager.Shutdown(runCtx); err != nil {
		slog.Warn("runs cancelled at shutdown", "error", err)
	}
	runCancel()

	if mirror != nil {
		mirrorCtx, mirrorCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		mirror.Drain(mirrorCtx)
		mirrorCancel()
	}

	slog.Info("ideaheist stopped")
	return nil
}

// openStores opens the video and run store selected by VIDEO_STORE.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	switch cfg.VideoStore {
	case "sqlite":
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return stores{}, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("video store: sqlite", "path", cfg.SQLitePath)
		return stores{
			videos: store,
			runs:   store,
			health: store,
			close:  func() { _ = store.Close() },
		}, nil

	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return stores{}, fmt.Errorf("storage: %w", err)
		}
		applied, err := db.RunMigrations(ctx, migrations.FS)
		if err != nil {
			db.Close()
			return stores{}, fmt.Errorf("storage: migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("schema migrated", "files", applied)
		}
		logger.Info("video store: postgres")
		return stores{
			videos: db,
			runs:   db,
			health: db,
			db:     db,
			close:  db.Close,
		}, nil
	}
}

func orchestratorConfig(cfg config.Config) orchestrator.Config {
	return orchestrator.Config{
		Limits: budget.Limits{
			MaxTokens:    cfg.MaxTokens,
			MaxToolCalls: cfg.MaxToolCalls,
			MaxFanouts:   cfg.MaxFanouts,
			MaxDuration:  cfg.MaxDuration,
		},
		MaxTurns:            cfg.MaxTurns,
		CompletionThreshold: cfg.CompletionThreshold,
		MinConfidenceFloor:  cfg.MinConfidenceFloor,
		BaselineSize:        cfg.BaselineSize,
		ValidationSize:      cfg.ValidationSize,
		FallbackToClassic:   cfg.FallbackToClassic,
		ModelCallTimeout:    cfg.LLMCallTimeout,
		ToolCallTimeout:     cfg.ToolCallTimeout,
		Retry: recovery.Policy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			Multiplier:   cfg.RetryMultiplier,
			MaxDelay:     cfg.RetryMaxDelay,
			Jitter:       cfg.RetryJitter,
		},
	}
}

// newRouter builds the model routing table. Only the backends a tier uses
// are constructed, so a deployment needs keys only for those providers.
func newRouter(cfg config.Config, logger *slog.Logger) (*llm.Router, error) {
	targets := map[llm.Tier]llm.Target{
		llm.TierCheap: {
			Provider: cfg.CheapProvider,
			Model:    cfg.CheapModel,
			JSONMode: slices.Contains(cfg.JSONModeModels, cfg.CheapModel),
			Pricing:  budget.Pricing{InputPerMillion: cfg.CheapPriceInUSD, OutputPerMillion: cfg.CheapPriceOutUSD},
		},
		llm.TierDeep: {
			Provider: cfg.DeepProvider,
			Model:    cfg.DeepModel,
			JSONMode: slices.Contains(cfg.JSONModeModels, cfg.DeepModel),
			Pricing:  budget.Pricing{InputPerMillion: cfg.DeepPriceInUSD, OutputPerMillion: cfg.DeepPriceOutUSD},
		},
	}

	var backends []llm.Backend
	for _, provider := range []string{"anthropic", "openai", "scripted"} {
		if cfg.CheapProvider != provider && cfg.DeepProvider != provider {
			continue
		}
		switch provider {
		case "anthropic":
			if cfg.AnthropicAPIKey == "" {
				return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
			}
			backends = append(backends, llm.NewAnthropicBackend(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.LLMMaxTokens))
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
			}
			backends = append(backends, llm.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LLMMaxTokens))
		case "scripted":
			b := llm.NewScriptedBackend("scripted")
			b.SetFallback(llm.DevResponder)
			backends = append(backends, b)
			logger.Warn("llm: scripted offline responder in use; results are not real analyses")
		}
	}
	logger.Info("llm: routing",
		"cheap", cfg.CheapProvider+"/"+cfg.CheapModel,
		"deep", cfg.DeepProvider+"/"+cfg.DeepModel)
	return llm.NewRouter(targets, backends, logger)
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	openai := func() embedding.Provider {
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai embedding provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p
	}

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return openai()

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Warn("embedding provider: noop (search tools will return nothing)")
		return embedding.NewNoopProvider(dims)

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return openai()
		}
		logger.Warn("no embedding provider available, using noop (search tools will return nothing)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
