package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/redis/go-redis/v9"

	"github.com/casewire/casewire/db"
	"github.com/casewire/casewire/internal/assistant"
	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/capture"
	"github.com/casewire/casewire/internal/cases"
	"github.com/casewire/casewire/internal/config"
	"github.com/casewire/casewire/internal/database"
	"github.com/casewire/casewire/internal/evidence"
	"github.com/casewire/casewire/internal/memory"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/objstore"
	"github.com/casewire/casewire/internal/observability"
	"github.com/casewire/casewire/internal/realtime"
	"github.com/casewire/casewire/internal/reports"
	"github.com/casewire/casewire/internal/search"
)

// Setup creates and initializes the application. On error, everything
// already initialized is released before returning.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}

	logger := slog.Default()
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Background context for work that outlives requests (memory
	// write-back, decay scheduler). Ends in Close, not with the
	// caller's ctx, so in-flight extraction survives request teardown.
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	provideTracing(ctx, a)

	if err := providePostgres(ctx, a); err != nil {
		return nil, err
	}
	if err := provideRedis(ctx, a); err != nil {
		return nil, err
	}
	if err := provideObjects(ctx, a); err != nil {
		return nil, err
	}
	if err := provideGenkit(ctx, a); err != nil {
		return nil, err
	}
	if err := provideAuth(a); err != nil {
		return nil, err
	}
	if err := provideStores(a); err != nil {
		return nil, err
	}
	if err := provideSearch(ctx, a); err != nil {
		return nil, err
	}
	if err := provideMemory(a); err != nil {
		return nil, err
	}
	if err := provideAssistant(a); err != nil {
		return nil, err
	}
	provideRealtime(a)
	provideCapture(a)

	logger.Info("application initialized",
		"provider", cfg.Provider,
		"model", cfg.ModelName,
		"qdrant", cfg.Qdrant.Enabled(),
		"minio", a.Objects != nil,
	)
	return a, nil
}

// provideTracing registers the OTLP exporter. Failure disables tracing
// rather than failing startup; the shutdown hook flushes pending spans.
func provideTracing(ctx context.Context, a *App) {
	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    a.Config.Telemetry.Endpoint,
		ServiceName: a.Config.Telemetry.ServiceName,
		Environment: a.Config.Telemetry.Environment,
	})
	if err != nil {
		a.Logger.Warn("tracing disabled", "error", err)
		return
	}
	a.onClose(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
	})
}

// providePostgres runs migrations and opens the connection pool.
func providePostgres(ctx context.Context, a *App) error {
	if err := db.Migrate(a.Config.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, a.Config.PostgresConnectionString())
	if err != nil {
		return err
	}
	a.Pool = pool
	a.onClose(pool.Close)
	return nil
}

// provideRedis connects the shared Redis client used for the event
// bus, the auth session cache, and the answer/memory caches.
func provideRedis(ctx context.Context, a *App) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("pinging redis at %s: %w", a.Config.Redis.Addr, err)
	}

	a.Redis = rdb
	a.onClose(func() {
		if err := rdb.Close(); err != nil {
			a.Logger.Warn("closing redis client", "error", err)
		}
	})
	return nil
}

// provideObjects connects MinIO when configured. An empty endpoint
// disables file upload and download endpoints.
func provideObjects(ctx context.Context, a *App) error {
	mc := a.Config.MinIO
	if mc.Endpoint == "" {
		a.Logger.Info("object storage not configured, evidence files disabled")
		return nil
	}

	store, err := objstore.New(ctx, objstore.Config{
		Endpoint:  mc.Endpoint,
		AccessKey: mc.AccessKey,
		SecretKey: mc.SecretKey,
		Bucket:    mc.Bucket,
		UseSSL:    mc.UseSSL,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("connecting object storage: %w", err)
	}
	a.Objects = store
	return nil
}

// provideGenkit initializes Genkit with the configured AI provider and
// resolves the embedder. Ollama needs explicit model registration; the
// cloud providers discover models by name.
func provideGenkit(ctx context.Context, a *App) error {
	cfg := a.Config
	promptDir := cfg.PromptDir
	if promptDir == "" {
		promptDir = "prompts"
	}

	var (
		g        *genkit.Genkit
		embedder ai.Embedder
	)

	switch cfg.Provider {
	case config.ProviderOllama:
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx,
			genkit.WithPlugins(plugin),
			genkit.WithPromptDir(promptDir),
		)
		if g == nil {
			return errors.New("initializing genkit with ollama provider")
		}
		plugin.DefineModel(g, ollama.ModelDefinition{Name: cfg.ModelName, Type: "chat"}, nil)
		if cfg.FastModelName != "" && cfg.FastModelName != cfg.ModelName {
			plugin.DefineModel(g, ollama.ModelDefinition{Name: cfg.FastModelName, Type: "chat"}, nil)
		}
		plugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		embedder = ollama.Embedder(g, cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx,
			genkit.WithPlugins(&openai.OpenAI{}),
			genkit.WithPromptDir(promptDir),
		)
		if g == nil {
			return errors.New("initializing genkit with openai provider")
		}
		embedder = genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))

	default: // gemini
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithPromptDir(promptDir),
		)
		if g == nil {
			return errors.New("initializing genkit with gemini provider")
		}
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}

	if embedder == nil {
		return fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}

	gemini := cfg.Provider == config.ProviderGemini || cfg.Provider == config.ProviderGoogleAI || cfg.Provider == ""
	emb, err := search.NewEmbedder(embedder, cfg.EmbedderDims, gemini)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	a.Genkit = g
	a.Embedder = emb
	a.Logger.Info("genkit initialized",
		"provider", cfg.Provider, "model", cfg.ModelName, "embedder", cfg.EmbedderModel)
	return nil
}

// provideAuth wires the user store, JWT issuer, and auth service with
// the Redis session cache.
func provideAuth(a *App) error {
	store, err := auth.NewStore(a.Pool, a.Logger)
	if err != nil {
		return fmt.Errorf("creating auth store: %w", err)
	}

	var issuer *auth.TokenIssuer
	if a.Config.Auth.JWTSecret != "" {
		issuer, err = auth.NewTokenIssuer(a.Config.Auth.JWTSecret, a.Config.Auth.TokenTTL())
		if err != nil {
			return fmt.Errorf("creating token issuer: %w", err)
		}
	}

	svc, err := auth.NewService(auth.Config{
		Store:      store,
		Redis:      a.Redis,
		Issuer:     issuer,
		BcryptCost: a.Config.Auth.BcryptCost,
		SessionTTL: a.Config.Auth.SessionTTL(),
		Logger:     a.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating auth service: %w", err)
	}
	a.Auth = svc
	return nil
}

// provideStores creates the relational stores.
func provideStores(a *App) error {
	var err error
	if a.Cases, err = cases.NewStore(a.Pool, a.Logger); err != nil {
		return fmt.Errorf("creating case store: %w", err)
	}
	if a.Evidence, err = evidence.NewStore(a.Pool, a.Logger); err != nil {
		return fmt.Errorf("creating evidence store: %w", err)
	}
	if a.Reports, err = reports.NewStore(a.Pool, a.Logger); err != nil {
		return fmt.Errorf("creating report store: %w", err)
	}
	if a.Sessions, err = assistant.NewStore(a.Pool, a.Logger); err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	return nil
}

// provideSearch wires the hybrid retrieval stack: pgvector store,
// optional Qdrant secondary with its outbox worker, the routing
// service, and the async indexer.
func provideSearch(ctx context.Context, a *App) error {
	store, err := search.NewStore(a.Pool, a.Logger)
	if err != nil {
		return fmt.Errorf("creating search store: %w", err)
	}
	a.SearchStore = store

	sc := a.Config.Search
	if qc := a.Config.Qdrant; qc.Enabled() {
		index, err := search.NewIndex(search.IndexConfig{
			Host:       qc.Host,
			Port:       qc.Port,
			APIKey:     qc.APIKey,
			Collection: qc.Collection,
			UseTLS:     qc.UseTLS,
			Dims:       a.Config.EmbedderDims,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("connecting qdrant: %w", err)
		}
		a.onClose(func() {
			if err := index.Close(); err != nil {
				a.Logger.Warn("closing qdrant client", "error", err)
			}
		})
		if err := index.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("ensuring qdrant collection: %w", err)
		}
		a.Qdrant = index

		worker, err := search.NewOutboxWorker(a.Pool, index, a.Logger,
			sc.OutboxPoll(), sc.OutboxBatch, a.Metrics)
		if err != nil {
			return fmt.Errorf("creating outbox worker: %w", err)
		}
		a.Outbox = worker
	}

	svc, err := search.NewService(search.ServiceConfig{
		Store:       store,
		Index:       a.Qdrant,
		Embedder:    a.Embedder,
		Logger:      a.Logger,
		Metrics:     a.Metrics,
		Threshold:   sc.SimilarityThreshold,
		DefaultTopK: sc.DefaultTopK,
		MaxTopK:     sc.MaxTopK,
	})
	if err != nil {
		return fmt.Errorf("creating search service: %w", err)
	}
	a.Search = svc

	indexer, err := search.NewIndexer(store, a.Embedder, a.Logger, sc.IndexQueueSize)
	if err != nil {
		return fmt.Errorf("creating indexer: %w", err)
	}
	a.Indexer = indexer

	search.DefineRetriever(a.Genkit, svc)
	return nil
}

// provideMemory wires the research memory store, LLM arbitration, and
// decay scheduler.
func provideMemory(a *App) error {
	store, err := memory.NewStore(a.Pool, a.Logger)
	if err != nil {
		return fmt.Errorf("creating memory store: %w", err)
	}

	arb, err := memory.NewLLMArbitrator(a.Genkit, a.Config.FullModelName(a.Config.ModelName))
	if err != nil {
		return fmt.Errorf("creating memory arbitrator: %w", err)
	}

	svc, err := memory.NewService(memory.ServiceConfig{
		Store:      store,
		Embedder:   a.Embedder,
		Redis:      a.Redis,
		Logger:     a.Logger,
		Arbitrator: arb,
	})
	if err != nil {
		return fmt.Errorf("creating memory service: %w", err)
	}

	a.Memory = svc
	a.scheduler = memory.NewScheduler(store, a.Logger)
	return nil
}

// provideAssistant registers the agent tools, builds the agent, and
// defines the counsel flow.
func provideAssistant(a *App) error {
	tk, err := assistant.NewToolkit(a.Search, a.Cases, a.Reports, a.Logger)
	if err != nil {
		return fmt.Errorf("creating toolkit: %w", err)
	}
	tools, err := assistant.RegisterTools(a.Genkit, tk)
	if err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}

	agent, err := assistant.New(assistant.Config{
		Genkit:        a.Genkit,
		Sessions:      a.Sessions,
		Logger:        a.Logger,
		Tools:         tools,
		Search:        a.Search,
		Memory:        a.Memory,
		Redis:         a.Redis,
		Metrics:       a.Metrics,
		ModelName:     a.Config.FullModelName(a.Config.ModelName),
		FastModelName: a.Config.FullModelName(a.Config.FastModelName),
		MaxTurns:      a.Config.MaxTurns,
		BackgroundCtx: a.bgCtx,
		WG:            &a.wg,
	})
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	a.Agent = agent
	a.Flow = assistant.NewFlow(a.Genkit, agent)
	return nil
}

// provideRealtime wires the in-process hub and the Redis relay.
func provideRealtime(a *App) {
	a.Hub = realtime.NewHub(a.Logger, a.Metrics)
	a.Bus = realtime.NewBus(a.Redis, a.Hub, a.Logger, a.Metrics)
}

// provideCapture builds the SSRF-guarded web evidence fetcher.
func provideCapture(a *App) {
	cc := a.Config.Capture
	fetcher, err := capture.NewFetcher(capture.Config{
		Timeout: time.Duration(cc.TimeoutMs) * time.Millisecond,
	}, a.Logger)
	if err != nil {
		// Capture is optional; the endpoint is simply not registered.
		a.Logger.Warn("web capture disabled", "error", err)
		return
	}
	a.Capture = fetcher
}
