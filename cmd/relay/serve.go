package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/modelrelay/relay/config"
	"github.com/modelrelay/relay/internal/api"
	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/conversation"
	"github.com/modelrelay/relay/internal/fallback"
	"github.com/modelrelay/relay/internal/kv"
	"github.com/modelrelay/relay/internal/orchestrator"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/provider/anthropic"
	"github.com/modelrelay/relay/internal/provider/gemini"
	"github.com/modelrelay/relay/internal/provider/openaic"
	"github.com/modelrelay/relay/internal/respcache"
	"github.com/modelrelay/relay/internal/runlog"
	"github.com/modelrelay/relay/internal/telemetry"
	"github.com/modelrelay/relay/pkg/ratelimit"
)

const maxFallbackAttempts = 5

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("relay", cfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	// 5. Load the model catalog
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog loaded", "path", cfg.CatalogPath, "models", len(cat.Models()))

	// 6. Register provider adapters for every configured key
	registry := buildRegistry(cfg, cat)
	if len(registry.IDs()) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	if err := cat.CheckProviders(func(id string) bool {
		_, ok := registry.Get(id)
		return ok
	}); err != nil {
		logger.Warn("catalog references unconfigured providers", "error", err)
	}
	logger.Info("providers registered", "ids", registry.IDs())

	// 7. Auth, rate limiting, run log
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	runStore := runlog.NewPostgresStore(pool)
	runWriter := runlog.NewWriter(runStore, 0, logger)
	defer runWriter.Close()

	// 8. Orchestrator
	tracer := otel.GetTracerProvider().Tracer("relay")
	orc := orchestrator.New(orchestrator.Config{
		Registry:       registry,
		Engine:         fallback.New(cat, maxFallbackAttempts),
		Cache:          respcache.New(kv.NewRedisStore(rdb), cfg.CacheTTL, logger),
		Conversations:  conversation.New(kv.NewRedisStore(rdb), logger),
		Runs:           runWriter,
		Tracer:         tracer,
		Logger:         logger,
		AttemptTimeout: cfg.AttemptTimeout,
		RunBudget:      cfg.RunBudget,
	})

	// 9. HTTP surface
	handler := api.NewHandler(orc, cat, runStore, limiter, tracer, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", handler.HandleHealthz)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Get("/v1/models", handler.HandleModels)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// SSE responses outlive any fixed write deadline; the run budget
		// bounds them instead.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("relay listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// buildRegistry registers an adapter for every provider with both an
// API key and at least one catalog model. Model lists come from the
// catalog so a new model needs no code change.
func buildRegistry(cfg *config.Config, cat *catalog.Catalog) *provider.Registry {
	reg := provider.NewRegistry()

	add := func(id, key string, build func(models []string) provider.Adapter) {
		if key == "" {
			return
		}
		models := modelsFor(cat, id)
		if len(models) == 0 {
			return
		}
		reg.Register(build(models))
	}

	add("openai", cfg.OpenAIAPIKey, func(m []string) provider.Adapter {
		return openaic.OpenAI(cfg.OpenAIAPIKey, m)
	})
	add("groq", cfg.GroqAPIKey, func(m []string) provider.Adapter {
		return openaic.Groq(cfg.GroqAPIKey, m)
	})
	add("mistral", cfg.MistralAPIKey, func(m []string) provider.Adapter {
		return openaic.Mistral(cfg.MistralAPIKey, m)
	})
	add("fireworks", cfg.FireworksAPIKey, func(m []string) provider.Adapter {
		return openaic.Fireworks(cfg.FireworksAPIKey, m)
	})
	add("cerebras", cfg.CerebrasAPIKey, func(m []string) provider.Adapter {
		return openaic.Cerebras(cfg.CerebrasAPIKey, m)
	})
	add("xai", cfg.XAIAPIKey, func(m []string) provider.Adapter {
		return openaic.XAI(cfg.XAIAPIKey, m)
	})
	add("anthropic", cfg.AnthropicAPIKey, func(m []string) provider.Adapter {
		return anthropic.New(cfg.AnthropicAPIKey, m, nil)
	})
	add("gemini", cfg.GeminiAPIKey, func(m []string) provider.Adapter {
		return gemini.New(cfg.GeminiAPIKey, m, nil)
	})
	if cfg.AzureOpenAIEndpoint != "" {
		add("azure-openai", cfg.AzureOpenAIAPIKey, func(m []string) provider.Adapter {
			return openaic.AzureOpenAI(cfg.AzureOpenAIEndpoint, cfg.AzureOpenAIAPIKey, m)
		})
	}

	return reg
}

func modelsFor(cat *catalog.Catalog, providerID string) []string {
	var models []string
	for _, e := range cat.Entries() {
		if e.Hosts(providerID) {
			models = append(models, e.Model)
		}
	}
	return models
}
