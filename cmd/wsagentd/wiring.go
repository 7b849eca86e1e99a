package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextloop/wsagent/internal/channels"
	"github.com/nextloop/wsagent/internal/chatbot"
	"github.com/nextloop/wsagent/internal/config"
	"github.com/nextloop/wsagent/internal/infra"
	"github.com/nextloop/wsagent/internal/kv"
	"github.com/nextloop/wsagent/internal/kv/memstore"
	"github.com/nextloop/wsagent/internal/kv/redisstore"
	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/internal/llm/providers"
	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/internal/workspace"
	"github.com/nextloop/wsagent/pkg/models"
)

// maxConcurrentTools bounds how many OnSpawn bodies run at once in this
// replica; see process.WithConcurrencyLimit.
const maxConcurrentTools = 32

// sweepInterval is how often the process.Sweeper heartbeat scans for
// processes whose owner died without reporting a result.
const sweepInterval = process.ExpirationWindow / 2

// shutdownTimeout bounds how long the shutdown coordinator waits for a
// registered phase before moving on.
const shutdownTimeout = 10 * time.Second

// redisPingRetry rides out a redis replica that is still coming up
// (container start order, rolling restart) instead of failing boot on
// the first connection attempt.
var redisPingRetry = &infra.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Strategy:     infra.BackoffExponential,
}

// app bundles the running stack's handles so commands can drive it and
// main can tear it down on shutdown.
type app struct {
	store     kv.Store
	mgr       *process.Manager
	registry  *workspace.Registry
	requests  *channels.Requester
	heartbeat *infra.HeartbeatRunner
	shutdownC *infra.ShutdownCoordinator
	stopping  chan struct{}
}

// buildStore opens the KV backend cfg selects.
func buildStore(ctx context.Context, cfg config.KVConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		store := redisstore.New(client)
		_, result := infra.Retry(ctx, redisPingRetry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, store.Ping(ctx)
		})
		if result.LastError != nil {
			return nil, fmt.Errorf("ping redis at %s after %d attempt(s): %w", cfg.Redis.Addr, result.Attempts, result.LastError)
		}
		return store, nil
	case "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported kv backend %q", cfg.Backend)
	}
}

// buildProviders constructs every configured LLM provider and wraps them
// in a chatbot.ModelRegistry, the way a production replica would.
func buildProviders(ctx context.Context, cfg config.LLMConfig, retry llm.RetrySchedule) (*chatbot.StaticRegistry, error) {
	var built []llm.Provider
	for name, pc := range cfg.Providers {
		switch name {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel, Retry: retry,
			})
			if err != nil {
				return nil, fmt.Errorf("build anthropic provider: %w", err)
			}
			built = append(built, p)
		case "openai":
			p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel, Retry: retry,
			})
			if err != nil {
				return nil, fmt.Errorf("build openai provider: %w", err)
			}
			built = append(built, p)
		case "google":
			p, err := providers.NewGoogleProvider(ctx, providers.GoogleConfig{
				APIKey: pc.APIKey, DefaultModel: pc.DefaultModel, Retry: retry,
			})
			if err != nil {
				return nil, fmt.Errorf("build google provider: %w", err)
			}
			built = append(built, p)
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	return chatbot.NewStaticRegistry(built...), nil
}

// retrySchedule maps cfg's dev/prod flag onto the fixed schedules
// internal/llm exposes.
func retrySchedule(flag string) llm.RetrySchedule {
	if flag == "prod" {
		return llm.ProdRetrySchedule
	}
	return llm.DevRetrySchedule
}

// boot wires the whole stack together: KV backend, process manager, tool
// registry (the debug echo tool), chatbot orchestrator (if any providers
// are configured), workspace registry, and the cross-replica request
// client.
func boot(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := buildStore(ctx, cfg.KV)
	if err != nil {
		return nil, err
	}

	stopping := make(chan struct{})
	mgr := process.NewManager(store, stopping, logger, process.WithConcurrencyLimit(maxConcurrentTools))
	tools := newToolset()
	tools.registerEcho()

	var spawner workspace.ChatbotSpawner
	if len(cfg.LLM.Providers) > 0 {
		retry := retrySchedule(cfg.LLM.RetrySchedule)
		registry, err := buildProviders(ctx, cfg.LLM, retry)
		if err != nil {
			close(stopping)
			return nil, err
		}
		persona := models.Persona{Model: cfg.LLM.DefaultProvider, DefaultEnabled: true}
		spawner = chatbot.NewOrchestrator(mgr, tools, registry, chatbot.NewBotStateStore(store),
			chatbot.NewThreadProvider(store), retry, providers.IsRetryable, persona, logger)
	}

	wsRegistry := workspace.NewRegistry(store, mgr, tools, spawner, stopping, logger)
	requester := channels.NewRequester(store, wsRegistry)

	sweeper := process.NewSweeper(mgr, wsRegistry.Workspaces)
	heartbeat := infra.NewHeartbeatRunner(infra.HeartbeatConfig{
		Interval: sweepInterval,
		OnHeartbeat: func(ctx context.Context) (string, bool) {
			return sweeper.Heartbeat(ctx)
		},
		OnError: func(err error) {
			logger.Error("process: sweep heartbeat failed", "error", err)
		},
	})
	heartbeat.Start(ctx)

	shutdownC := infra.NewShutdownCoordinator(shutdownTimeout, logger)
	shutdownC.RegisterFunc("process-sweeper", infra.PhaseServices, func(ctx context.Context) error {
		heartbeat.Stop()
		return nil
	})
	shutdownC.RegisterFunc("request-dispatch", infra.PhasePreShutdown, func(ctx context.Context) error {
		close(stopping)
		return nil
	})

	return &app{
		store:     store,
		mgr:       mgr,
		registry:  wsRegistry,
		requests:  requester,
		heartbeat: heartbeat,
		shutdownC: shutdownC,
		stopping:  stopping,
	}, nil
}

// shutdown runs the registered shutdown phases in order: stop accepting
// new dispatch work, then stop the background sweep.
func (a *app) shutdown() {
	for _, result := range a.shutdownC.Shutdown(context.Background()) {
		if result.Error != nil {
			slog.Error("shutdown handler failed", "name", result.Name, "error", result.Error)
		}
	}
}
