package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/nextloop/wsagent/internal/channels"
	"github.com/nextloop/wsagent/internal/config"
	"github.com/nextloop/wsagent/internal/observability"
	"github.com/nextloop/wsagent/pkg/models"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	reqLog := newRequestLogger(cfg.Logging)
	ctx = observability.AddRequestID(ctx, uuid.NewString())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := boot(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer a.shutdown()

	reqLog.Info(ctx, "wsagentd started", "kv_backend", cfg.KV.Backend, "llm_default_provider", cfg.LLM.DefaultProvider)
	<-ctx.Done()
	reqLog.Info(ctx, "shutdown signal received, stopping supervisors")
	return nil
}

func runDemo(ctx context.Context, configPath, ws, text string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	reqLog := newRequestLogger(cfg.Logging)
	ctx = observability.AddRequestID(ctx, uuid.NewString())
	ctx = observability.AddChannel(ctx, "demo")

	a, err := boot(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer a.shutdown()

	args, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})

	reqLog.Info(ctx, "sending demo request", "workspace", ws, "tool", "echo")
	stream, err := a.requests.Send(ctx, ws, models.WorkspaceRequest{
		Kind:     models.RequestProcessSpawn,
		ToolName: "echo",
		Args:     args,
	})
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		v, err := stream.Recv(ctx)
		if errors.Is(err, channels.ErrClosed) {
			return nil
		}
		var wireErr *models.Error
		if errors.As(err, &wireErr) {
			fmt.Printf("error: %s (code=%d)\n", wireErr.Message, wireErr.Code)
			return nil
		}
		if err != nil {
			return err
		}

		if len(v.Progress) > 0 {
			fmt.Printf("progress: %s\n", v.Progress)
		}
		if v.Result != nil {
			switch v.Result.Kind {
			case models.ResultSuccess:
				fmt.Printf("success: %s\n", v.Result.Content)
			case models.ResultFailure:
				fmt.Printf("failure: %s (code=%d)\n", v.Result.FailureError, v.Result.FailureCode)
			default:
				fmt.Printf("result: %+v\n", v.Result)
			}
		}
	}
}

// newLogger builds the plain *slog.Logger threaded through the C1-C7
// stack (Manager, Registry, Orchestrator, ...), which standardizes on
// slog directly rather than a wrapper type.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newRequestLogger builds the binary's own top-level logger, used for the
// serve/demo command lifecycle rather than the internal stack's per-call
// logging: it carries the request-id/channel correlation
// internal/observability.Logger adds via WithContext, and redacts any
// secret-shaped value (an API key pasted into --text, say) before it ever
// reaches stderr.
func newRequestLogger(cfg config.LoggingConfig) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:     cfg.Level,
		Format:    cfg.Format,
		Output:    os.Stderr,
		AddSource: cfg.AddSource,
	})
}
