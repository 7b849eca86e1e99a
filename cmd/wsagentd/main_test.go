package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextloop/wsagent/internal/config"
	"github.com/nextloop/wsagent/internal/observability"
	"github.com/nextloop/wsagent/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "demo"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestNewRequestLoggerAppliesConfiguredLevel(t *testing.T) {
	reqLog := newRequestLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	if reqLog == nil {
		t.Fatalf("expected a non-nil request logger")
	}
	// Exercise it through a tagged context the way runServe/runDemo do, to
	// confirm AddRequestID/AddChannel don't panic against a real Logger.
	ctx := observability.AddChannel(observability.AddRequestID(context.Background(), "req-test"), "test")
	reqLog.Info(ctx, "test message", "k", "v")
}

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wsagentd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestBootWithMemoryBackendAndNoProviders(t *testing.T) {
	path := writeTestConfig(t, "version: 1\nkv:\n  backend: memory\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	a, err := boot(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("boot() error = %v", err)
	}
	defer a.shutdown()

	if a.requests == nil {
		t.Fatalf("expected a requester to be wired")
	}
}

func TestDemoEchoScenarioS1Success(t *testing.T) {
	path := writeTestConfig(t, "version: 1\nkv:\n  backend: memory\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	a, err := boot(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("boot() error = %v", err)
	}
	defer a.shutdown()

	stream, err := a.requests.Send(context.Background(), "demo", models.WorkspaceRequest{
		Kind:     models.RequestProcessSpawn,
		ToolName: "echo",
		Args:     []byte(`{"text":"Hello, world!"}`),
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	values, err := stream.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var sawResult bool
	for _, v := range values {
		if v.Result != nil {
			if v.Result.Kind != models.ResultSuccess || v.Result.Content != "Hello, world!" {
				t.Fatalf("unexpected result: %+v", v.Result)
			}
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatalf("expected a success result among the streamed values")
	}
}

func TestDemoEchoScenarioS2Failure(t *testing.T) {
	path := writeTestConfig(t, "version: 1\nkv:\n  backend: memory\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	a, err := boot(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("boot() error = %v", err)
	}
	defer a.shutdown()

	stream, err := a.requests.Send(context.Background(), "demo", models.WorkspaceRequest{
		Kind:     models.RequestProcessSpawn,
		ToolName: "echo",
		Args:     []byte(`{"text":"ERROR: boom"}`),
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	values, err := stream.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var sawFailure bool
	for _, v := range values {
		if v.Result != nil {
			if v.Result.Kind != models.ResultFailure || v.Result.FailureError != "boom" || v.Result.FailureCode != 400 {
				t.Fatalf("unexpected result: %+v", v.Result)
			}
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("expected a failure result among the streamed values")
	}
}
