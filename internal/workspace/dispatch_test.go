package workspace

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/pkg/models"
)

func popResponse(t *testing.T, r *Registry, workspace, channelID string) models.StreamValue {
	t.Helper()
	var sv models.StreamValue
	ok, err := r.store.BRPop(context.Background(), responseKey(workspace, channelID), time.Second, &sv)
	if err != nil || !ok {
		t.Fatalf("expected a response, ok=%v err=%v", ok, err)
	}
	return sv
}

func TestDispatchProcessSpawnSuccess(t *testing.T) {
	r, _, tools := testRegistry(t)
	tools.register("echo", nil, func(ctx context.Context, p *process.Process, arguments json.RawMessage) {
		_ = p.SendUpdate(ctx, json.RawMessage(`{"step":1}`), nil)
		_ = p.SendUpdate(ctx, nil, models.Success("echoed"))
	})

	s, err := r.TryAcquire(context.Background(), "w1")
	if err != nil || s == nil {
		t.Fatalf("TryAcquire: %v, %v", s, err)
	}

	s.dispatch(context.Background(), models.RequestEnvelope{
		ChannelID: "wch-test1",
		Request:   models.WorkspaceRequest{Kind: models.RequestProcessSpawn, ToolName: "echo", Args: json.RawMessage(`{}`)},
	})

	deadline := time.Now().Add(time.Second)
	var sawResult bool
	for time.Now().Before(deadline) {
		sv := popResponse(t, r, "w1", "wch-test1")
		if sv.Kind == models.ValueKindClose {
			break
		}
		if sv.Kind != models.ValueKindValue || sv.Value.Kind != models.StreamProgress {
			t.Fatalf("unexpected stream message: %+v", sv)
		}
		if sv.Value.Result != nil {
			if sv.Value.Result.Kind != models.ResultSuccess || sv.Value.Result.Content != "echoed" {
				t.Fatalf("unexpected result: %+v", sv.Value.Result)
			}
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatalf("expected to observe the success result before close")
	}
}

func TestDispatchProcessSpawnUnknownTool(t *testing.T) {
	r, _, _ := testRegistry(t)
	s, err := r.TryAcquire(context.Background(), "w1")
	if err != nil || s == nil {
		t.Fatalf("TryAcquire: %v, %v", s, err)
	}

	s.dispatch(context.Background(), models.RequestEnvelope{
		ChannelID: "wch-test2",
		Request:   models.WorkspaceRequest{Kind: models.RequestProcessSpawn, ToolName: "missing"},
	})

	sv := popResponse(t, r, "w1", "wch-test2")
	if sv.Kind != models.ValueKindError || sv.Error == nil || sv.Error.Code != 404 {
		t.Fatalf("expected a not_found error, got %+v", sv)
	}
	closeMsg := popResponse(t, r, "w1", "wch-test2")
	if closeMsg.Kind != models.ValueKindClose {
		t.Fatalf("expected close to follow the error, got %+v", closeMsg)
	}
}

func TestDispatchProcessSigkill(t *testing.T) {
	r, _, tools := testRegistry(t)
	started := make(chan struct{})
	tools.register("sleep", nil, func(ctx context.Context, p *process.Process, arguments json.RawMessage) {
		close(started)
		<-ctx.Done()
	})

	s, err := r.TryAcquire(context.Background(), "w1")
	if err != nil || s == nil {
		t.Fatalf("TryAcquire: %v, %v", s, err)
	}

	s.dispatch(context.Background(), models.RequestEnvelope{
		ChannelID: "wch-spawn",
		Request:   models.WorkspaceRequest{Kind: models.RequestProcessSpawn, ToolName: "sleep"},
	})
	<-started

	var uri models.ProcessURI
	for _, w := range r.Workspaces() {
		_ = w
	}
	// Find the spawned process's URI via the manager's active set.
	members, err := r.store.SMembers(context.Background(), "process:active:w1")
	if err != nil || len(members) != 1 {
		t.Fatalf("expected exactly one active process, got %v, err=%v", members, err)
	}
	uri = models.ProcessURI(members[0])

	s.dispatch(context.Background(), models.RequestEnvelope{
		ChannelID: "wch-sigkill",
		Request:   models.WorkspaceRequest{Kind: models.RequestProcessSigkill, URI: uri},
	})

	closeMsg := popResponse(t, r, "w1", "wch-sigkill")
	if closeMsg.Kind != models.ValueKindClose {
		t.Fatalf("expected sigkill dispatch to close immediately, got %+v", closeMsg)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var status models.ProcessStatus
		ok, err := r.store.Get(context.Background(), "process:status:"+string(uri), &status)
		if err == nil && ok && status.Result != nil {
			if status.Result.Kind != models.ResultStopped {
				t.Fatalf("expected a stopped result, got %+v", status.Result)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected sigkill to assign a stopped result")
}

func TestDispatchProcessUpdateForwardsActions(t *testing.T) {
	r, _, tools := testRegistry(t)
	hold := make(chan struct{})
	defer close(hold)
	tools.register("manual", nil, func(ctx context.Context, p *process.Process, arguments json.RawMessage) { <-hold })

	s, err := r.TryAcquire(context.Background(), "w1")
	if err != nil || s == nil {
		t.Fatalf("TryAcquire: %v, %v", s, err)
	}

	s.dispatch(context.Background(), models.RequestEnvelope{
		ChannelID: "wch-manual",
		Request:   models.WorkspaceRequest{Kind: models.RequestProcessSpawn, ToolName: "manual"},
	})
	// Drain the spawn's own close-free progress stream isn't relevant here;
	// locate the process directly via the manager.
	members, err := r.store.SMembers(context.Background(), "process:active:w1")
	if err != nil || len(members) != 1 {
		t.Fatalf("expected exactly one active process, got %v, err=%v", members, err)
	}
	uri := models.ProcessURI(members[0])

	s.dispatch(context.Background(), models.RequestEnvelope{
		ChannelID: "wch-update",
		Request: models.WorkspaceRequest{
			Kind:     models.RequestProcessUpdate,
			URI:      uri,
			Progress: json.RawMessage(`{"pct":10}`),
			Actions:  []models.WorkspaceAction{{ServiceID: "svc1", Kind: "notify"}},
		},
	})

	closeMsg := popResponse(t, r, "w1", "wch-update")
	if closeMsg.Kind != models.ValueKindClose {
		t.Fatalf("expected process/update to close, got %+v", closeMsg)
	}

	var action models.WorkspaceAction
	ok, err := r.store.BRPop(context.Background(), actionKey("w1", "svc1"), time.Second, &action)
	if err != nil || !ok {
		t.Fatalf("expected the action to be forwarded, ok=%v err=%v", ok, err)
	}
	if action.Kind != "notify" {
		t.Fatalf("unexpected forwarded action: %+v", action)
	}
}

func TestDispatchChatbotSpawnWithoutSpawnerErrors(t *testing.T) {
	r, _, _ := testRegistry(t)
	s, err := r.TryAcquire(context.Background(), "w1")
	if err != nil || s == nil {
		t.Fatalf("TryAcquire: %v, %v", s, err)
	}

	s.dispatch(context.Background(), models.RequestEnvelope{
		ChannelID: "wch-chat",
		Request:   models.WorkspaceRequest{Kind: models.RequestChatbotSpawn, BotID: "bot1"},
	})

	sv := popResponse(t, r, "w1", "wch-chat")
	if sv.Kind != models.ValueKindError {
		t.Fatalf("expected an error since no ChatbotSpawner is configured, got %+v", sv)
	}
	closeMsg := popResponse(t, r, "w1", "wch-chat")
	if closeMsg.Kind != models.ValueKindClose {
		t.Fatalf("expected close to follow, got %+v", closeMsg)
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	r, _, _ := testRegistry(t)
	s, err := r.TryAcquire(context.Background(), "w1")
	if err != nil || s == nil {
		t.Fatalf("TryAcquire: %v, %v", s, err)
	}

	s.dispatch(context.Background(), models.RequestEnvelope{
		ChannelID: "wch-bad",
		Request:   models.WorkspaceRequest{Kind: "bogus/kind"},
	})

	sv := popResponse(t, r, "w1", "wch-bad")
	if sv.Kind != models.ValueKindError {
		t.Fatalf("expected an error for an unknown kind, got %+v", sv)
	}
}
