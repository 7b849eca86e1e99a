package chatbot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextloop/wsagent/internal/kv/memstore"
	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/internal/workspace"
	"github.com/nextloop/wsagent/pkg/models"
)

const testModelID = "fake-model"

var testModel = llm.Model{ID: testModelID, Name: "fake", ContextSize: 100_000}

// scriptedProvider replays one canned chunk sequence per Complete call,
// holding the last sequence once its script is exhausted. When withTools is
// set, it only returns a tool call while the request still offers tools, so
// it can stand in for a model that keeps calling a tool until the loop
// withholds tools on its last step.
type scriptedProvider struct {
	mu    sync.Mutex
	steps [][]*llm.CompletionChunk
	calls int

	alwaysToolCall string
}

func (p *scriptedProvider) Name() string          { return "fake" }
func (p *scriptedProvider) Models() []llm.Model   { return []llm.Model{testModel} }
func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	var chunks []*llm.CompletionChunk
	switch {
	case p.alwaysToolCall != "" && len(req.Tools) > 0:
		callID := "call-" + string(rune('a'+idx))
		chunks = []*llm.CompletionChunk{
			{Part: &models.LlmPart{Kind: models.PartToolCall, ToolCallID: callID, ToolName: p.alwaysToolCall, ToolArguments: json.RawMessage(`{}`)}},
			{Done: true},
		}
	case p.alwaysToolCall != "":
		chunks = []*llm.CompletionChunk{
			{TextDelta: "final answer after tools were withheld, long enough to flush"},
			{Part: &models.LlmPart{Kind: models.PartText, Text: "final answer after tools were withheld, long enough to flush"}},
			{Done: true},
		}
	default:
		if idx >= len(p.steps) {
			idx = len(p.steps) - 1
		}
		chunks = p.steps[idx]
	}

	ch := make(chan *llm.CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fakeTools struct {
	mu     sync.Mutex
	byName map[string]struct {
		info models.ToolInfo
		exec workspace.ToolExecutor
	}
}

func newFakeTools() *fakeTools {
	return &fakeTools{byName: make(map[string]struct {
		info models.ToolInfo
		exec workspace.ToolExecutor
	})}
}

func (f *fakeTools) register(name string, exec workspace.ToolExecutor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byName[name] = struct {
		info models.ToolInfo
		exec workspace.ToolExecutor
	}{info: models.ToolInfo{Name: name}, exec: exec}
}

func (f *fakeTools) LookupTool(name string) (models.ToolInfo, workspace.ToolExecutor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byName[name]
	return e.info, e.exec, ok
}

func (f *fakeTools) ListTools() []models.ToolInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	tools := make([]models.ToolInfo, 0, len(f.byName))
	for _, e := range f.byName {
		tools = append(tools, e.info)
	}
	return tools
}

func newTestOrchestrator(t *testing.T, provider *scriptedProvider, tools *fakeTools) (*Orchestrator, *process.Manager, chan struct{}) {
	t.Helper()
	store := memstore.New()
	stopping := make(chan struct{})
	mgr := process.NewManager(store, stopping, nil)
	registry := NewStaticRegistry(provider)
	persona := models.Persona{Model: testModelID, DefaultEnabled: true}
	o := NewOrchestrator(mgr, tools, registry, NewBotStateStore(store), NewThreadProvider(store),
		llm.RetrySchedule{}, func(error) bool { return false }, persona, nil)
	return o, mgr, stopping
}

func waitResult(t *testing.T, p *process.Process) *models.ProcessResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r := p.Status().Result; r != nil {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a result")
	return nil
}

func TestSpawnNoToolCallsSucceeds(t *testing.T) {
	provider := &scriptedProvider{steps: [][]*llm.CompletionChunk{{
		{TextDelta: "Hello there, this reply is long enough to flush a batch."},
		{Part: &models.LlmPart{Kind: models.PartText, Text: "Hello there, this reply is long enough to flush a batch."}},
		{Done: true},
	}}}
	o, _, _ := newTestOrchestrator(t, provider, newFakeTools())

	p, reply, err := o.Spawn(context.Background(), "w1", "ndp://internal/w1/proc1", models.WorkspaceRequest{BotID: "bot1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	result := waitResult(t, p)
	if result.Kind != models.ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Content == "" {
		t.Fatalf("expected the final answer text in the result content")
	}

	var text string
	for _, part := range reply.Reply() {
		if part.Kind == models.BotPartText {
			text += part.Text
		}
	}
	if text == "" {
		t.Fatalf("expected streamed text in the reply, got none")
	}
}

func TestSpawnSpawnsToolAndIncorporatesResult(t *testing.T) {
	tools := newFakeTools()
	tools.register("echo", func(ctx context.Context, p *process.Process, arguments json.RawMessage) {
		_ = p.SendUpdate(ctx, nil, models.Success("42"))
	})
	provider := &scriptedProvider{steps: [][]*llm.CompletionChunk{
		{
			{Part: &models.LlmPart{Kind: models.PartToolCall, ToolCallID: "call1", ToolName: "echo", ToolArguments: json.RawMessage(`{}`)}},
			{Done: true},
		},
		{
			{TextDelta: "The answer is 42, which is long enough to flush a batch here."},
			{Part: &models.LlmPart{Kind: models.PartText, Text: "The answer is 42, which is long enough to flush a batch here."}},
			{Done: true},
		},
	}}
	o, _, _ := newTestOrchestrator(t, provider, tools)

	p, reply, err := o.Spawn(context.Background(), "w1", "ndp://internal/w1/proc2", models.WorkspaceRequest{BotID: "bot1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	result := waitResult(t, p)
	if result.Kind != models.ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected exactly two completion calls, got %d", provider.callCount())
	}

	var sawToolCall bool
	for _, part := range reply.Reply() {
		if part.Kind == models.BotPartToolCall && part.ToolName == "echo" {
			sawToolCall = true
		}
	}
	if !sawToolCall {
		t.Fatalf("expected the reply to surface the tool call")
	}
}

func TestSpawnWithholdsToolsOnLastStep(t *testing.T) {
	tools := newFakeTools()
	tools.register("loop", func(ctx context.Context, p *process.Process, arguments json.RawMessage) {
		_ = p.SendUpdate(ctx, nil, models.Success("again"))
	})
	provider := &scriptedProvider{alwaysToolCall: "loop"}
	o, _, _ := newTestOrchestrator(t, provider, tools)

	p, _, err := o.Spawn(context.Background(), "w1", "ndp://internal/w1/proc3", models.WorkspaceRequest{BotID: "bot1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	result := waitResult(t, p)
	if result.Kind != models.ResultSuccess {
		t.Fatalf("expected the model to be forced into a final answer, got %+v", result)
	}
	if provider.callCount() != maxSteps {
		t.Fatalf("expected exactly %d completion calls (tools withheld on the last), got %d", maxSteps, provider.callCount())
	}
}

func TestSpawnMissingToolTerminatesWithError(t *testing.T) {
	provider := &scriptedProvider{steps: [][]*llm.CompletionChunk{{
		{Part: &models.LlmPart{Kind: models.PartToolCall, ToolCallID: "call1", ToolName: "missing", ToolArguments: json.RawMessage(`{}`)}},
		{Done: true},
	}}}
	o, _, _ := newTestOrchestrator(t, provider, newFakeTools())

	p, _, err := o.Spawn(context.Background(), "w1", "ndp://internal/w1/proc4", models.WorkspaceRequest{BotID: "bot1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	result := waitResult(t, p)
	if result.Kind != models.ResultFailure || result.FailureCode != 404 {
		t.Fatalf("expected a not_found failure, got %+v", result)
	}
}

func TestSigkillDuringToolWaitStopsTheChatbot(t *testing.T) {
	tools := newFakeTools()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	tools.register("wait", func(ctx context.Context, p *process.Process, arguments json.RawMessage) {
		close(started)
		<-release
	})
	provider := &scriptedProvider{steps: [][]*llm.CompletionChunk{{
		{Part: &models.LlmPart{Kind: models.PartToolCall, ToolCallID: "call1", ToolName: "wait", ToolArguments: json.RawMessage(`{}`)}},
		{Done: true},
	}}}
	o, mgr, _ := newTestOrchestrator(t, provider, tools)

	p, _, err := o.Spawn(context.Background(), "w1", "ndp://internal/w1/proc5", models.WorkspaceRequest{BotID: "bot1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started

	mgr.Sigkill(context.Background(), p.URI())

	result := waitResult(t, p)
	if result.Kind != models.ResultStopped || result.StopReason != models.StopReasonStopped {
		t.Fatalf("expected a stopped result, got %+v", result)
	}
}
