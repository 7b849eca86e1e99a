package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/internal/workspace"
	"github.com/nextloop/wsagent/pkg/models"
)

// echoSchema requires a single "text" string argument, enough for
// validateArguments to reject a malformed process/spawn before the tool
// body ever runs.
const echoSchema = `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`

// toolset is the demo binary's workspace.ToolProvider: a small in-memory
// map of registered tools, the same shape as the teacher's
// internal/agent/tool_registry.go but narrowed to this module's
// ToolExecutor signature.
type toolset struct {
	mu   sync.Mutex
	byID map[string]struct {
		info models.ToolInfo
		exec workspace.ToolExecutor
	}
}

func newToolset() *toolset {
	return &toolset{byID: make(map[string]struct {
		info models.ToolInfo
		exec workspace.ToolExecutor
	})}
}

func (t *toolset) register(info models.ToolInfo, exec workspace.ToolExecutor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[info.Name] = struct {
		info models.ToolInfo
		exec workspace.ToolExecutor
	}{info: info, exec: exec}
}

// LookupTool implements workspace.ToolProvider.
func (t *toolset) LookupTool(name string) (models.ToolInfo, workspace.ToolExecutor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[name]
	return e.info, e.exec, ok
}

// ListTools implements workspace.ToolProvider.
func (t *toolset) ListTools() []models.ToolInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	tools := make([]models.ToolInfo, 0, len(t.byID))
	for _, e := range t.byID {
		tools = append(tools, e.info)
	}
	return tools
}

// registerEcho wires the debug echo tool exercised by scenarios S1/S2:
// it reports the received text as progress, then succeeds with that text
// as its result content — unless the text carries an "ERROR: " prefix, in
// which case it fails with that message and a fixed 400 code.
func (t *toolset) registerEcho() {
	t.register(models.ToolInfo{
		Name:        "echo",
		Description: "Echoes the given text back as progress and then as the result.",
		Schema:      json.RawMessage(echoSchema),
	}, echoExec)
}

func echoExec(ctx context.Context, p *process.Process, arguments json.RawMessage) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		_ = p.SendUpdate(ctx, nil, models.Failure("invalid arguments: "+err.Error(), 400))
		return
	}

	progress, _ := json.Marshal(struct {
		ReceivedText string `json:"received_text"`
	}{ReceivedText: args.Text})
	if err := p.SendUpdate(ctx, progress, nil); err != nil {
		return
	}

	if rest, ok := strings.CutPrefix(args.Text, "ERROR: "); ok {
		_ = p.SendUpdate(ctx, nil, models.Failure(rest, 400))
		return
	}
	_ = p.SendUpdate(ctx, nil, models.Success(args.Text))
}
