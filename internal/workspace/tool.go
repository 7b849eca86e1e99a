package workspace

import (
	"context"
	"encoding/json"

	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/pkg/models"
)

// ToolExecutor runs a tool's body against the spawned process handle,
// reporting progress/result through it the same way any other process
// does. It is the onSpawn callback with the call's arguments already
// bound.
type ToolExecutor func(ctx context.Context, p *process.Process, arguments json.RawMessage)

// ToolProvider locates a registered tool by name. Implementations
// typically aggregate several providers (local tools, remote client
// tools) the way the teacher's tool registry does.
type ToolProvider interface {
	LookupTool(name string) (tool models.ToolInfo, exec ToolExecutor, ok bool)

	// ListTools returns every tool currently registered, for a caller (the
	// chatbot orchestrator) that needs the full catalog to run a persona's
	// enable/disable filter chain over before offering tools to a model.
	ListTools() []models.ToolInfo
}
