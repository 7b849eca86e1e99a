package workspace

import (
	"context"

	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/pkg/models"
)

// ClientReply is the per-request sink a chatbot orchestrator renders its
// streamed reply into. The supervisor's poller drains it to produce
// provisional `reply` responses every time Flushed fires, and a final one
// once the spawned process reports a result.
type ClientReply interface {
	// Flushed is signalled whenever new rendered parts or a new summary
	// become available. Implementations close it once the orchestrator is
	// done producing output; the poller treats a closed channel the same
	// as an open one ready to receive, so it is safe to range over.
	Flushed() <-chan struct{}
	Summary() string
	Reply() []models.BotMessagePart
	PullActions() []models.WorkspaceAction
}

// ChatbotSpawner spawns a chatbot orchestration process for a
// chatbot/spawn request. The returned Process is driven the same way any
// other process is: the supervisor's poller waits on its result via the
// returned ClientReply's Flushed channel rather than a process listener,
// since partial replies can arrive without a progress edge being recorded.
type ChatbotSpawner interface {
	Spawn(ctx context.Context, workspace string, uri models.ProcessURI, req models.WorkspaceRequest) (*process.Process, ClientReply, error)
}
