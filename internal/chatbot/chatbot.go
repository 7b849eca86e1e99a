// Package chatbot implements C6: the multi-step reply loop that turns a
// chatbot/spawn request into a running process. It restores (or starts)
// the bot's model history, folds in new thread messages since the bot's
// saved cursors, drives up to five steps of model completion and tool
// dispatch, and streams the accumulating reply to a workspace.ClientReply
// the whole time.
package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextloop/wsagent/internal/history"
	"github.com/nextloop/wsagent/internal/ids"
	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/internal/workspace"
	"github.com/nextloop/wsagent/pkg/models"
)

// maxSteps caps the reply loop; the model is denied tools on the last step
// so it is forced to answer instead of diverging.
const maxSteps = 5

// defaultMaxTokens bounds every completion request issued by the loop.
const defaultMaxTokens = 4096

// Orchestrator implements workspace.ChatbotSpawner.
type Orchestrator struct {
	mgr            *process.Manager
	tools          workspace.ToolProvider
	models         ModelRegistry
	states         BotStateStore
	threads        ThreadProvider
	retry          llm.RetrySchedule
	isRetryable    func(error) bool
	defaultPersona models.Persona
	logger         *slog.Logger
}

// NewOrchestrator builds an Orchestrator. isRetryable classifies a
// completion error for retry purposes; pass providers.ClassifyError(err).IsRetryable
// wrapped in a closure in production.
func NewOrchestrator(
	mgr *process.Manager,
	tools workspace.ToolProvider,
	registry ModelRegistry,
	states BotStateStore,
	threads ThreadProvider,
	retry llm.RetrySchedule,
	isRetryable func(error) bool,
	defaultPersona models.Persona,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		mgr: mgr, tools: tools, models: registry, states: states, threads: threads,
		retry: retry, isRetryable: isRetryable, defaultPersona: defaultPersona, logger: logger,
	}
}

// Spawn implements workspace.ChatbotSpawner. It loads state, resolves the
// model and history, then hands the rest of the loop to a spawned process
// so the caller gets back a handle and a live ClientReply immediately.
func (o *Orchestrator) Spawn(ctx context.Context, ws string, uri models.ProcessURI, req models.WorkspaceRequest) (*process.Process, workspace.ClientReply, error) {
	state, err := o.states.Load(ctx, ws, req.BotID)
	if err != nil {
		return nil, nil, fmt.Errorf("chatbot: load bot state: %w", err)
	}
	if state.Persona.Model == "" {
		state.Persona = o.defaultPersona
	}
	persona := state.Persona.Merge(req.Persona)

	provider, model, ok := o.models.Resolve(persona.Model)
	if !ok {
		return nil, nil, &models.LlmError{
			Subkind: models.LlmErrorIncompatibleModel,
			Cause:   fmt.Errorf("no provider configured for model %q", persona.Model),
		}
	}

	h, err := o.restoreHistory(state, model)
	if err != nil {
		return nil, nil, err
	}

	reply := newClientReply()
	args, _ := json.Marshal(req)

	p, err := o.mgr.Spawn(ctx, ws, uri, "chatbot", args, nil, func(spawnCtx context.Context, p *process.Process) {
		o.run(spawnCtx, p, ws, uri, req, state, persona, provider, model, h, reply)
	})
	if err != nil {
		return nil, nil, err
	}
	return p, reply, nil
}

// historySnapshot is the JSON-serializable projection of a history.History
// persisted in BotState.LLMState; Tokenizer is never serialized since it's
// an interface reconstructed fresh on restore.
type historySnapshot struct {
	ModelInfo    history.ModelInfo     `json:"modelInfo"`
	Runs         []history.Run         `json:"runs,omitempty"`
	Current      []models.LlmPart      `json:"current,omitempty"`
	PendingMedia []models.MediaRef     `json:"pendingMedia,omitempty"`
	PendingTools []history.PendingTool `json:"pendingTools,omitempty"`
}

// restoreHistory decodes the bot's saved history, if any, and adapts it to
// the resolved model via History.Reuse. An incompatible or absent saved
// history starts fresh rather than erroring the spawn.
func (o *Orchestrator) restoreHistory(state *models.BotState, model llm.Model) (*history.History, error) {
	newInfo := model.Info()
	if len(state.LLMState) == 0 {
		return history.New(newInfo, nil), nil
	}

	var snap historySnapshot
	if err := json.Unmarshal(state.LLMState, &snap); err != nil {
		o.logger.Warn("chatbot: discarding unreadable saved history", "workspace", state.Workspace, "bot", state.BotID, "error", err)
		return history.New(newInfo, nil), nil
	}

	saved := &history.History{
		ModelInfo:    snap.ModelInfo,
		Runs:         snap.Runs,
		Current:      snap.Current,
		PendingMedia: snap.PendingMedia,
		PendingTools: snap.PendingTools,
		Tokenizer:    history.DefaultTokenizer{},
	}
	reused, err := saved.Reuse(newInfo)
	if err != nil {
		o.logger.Info("chatbot: starting fresh history, saved one is incompatible with the resolved model",
			"workspace", state.Workspace, "bot", state.BotID, "error", err)
		return history.New(newInfo, nil), nil
	}
	return reused, nil
}

// persistState snapshots h into state.LLMState and saves it. Called once
// the loop has finished, successfully or not, so the next spawn picks up
// where this one left off.
func (o *Orchestrator) persistState(ctx context.Context, state *models.BotState, h *history.History) {
	h.FlushTask()
	snap := historySnapshot{
		ModelInfo: h.ModelInfo, Runs: h.Runs, Current: h.Current,
		PendingMedia: h.PendingMedia, PendingTools: h.PendingTools,
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		o.logger.Error("chatbot: failed to encode history snapshot", "bot", state.BotID, "error", err)
		return
	}
	state.LLMState = encoded
	if err := o.states.Save(ctx, state); err != nil {
		o.logger.Error("chatbot: failed to save bot state", "bot", state.BotID, "error", err)
	}
}

// ingestThreads lists new messages on every requested thread since the
// bot's saved cursor, merges them in (timestamp, messageId) order, and
// advances the cursors. A thread with no prior cursor returns its whole
// log as a best-effort fallback.
func (o *Orchestrator) ingestThreads(ctx context.Context, state *models.BotState, threadURIs []string, h *history.History) error {
	var merged []models.ThreadMessage
	latest := make(map[string]string, len(threadURIs))

	for _, uri := range threadURIs {
		cursor, _ := state.Cursor(uri)
		msgs, err := o.threads.ListNew(ctx, uri, cursor)
		if err != nil {
			return fmt.Errorf("chatbot: list new thread messages for %s: %w", uri, err)
		}
		merged = append(merged, msgs...)
		if n := len(msgs); n > 0 {
			latest[uri] = msgs[n-1].MessageID
		}
	}

	sortThreadMessages(merged)
	for _, m := range merged {
		h.AddPart(models.LlmPart{
			Kind: models.PartText, Role: m.Role, AuthorID: threadAuthorID(m), Text: m.Text, CreatedAt: m.CreatedAt,
		})
	}
	for uri, lastID := range latest {
		state.SetCursor(uri, lastID)
	}
	return nil
}

func sortThreadMessages(msgs []models.ThreadMessage) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0; j-- {
			a, b := msgs[j-1], msgs[j]
			less := a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.MessageID > b.MessageID)
			if !less {
				break
			}
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

// threadAuthorID maps a thread message's role to the "user-"/service
// author-id convention History.AddPart dispatches on: a user message
// starts a new task, anything else only flushes pending state.
func threadAuthorID(m models.ThreadMessage) string {
	if m.Role == models.MessageRoleUser {
		return "user-" + m.AuthorID
	}
	return "svc-thread-" + m.AuthorID
}

// activeTools resolves the catalog of tools available this step: the
// workspace's local tools plus the request's client-supplied ones, run
// through the persona's enable/disable filter chain.
func (o *Orchestrator) activeTools(persona models.Persona, clientTools []models.ToolInfo) []models.ToolInfo {
	catalog := append([]models.ToolInfo(nil), o.tools.ListTools()...)
	catalog = append(catalog, clientTools...)

	active := make([]models.ToolInfo, 0, len(catalog))
	for _, t := range catalog {
		if persona.FilterTool(t.Name) {
			active = append(active, t)
		}
	}
	return active
}

func buildSystemMessage(persona models.Persona, tools []models.ToolInfo, offerTools bool) string {
	msg := persona.SystemMessage
	if msg == "" {
		msg = "You are a helpful assistant embedded in a workspace."
	}
	if !offerTools {
		msg += "\n\nThis is your final step: answer now without calling any tool."
	} else if len(tools) > 0 {
		msg += fmt.Sprintf("\n\n%d tool(s) are available this turn.", len(tools))
	}
	return msg
}

func newProcessID() string { return ids.NewProcessID(time.Now()) }
