package chatbot

import (
	"context"
	"time"

	"github.com/nextloop/wsagent/internal/history"
	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/pkg/models"
)

// completionTimeout bounds a single model completion call.
const completionTimeout = 300 * time.Second

// wireError is implemented by every typed error this package can surface,
// so fail can convert it to the right wire code/kind instead of defaulting
// everything to a 500 runtime error.
type wireError interface {
	ToWireError() *models.Error
}

// run is the OnSpawn body for a chatbot process: it ingests new thread
// messages, then drives up to maxSteps of completion and tool dispatch,
// finishing with exactly one terminal SendUpdate.
func (o *Orchestrator) run(
	ctx context.Context,
	p *process.Process,
	ws string,
	self models.ProcessURI,
	req models.WorkspaceRequest,
	state *models.BotState,
	persona models.Persona,
	provider llm.Provider,
	model llm.Model,
	h *history.History,
	reply *clientReply,
) {
	defer o.persistState(context.Background(), state, h)

	if err := o.ingestThreads(ctx, state, req.ThreadURIs, h); err != nil {
		o.fail(ctx, p, err)
		return
	}

	tools := o.activeTools(persona, req.ClientTools)

	for step := 0; step < maxSteps; step++ {
		if ctx.Err() != nil {
			return
		}

		offerTools := step < maxSteps-1
		rendered, err := h.Render()
		if err != nil {
			o.fail(ctx, p, err)
			return
		}

		creq := &llm.CompletionRequest{
			Model:     model,
			System:    buildSystemMessage(persona, tools, offerTools),
			Parts:     rendered,
			MaxTokens: defaultMaxTokens,
		}
		if offerTools {
			creq.Tools = tools
		}

		calls, err := o.completeStep(ctx, provider, creq, h, reply)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.fail(ctx, p, err)
			return
		}

		if len(calls) == 0 {
			_ = p.SendUpdate(ctx, nil, models.Success(reply.Summary()))
			return
		}

		if err := o.runTools(ctx, ws, self, calls, h, reply); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.fail(ctx, p, err)
			return
		}
	}

	// The last step withheld tools, so the model must have answered; this
	// is only reached if it didn't, which the step limit exists to prevent.
	_ = p.SendUpdate(ctx, nil, models.Success(reply.Summary()))
}

// completeStep issues one completion call, retrying per the configured
// schedule, streaming text deltas into reply and sealing every returned
// Part into history as it arrives. It returns the tool calls the model
// made this step, if any.
func (o *Orchestrator) completeStep(ctx context.Context, provider llm.Provider, creq *llm.CompletionRequest, h *history.History, reply *clientReply) ([]models.LlmPart, error) {
	var calls []models.LlmPart

	err := o.retry.Retry(ctx, o.isRetryable, func() error {
		calls = nil

		cctx, cancel := context.WithTimeout(ctx, completionTimeout)
		defer cancel()

		chunks, err := provider.Complete(cctx, creq)
		if err != nil {
			return err
		}

		var batcher llm.TextBatcher
		for chunk := range chunks {
			if chunk.Error != nil {
				return chunk.Error
			}
			if chunk.TextDelta != "" {
				if batch, ready := batcher.Add(chunk.TextDelta); ready {
					reply.appendText(batch)
				}
			}
			if chunk.Part != nil {
				if flushed := batcher.Flush(); flushed != "" {
					reply.appendText(flushed)
				}
				part := *chunk.Part
				h.AddPart(part)
				if part.Kind == models.PartToolCall {
					reply.appendToolCall(part.ToolCallID, part.ToolName, part.ToolArguments)
					calls = append(calls, part)
				}
			}
		}
		if flushed := batcher.Flush(); flushed != "" {
			reply.appendText(flushed)
		}
		return nil
	})

	return calls, err
}

// runTools spawns one child process per tool call, waits for all of them
// (cancelling alongside ctx, e.g. on sigkill/stop), and feeds each result
// back into history. A call naming a tool nobody has registered is a
// user-visible error that terminates the loop immediately, without waiting
// on whatever calls were already spawned.
func (o *Orchestrator) runTools(ctx context.Context, ws string, self models.ProcessURI, calls []models.LlmPart, h *history.History, reply *clientReply) error {
	type spawned struct {
		call models.LlmPart
		proc *process.Process
	}

	active := make([]spawned, 0, len(calls))
	for _, call := range calls {
		tool, exec, ok := o.tools.LookupTool(call.ToolName)
		if !ok {
			return &models.BadToolError{Subkind: models.BadToolNotFound, Tool: call.ToolName}
		}

		childID := call.ToolCallID
		if childID == "" {
			childID = newProcessID()
		}
		childURI := self.Child(childID)

		child, err := o.mgr.Spawn(ctx, ws, childURI, call.ToolName, call.ToolArguments, tool.Schema,
			func(toolCtx context.Context, cp *process.Process) { exec(toolCtx, cp, call.ToolArguments) })
		if err != nil {
			return err
		}
		h.PendingTools = append(h.PendingTools, history.PendingTool{ToolURI: childURI, ToolName: call.ToolName})
		active = append(active, spawned{call: call, proc: child})
	}

	for _, s := range active {
		l := s.proc.Subscribe()
		result, err := l.WaitResult(ctx)
		l.Close()
		if err != nil {
			return err
		}
		h.AddPart(models.LlmPart{
			Kind:           models.PartToolResult,
			ToolResultURI:  s.proc.URI(),
			ToolName:       s.call.ToolName,
			ToolResultText: toolResultText(result),
			IsError:        result.Kind == models.ResultFailure,
		})
		if len(result.Extra) > 0 {
			reply.queueAction(models.WorkspaceAction{Kind: "tool-result", Payload: result.Extra})
		}
	}
	return nil
}

func toolResultText(r *models.ProcessResult) string {
	switch r.Kind {
	case models.ResultSuccess:
		return r.Content
	case models.ResultStopped:
		return "The tool was stopped before it finished."
	default:
		return r.FailureError
	}
}

// fail converts err to a process result and records it, unless ctx is
// already done: that only happens once a terminal result already exists
// (sigkill, workspace sigterm), per SendUpdate's own invariant, so there's
// nothing left to record.
func (o *Orchestrator) fail(ctx context.Context, p *process.Process, err error) {
	if ctx.Err() != nil {
		return
	}
	code, msg := 500, err.Error()
	if we, ok := err.(wireError); ok {
		wire := we.ToWireError()
		code, msg = wire.Code, wire.Message
	}
	if upErr := p.SendUpdate(context.Background(), nil, models.Failure(msg, code)); upErr != nil {
		o.logger.Error("chatbot: failed to record failure result", "uri", p.URI(), "error", upErr)
	}
}
