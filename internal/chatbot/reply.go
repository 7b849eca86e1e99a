package chatbot

import (
	"sync"

	"github.com/nextloop/wsagent/pkg/models"
)

// clientReply implements workspace.ClientReply: a mutex-guarded sink the
// orchestration loop renders streamed text and tool calls into, and the
// supervisor's poller drains on every flush.
//
// Flushed uses a close-and-replace idiom: each flush closes the current
// channel and installs a new one, so every waiter blocked on the channel it
// last observed wakes exactly once per flush, and a waiter that arrives
// between flushes still gets a fresh channel to wait on.
type clientReply struct {
	mu      sync.Mutex
	flushed chan struct{}
	parts   []models.BotMessagePart
	summary string
	actions []models.WorkspaceAction
}

func newClientReply() *clientReply {
	return &clientReply{flushed: make(chan struct{})}
}

// Flushed implements workspace.ClientReply.
func (r *clientReply) Flushed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushed
}

// Summary implements workspace.ClientReply.
func (r *clientReply) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Reply implements workspace.ClientReply.
func (r *clientReply) Reply() []models.BotMessagePart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.BotMessagePart(nil), r.parts...)
}

// PullActions implements workspace.ClientReply, draining whatever actions
// have accumulated since the last pull.
func (r *clientReply) PullActions() []models.WorkspaceAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions := r.actions
	r.actions = nil
	return actions
}

// appendText appends a rendered text delta to the current reply, merging
// into the trailing part when it is also text so streamed batches of the
// same paragraph don't fragment into many parts. It also extends the
// running summary, since the bot's final text answer is what Summary
// reports back to the caller.
func (r *clientReply) appendText(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.parts); n > 0 && r.parts[n-1].Kind == models.BotPartText {
		r.parts[n-1].Text += text
	} else {
		r.parts = append(r.parts, models.BotMessagePart{Kind: models.BotPartText, Text: text})
	}
	r.summary += text
	r.flush()
}

// appendToolCall records a tool call awaiting its result.
func (r *clientReply) appendToolCall(id, name string, arguments []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts = append(r.parts, models.BotMessagePart{
		Kind: models.BotPartToolCall, ToolCallID: id, ToolName: name, ToolArguments: arguments,
	})
	r.flush()
}

// queueAction records a client action surfaced by a spawned tool.
func (r *clientReply) queueAction(a models.WorkspaceAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	r.flush()
}

// flush must be called with mu held: it closes the current channel and
// installs a fresh one so every waiter wakes exactly once.
func (r *clientReply) flush() {
	close(r.flushed)
	r.flushed = make(chan struct{})
}
