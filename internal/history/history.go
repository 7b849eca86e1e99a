// Package history implements the provider-agnostic conversation history
// model: a sequence of sealed runs plus an open "current" task, pending
// tool calls and media awaiting flush, and the render pass a model adapter
// calls before issuing a completion.
package history

import (
	"strings"

	"github.com/nextloop/wsagent/pkg/models"
)

// ModelInfo is the subset of a model's capabilities History needs to decide
// retention, pairing, and reuse compatibility. The model adapter (C3)
// supplies a concrete value per dialect.
type ModelInfo struct {
	Name string

	// SupportsThink is "", "anthropic", "gemini", "deepseek", or "gpt-oss".
	// The first two carry an opaque signature that must round-trip through
	// Reuse unchanged; the latter two inline reasoning into visible content.
	SupportsThink string

	// SupportsTools is "", "openai", or "gemini" — whether the dialect
	// natively pairs tool calls with tool results, and how.
	SupportsTools string

	SupportsMedia map[string]bool

	LimitTokensRequest int
	LimitTokensRecent  int
}

func (m ModelInfo) nativeTools() bool {
	return m.SupportsTools == "openai" || m.SupportsTools == "gemini"
}

func (m ModelInfo) proprietaryThink() bool {
	return m.SupportsThink == "anthropic" || m.SupportsThink == "gemini"
}

// Tokenizer estimates token costs for budgeting. A model adapter that ships
// a native tokenizer can supply one; DefaultTokenizer covers the rest.
type Tokenizer interface {
	CountText(s string) int
	CountMedia(n int) int
}

// PendingTool is a dispatched tool call awaiting its result.
type PendingTool struct {
	ToolURI  models.ProcessURI
	ToolName string
}

// Run is current() sealed into history by FlushTask, with both render
// totals precomputed so Render never re-walks a sealed run's content.
type Run struct {
	Messages        []models.LlmPart
	NumTokens       int
	NumTokensLegacy int
}

// History is the provider-agnostic conversation state for one LLM proxy.
// Exactly one task's worth of content lives in Current at a time; AddPart
// and FlushTask move it into Runs as tasks complete.
type History struct {
	ModelInfo    ModelInfo
	Runs         []Run
	Current      []models.LlmPart
	PendingMedia []models.MediaRef
	PendingTools []PendingTool
	Tokenizer    Tokenizer
}

// New starts an empty history for a freshly created LLM proxy.
func New(info ModelInfo, tokenizer Tokenizer) *History {
	if tokenizer == nil {
		tokenizer = DefaultTokenizer{}
	}
	return &History{ModelInfo: info, Tokenizer: tokenizer}
}

func isUserAuthor(authorID string) bool {
	return strings.HasPrefix(authorID, "user-")
}

// AddPart classifies p and appends it to Current, flushing pending state
// first per the part's kind. A text part with an author is user/service
// authored input: a user author starts a new task (flushes the whole
// current task into history first), a service author only flushes pending
// state. A text part with no author is the bot's own visible reply and is
// handled like any other bot-authored content (think, toolCall, invalid).
func (h *History) AddPart(p models.LlmPart) {
	if p.Kind == models.PartText && p.AuthorID != "" {
		if isUserAuthor(p.AuthorID) {
			h.FlushTask()
		} else {
			h.FlushPending()
		}
		p.Mode = textMode(p.AuthorID)
		h.Current = append(h.Current, p)
		return
	}

	if p.Kind == models.PartToolResult {
		h.addToolResult(p)
		return
	}

	h.FlushPending()
	p.Mode = botMode(p.Kind)
	h.Current = append(h.Current, p)
}

func textMode(authorID string) models.PersistenceMode {
	if isUserAuthor(authorID) {
		return models.ModeRequired
	}
	return models.ModeTemp
}

// botMode assigns the retention mode for bot-authored content: thoughts are
// optional (carried into history, dropped once a run goes legacy), tool
// calls and visible text/invalid completions are required (always kept —
// a tool call with no matching result, or a reply with no visible text,
// leaves a broken turn in the wire format).
func botMode(kind models.PartKind) models.PersistenceMode {
	if kind == models.PartThink {
		return models.ModeOptional
	}
	return models.ModeRequired
}

func (h *History) addToolResult(p models.LlmPart) {
	expected := false
	remaining := h.PendingTools[:0]
	for _, t := range h.PendingTools {
		if t.ToolURI == p.ToolResultURI {
			expected = true
			continue
		}
		remaining = append(remaining, t)
	}
	h.PendingTools = remaining

	if !h.ModelInfo.nativeTools() || !expected {
		rendered := p
		rendered.Kind = models.PartText
		rendered.AuthorID = "svc-llm-tools"
		rendered.Mode = models.ModeOptional
		rendered.Text = renderToolResultXML(p)
		h.Current = append(h.Current, rendered)
		return
	}

	p.Mode = models.ModeRequired
	h.PendingMedia = append(h.PendingMedia, p.Media...)
	h.Current = append(h.Current, p)
}

func renderToolResultXML(p models.LlmPart) string {
	tag := "tool-result"
	if p.IsError {
		tag = "tool-error"
	}
	return "<" + tag + " name=\"" + p.ToolName + "\">" + p.ToolResultText + "</" + tag + ">"
}

// FlushPending synthesizes placeholder tool results for any unresolved
// pending tool call (only for dialects that pair tool calls OpenAI-style,
// since Gemini natively supports late results), then drains PendingMedia
// into a single optional-mode user message.
func (h *History) FlushPending() {
	if len(h.PendingTools) > 0 && h.ModelInfo.SupportsTools == "openai" {
		still := h.PendingTools
		h.PendingTools = nil
		for _, t := range still {
			h.addToolResult(models.LlmPart{
				Kind:           models.PartToolResult,
				ToolResultURI:  t.ToolURI,
				ToolName:       t.ToolName,
				ToolResultText: "The tool is still running.",
			})
		}
	}

	if len(h.PendingMedia) > 0 {
		h.Current = append(h.Current, models.LlmPart{
			Kind:     models.PartText,
			AuthorID: "svc-llm-tools",
			Mode:     models.ModeOptional,
			Text:     "<tool-result-embeds>\n</tool-result-embeds>",
			Media:    h.PendingMedia,
		})
		h.PendingMedia = nil
	}
}

// FlushTask flushes pending state, then seals Current into a new Run with
// both render totals precomputed. A Current with zero parts produces no
// run — FlushTask is a no-op on an empty task.
func (h *History) FlushTask() {
	h.FlushPending()
	if len(h.Current) == 0 {
		return
	}

	run := Run{
		Messages:        h.Current,
		NumTokens:       h.countTokens(h.Current, models.RenderHistory),
		NumTokensLegacy: h.countTokens(h.Current, models.RenderLegacy),
	}
	h.Runs = append(h.Runs, run)
	h.Current = nil
}

func (h *History) countTokens(parts []models.LlmPart, render models.RenderMode) int {
	total := 0
	for _, p := range parts {
		total += h.countPart(p, render)
	}
	return total
}

func (h *History) countPart(p models.LlmPart, render models.RenderMode) int {
	if !models.Retain(p.Mode, render) {
		return 0
	}
	switch p.Kind {
	case models.PartText:
		return h.Tokenizer.CountText(p.Text) + h.Tokenizer.CountMedia(len(p.Media))
	case models.PartThink:
		return h.Tokenizer.CountText(string(p.Signature)) + h.Tokenizer.CountText(p.Text)
	case models.PartToolCall:
		return h.Tokenizer.CountText(string(p.ToolArguments)) + tokensBufferToolCall
	case models.PartToolResult:
		text := p.ToolResultText
		if render == models.RenderLegacy && !p.IsError {
			text = expiredToolResultSentinel
		}
		return h.Tokenizer.CountText(text) + tokensBufferToolCall
	default:
		return h.Tokenizer.CountText(p.RawInvalid)
	}
}

const (
	tokensBufferToolCall       = 20
	expiredToolResultSentinel = `{"expired": "This tool result has expired to free context."}`
)

// Reuse clones this history for a different model, validating compatibility
// first. Proprietary reasoning signatures (anthropic, gemini) must match the
// prior model exactly: a different proprietary think mode cannot interpret
// another model's signature. Losing native tool-call support while the
// history still carries native tool calls is also rejected — there is no
// one-way conversion. Callers that hit either case must start a fresh
// history, not reuse this one.
func (h *History) Reuse(newInfo ModelInfo) (*History, error) {
	if newInfo.proprietaryThink() && newInfo.SupportsThink != h.ModelInfo.SupportsThink {
		return nil, &models.LlmError{
			Subkind: models.LlmErrorIncompatibleModel,
			Cause:   errIncompatible(h.ModelInfo.Name, newInfo.Name, "reasoning mismatch"),
		}
	}
	if !newInfo.nativeTools() && h.ModelInfo.nativeTools() {
		return nil, &models.LlmError{
			Subkind: models.LlmErrorIncompatibleModel,
			Cause:   errIncompatible(h.ModelInfo.Name, newInfo.Name, "native tools mismatch"),
		}
	}

	clone := &History{
		ModelInfo:    newInfo,
		Runs:         append([]Run(nil), h.Runs...),
		Current:      append([]models.LlmPart(nil), h.Current...),
		PendingMedia: append([]models.MediaRef(nil), h.PendingMedia...),
		PendingTools: append([]PendingTool(nil), h.PendingTools...),
		Tokenizer:    h.Tokenizer,
	}
	return clone, nil
}

type incompatibleModelError struct {
	from, to, reason string
}

func (e *incompatibleModelError) Error() string {
	return "cannot reuse history from " + e.from + " for " + e.to + ": " + e.reason
}

func errIncompatible(from, to, reason string) error {
	return &incompatibleModelError{from: from, to: to, reason: reason}
}

// RenderedPart pairs a surviving content item with the render mode it was
// kept under, so a model adapter knows whether to apply mode-specific
// content transforms (e.g. the legacy tool-result collapse already baked
// into countPart is mirrored in content by the adapter's own renderer).
type RenderedPart struct {
	Part   models.LlmPart
	Render models.RenderMode
}

// Render flushes pending state, then walks Current (mode "current") and
// Runs backward, selecting mode "history" until the running total would
// exceed LimitTokensRecent, then "legacy" for everything older. Current
// content exceeding LimitTokensRequest is a hard failure: it must all be
// sent, and there is nothing older to drop in its place. History runs that
// would push the total past LimitTokensRequest are left out instead of
// erroring — older context is optional by construction.
func (h *History) Render() ([]RenderedPart, error) {
	h.FlushPending()

	var out []RenderedPart
	total := 0
	for i := len(h.Current) - 1; i >= 0; i-- {
		p := h.Current[i]
		total += h.countPart(p, models.RenderCurrent)
		if total > h.ModelInfo.LimitTokensRequest && h.ModelInfo.LimitTokensRequest > 0 {
			return nil, &models.LlmError{Subkind: models.LlmErrorContextLimitExceeded}
		}
		out = append(out, RenderedPart{Part: p, Render: models.RenderCurrent})
	}

	mode := models.RenderHistory
	for i := len(h.Runs) - 1; i >= 0; i-- {
		run := h.Runs[i]
		if h.ModelInfo.LimitTokensRequest > 0 && total+run.NumTokens > h.ModelInfo.LimitTokensRequest {
			break
		}
		if mode == models.RenderHistory && h.ModelInfo.LimitTokensRecent > 0 &&
			total+run.NumTokens > h.ModelInfo.LimitTokensRecent {
			mode = models.RenderLegacy
		}

		if mode == models.RenderLegacy {
			total += run.NumTokensLegacy
		} else {
			total += run.NumTokens
		}

		for j := len(run.Messages) - 1; j >= 0; j-- {
			if !models.Retain(run.Messages[j].Mode, mode) {
				continue
			}
			out = append(out, RenderedPart{Part: run.Messages[j], Render: mode})
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
