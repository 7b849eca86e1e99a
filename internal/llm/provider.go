// Package llm defines the provider-agnostic completion contract three
// dialect adapters (anthropic, openai-style, gemini) implement under
// internal/llm/providers, plus the shared helpers (retry schedule, text
// batching, tool-call parsing) every dialect reuses.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nextloop/wsagent/internal/history"
	"github.com/nextloop/wsagent/internal/ids"
	"github.com/nextloop/wsagent/pkg/models"
)

// Model describes one completion model a Provider serves.
type Model struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool

	// SupportsThink is "", "anthropic", "gemini", "deepseek", or "gpt-oss".
	SupportsThink string
	// SupportsTools is "", "openai", or "gemini".
	SupportsTools string
}

// Info projects a Model into the subset history.History needs to decide
// retention and reuse compatibility.
func (m Model) Info() history.ModelInfo {
	return history.ModelInfo{
		Name:               m.Name,
		SupportsThink:      m.SupportsThink,
		SupportsTools:      m.SupportsTools,
		LimitTokensRequest: m.ContextSize,
	}
}

// CompletionRequest is one turn's worth of rendered history plus the tools
// available to the model, addressed to a specific Model.
type CompletionRequest struct {
	Model  Model
	System string
	Parts  []history.RenderedPart
	Tools  []models.ToolInfo

	MaxTokens            int
	EnableThinking        bool
	ThinkingBudgetTokens int
}

// CompletionChunk is one item streamed back from Complete. Exactly one of
// Part (a sealed content item), a non-empty TextDelta (a batched partial
// text increment, not yet sealed into a Part), or Error is meaningful;
// Done marks the end of the stream with final token accounting.
type CompletionChunk struct {
	Part     *models.LlmPart
	TextDelta string

	Done  bool
	Error error

	InputTokens  int
	OutputTokens int
}

// Provider is the completion contract every dialect implements.
type Provider interface {
	Name() string
	Models() []Model
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// RetrySchedule is a fixed list of delays between retry attempts, selected
// by internal/config's dev/prod flag rather than computed from a backoff
// curve — model completions retry on a short, deliberately bounded
// schedule distinct from internal/infra.RetryConfig's general-purpose
// exponential strategy.
type RetrySchedule []time.Duration

var (
	// ProdRetrySchedule is used outside local development.
	ProdRetrySchedule = RetrySchedule{2 * time.Second, 30 * time.Second, 60 * time.Second}
	// DevRetrySchedule trades total latency for faster iteration locally.
	DevRetrySchedule = RetrySchedule{30 * time.Second}
)

// Retry runs op, retrying per the schedule while isRetryable(err) holds.
// Returns the last error once the schedule is exhausted, op succeeds, or
// isRetryable rejects the error outright.
func (s RetrySchedule) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= len(s) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s[attempt]):
		}
	}
}

// textBatchThreshold is the accumulated-character count at which a
// TextBatcher flushes a pending run of streamed text deltas.
const textBatchThreshold = 40

// TextBatcher accumulates streamed text deltas and releases them in
// batches, rather than forwarding every SDK-level delta (often a handful
// of characters) straight to the client. Flush is also called explicitly
// at section boundaries (a completed thinking block, a tool call
// starting) so a batch never straddles two different kinds of content.
type TextBatcher struct {
	buf strings.Builder
}

// Add appends delta to the pending batch, returning the accumulated text
// and true once it reaches textBatchThreshold.
func (b *TextBatcher) Add(delta string) (string, bool) {
	b.buf.WriteString(delta)
	if b.buf.Len() >= textBatchThreshold {
		return b.Flush(), true
	}
	return "", false
}

// Flush returns and clears whatever text is pending, even below threshold.
func (b *TextBatcher) Flush() string {
	s := b.buf.String()
	b.buf.Reset()
	return s
}

// ParseToolCall converts one accumulated tool-call invocation (id, name,
// and raw JSON arguments as assembled from streaming deltas) into the
// LlmParts it represents.
//
// Some OpenAI-family models hallucinate a "multi_tool_use.parallel"
// wrapper function when asked to call more than one tool in a turn: the
// real calls are nested inside a {"tool_uses": [{"recipient_name":
// "functions.search", "parameters": {...}}, ...]} envelope. That envelope
// is expanded back into one PartToolCall per nested call here, rather than
// surfacing it as a literal tool named "multi_tool_use.parallel" that no
// registry will ever have.
//
// A call whose arguments fail to parse as JSON (whether the top-level call
// or, for the parallel wrapper, the envelope itself) becomes a PartInvalid
// carrying the raw text instead of erroring the whole completion.
func ParseToolCall(id, name, arguments string) []models.LlmPart {
	if name == "multi_tool_use.parallel" {
		var envelope struct {
			ToolUses []struct {
				RecipientName string          `json:"recipient_name"`
				Parameters    json.RawMessage `json:"parameters"`
			} `json:"tool_uses"`
		}
		if err := json.Unmarshal([]byte(arguments), &envelope); err != nil {
			return []models.LlmPart{invalidToolCall(name, arguments)}
		}
		parts := make([]models.LlmPart, 0, len(envelope.ToolUses))
		for _, use := range envelope.ToolUses {
			toolName := use.RecipientName
			if i := strings.LastIndex(toolName, "."); i >= 0 {
				toolName = toolName[i+1:]
			}
			if toolName == "" {
				continue
			}
			parts = append(parts, models.LlmPart{
				Kind:          models.PartToolCall,
				ToolCallID:    ids.NewProcessID(time.Now()),
				ToolName:      toolName,
				ToolArguments: use.Parameters,
			})
		}
		return parts
	}

	if !json.Valid([]byte(arguments)) {
		return []models.LlmPart{invalidToolCall(name, arguments)}
	}
	return []models.LlmPart{{
		Kind:          models.PartToolCall,
		ToolCallID:    id,
		ToolName:      name,
		ToolArguments: json.RawMessage(arguments),
	}}
}

func invalidToolCall(name, arguments string) models.LlmPart {
	return models.LlmPart{
		Kind:       models.PartInvalid,
		RawInvalid: "<tool-calls>\n{\"name\": \"" + name + "\", \"arguments\": " + arguments + "}\n</tool-calls>",
	}
}

// ExtractInlineThink pulls a leading "<think>...</think>" block out of a
// completion's visible text, for OpenAI-compatible models that inline
// reasoning into content instead of emitting a distinct channel
// ("deepseek" mode). Returns the thinking text (without tags) and the
// remainder of the answer with any leading newline stripped; ok is false
// if text carries no complete leading think block, in which case text is
// returned unchanged.
func ExtractInlineThink(text string) (thinking, rest string, ok bool) {
	const open, close = "<think>", "</think>"
	if !strings.HasPrefix(text, open) {
		return "", text, false
	}
	body := text[len(open):]
	idx := strings.Index(body, close)
	if idx < 0 {
		return "", text, false
	}
	thinking = body[:idx]
	rest = strings.TrimLeft(body[idx+len(close):], "\n")
	return thinking, rest, true
}

// ExtractGPTOSSThink handles the "gpt-oss" reasoning-family quirk where a
// completion pulled through a third-party relay arrives with the raw
// Harmony channel markers intact instead of having been split by the
// relay itself.
func ExtractGPTOSSThink(text string) (thinking, rest string, ok bool) {
	const analysisOpen = "<|channel|>analysis<|message|>"
	const endMarker = "<|end|>"
	if strings.HasPrefix(text, analysisOpen) {
		if !strings.Contains(text, endMarker) {
			return "", "", true
		}
		body := strings.TrimPrefix(text, analysisOpen)
		parts := strings.SplitN(body, endMarker, 2)
		thinking = parts[0]
		rest = parts[1]
		for _, prefix := range []string{"<|start|>assistant<|channel|>final<|message|>", "<|start|>", "<|call|>"} {
			rest = strings.TrimPrefix(rest, prefix)
		}
		return thinking, rest, true
	}
	if strings.HasPrefix(text, "analysis") && strings.Contains(text, "assistantfinal") {
		body := strings.TrimPrefix(text, "analysis")
		parts := strings.SplitN(body, "assistantfinal", 2)
		return parts[0], parts[1], true
	}
	return "", text, false
}

// ErrUnknownDialect is returned by a registry lookup for a model name with
// no configured provider.
var ErrUnknownDialect = errors.New("llm: no provider configured for model")
