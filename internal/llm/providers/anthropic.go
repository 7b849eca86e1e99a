package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/pkg/models"
)

// AnthropicConfig configures a new Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        llm.RetrySchedule
}

// AnthropicProvider implements llm.Provider against the Anthropic Messages
// API, speaking the "anthropic" think mode (a proprietary signature on
// every thinking block) and no native tool-result pairing beyond the
// tool_use/tool_result block types the API itself defines.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        llm.RetrySchedule
}

// NewAnthropicProvider builds a provider from config, defaulting the retry
// schedule to llm.ProdRetrySchedule when unset.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.Retry == nil {
		config.Retry = llm.ProdRetrySchedule
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
		retry:        config.Retry,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true, SupportsThink: "anthropic", SupportsTools: ""},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true, SupportsThink: "anthropic", SupportsTools: ""},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000, SupportsVision: true},
	}
}

// Complete issues the request and streams back CompletionChunks, retrying
// stream creation per the configured schedule on a retryable failure.
func (p *AnthropicProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	chunks := make(chan *llm.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.retry.Retry(ctx, IsRetryable, func() error {
			var streamErr error
			stream, streamErr = p.createStream(ctx, req)
			return streamErr
		})
		if err != nil {
			chunks <- &llm.CompletionChunk{Error: WrapError(err, ClassifyError(err))}
			return
		}

		p.processStream(stream, chunks, p.model(req.Model.ID))
	}()

	return chunks, nil
}

func (p *AnthropicProvider) model(id string) string {
	if id == "" {
		return p.defaultModel
	}
	return id
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *llm.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertMessages(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model.ID)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds consecutive events that produce no chunk
// before the stream is treated as malformed and aborted.
const maxEmptyStreamEvents = 300

// processStream converts Anthropic's SSE event stream into CompletionChunks.
// Text deltas are batched via llm.TextBatcher; thinking deltas accumulate
// into a pending think part (text plus an opaque signature assembled from
// signature_delta events) that is emitted whole on content_block_stop, so
// a downstream history.AddPart always sees a complete, reuse-safe part.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *llm.CompletionChunk, model string) {
	var text llm.TextBatcher
	var thinkingText, thinkingSig strings.Builder
	inThinking := false

	var toolID, toolName string
	var toolInput strings.Builder
	inToolUse := false

	var inputTokens, outputTokens int
	emptyEvents := 0

	flushText := func() {
		if batch := text.Flush(); batch != "" {
			chunks <- &llm.CompletionChunk{TextDelta: batch}
		}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			if ms := event.AsMessageStart(); ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				thinkingText.Reset()
				thinkingSig.Reset()
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				toolID, toolName = toolUse.ID, toolUse.Name
				toolInput.Reset()
				inToolUse = true
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if batch, full := text.Add(delta.Text); full {
						chunks <- &llm.CompletionChunk{TextDelta: batch}
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingText.WriteString(delta.Thinking)
					processed = true
				}
			case "signature_delta":
				if delta.Signature != "" {
					thinkingSig.WriteString(delta.Signature)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			flushText()
			switch {
			case inThinking:
				chunks <- &llm.CompletionChunk{Part: &models.LlmPart{
					Kind:      models.PartThink,
					Text:      thinkingText.String(),
					Signature: []byte(thinkingSig.String()),
				}}
				inThinking = false
				processed = true
			case inToolUse:
				for _, part := range llm.ParseToolCall(toolID, toolName, toolInput.String()) {
					part := part
					chunks <- &llm.CompletionChunk{Part: &part}
				}
				inToolUse = false
				processed = true
			}

		case "message_delta":
			if md := event.AsMessageDelta(); md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			flushText()
			chunks <- &llm.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &llm.CompletionChunk{Error: WrapError(errors.New("anthropic stream error"), FailoverServerError)}
			return
		}

		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			chunks <- &llm.CompletionChunk{Error: WrapError(fmt.Errorf("anthropic: stream appears malformed after %d empty events", emptyEvents), FailoverServerError)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &llm.CompletionChunk{Error: WrapError(err, ClassifyError(err))}
	}
}

// convertMessages walks req's rendered history grouped into llm.Turns and
// builds Anthropic's alternating user/assistant message list. A tool
// result is wire-addressed to the "user" side (Anthropic has no separate
// tool role), matching the teacher's original convertMessages comment that
// "user or tool role both map to user messages".
func convertMessages(req *llm.CompletionRequest) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, turn := range llm.GroupTurns(req.Parts) {
		var content []anthropic.ContentBlockParamUnion
		for _, part := range turn.Parts {
			switch part.Kind {
			case models.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case models.PartThink:
				if part.Text != "" {
					content = append(content, anthropic.ContentBlockParamUnion{
						OfThinking: &anthropic.ThinkingBlockParam{Thinking: part.Text, Signature: string(part.Signature)},
					})
				}
			case models.PartToolCall:
				var input map[string]any
				if len(part.ToolArguments) > 0 {
					if err := json.Unmarshal(part.ToolArguments, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call arguments: %w", err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(part.ToolCallID, input, part.ToolName))
			case models.PartToolResult:
				content = append(content, anthropic.NewToolResultBlock(string(part.ToolResultURI), part.ToolResultText, part.IsError))
			case models.PartInvalid:
				if part.RawInvalid != "" {
					content = append(content, anthropic.NewTextBlock(part.RawInvalid))
				}
			}
		}
		if len(content) == 0 {
			continue
		}
		if turn.Assistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []models.ToolInfo) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
