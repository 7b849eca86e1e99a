package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/pkg/models"
)

// OpenAIConfig configures a new OpenAI-style provider. BaseURL lets this
// adapter address any OpenAI-compatible relay (distilled spec's
// "openai-style dialect" covers more than api.openai.com itself).
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	DefaultModel  string
	Retry         llm.RetrySchedule
	ThinkExtractor string // "", "deepseek", "gpt-oss" — inline reasoning convention
}

// OpenAIProvider implements llm.Provider for OpenAI and OpenAI-compatible
// chat-completions APIs. Unlike the Anthropic/Gemini dialects it has no
// structured reasoning channel: third-party reasoning models inline their
// thinking into the visible completion text, tagged per ThinkExtractor.
type OpenAIProvider struct {
	client         *openai.Client
	defaultModel   string
	retry          llm.RetrySchedule
	thinkExtractor string
}

// NewOpenAIProvider builds a provider from config.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}
	if config.Retry == nil {
		config.Retry = llm.ProdRetrySchedule
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:         openai.NewClientWithConfig(clientConfig),
		defaultModel:   config.DefaultModel,
		retry:          config.Retry,
		thinkExtractor: config.ThinkExtractor,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true, SupportsTools: "openai"},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true, SupportsTools: "openai"},
		{ID: "gpt-4", Name: "GPT-4", ContextSize: 8192, SupportsTools: "openai"},
	}
}

func (p *OpenAIProvider) model(id string) string {
	if id == "" {
		return p.defaultModel
	}
	return id
}

// Complete issues the request and streams back CompletionChunks.
func (p *OpenAIProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	messages, err := convertOpenAIMessages(req)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model.ID),
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err = p.retry.Retry(ctx, IsRetryable, func() error {
		var streamErr error
		stream, streamErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return streamErr
	})
	if err != nil {
		return nil, WrapError(err, ClassifyError(err))
	}

	chunks := make(chan *llm.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// openaiToolCall accumulates one tool call's id/name/arguments across
// streamed deltas, keyed by the response's tool_calls array index.
type openaiToolCall struct {
	id, name string
	args     []byte
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *llm.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	var text llm.TextBatcher
	toolCalls := map[int]*openaiToolCall{}
	thinking := false
	var answerBuf strings.Builder

	emit := func(tc *openaiToolCall) {
		for _, part := range llm.ParseToolCall(tc.id, tc.name, string(tc.args)) {
			part := part
			chunks <- &llm.CompletionChunk{Part: &part}
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &llm.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.flushInlineThink(&answerBuf, &thinking, &text, chunks)
				if batch := text.Flush(); batch != "" {
					chunks <- &llm.CompletionChunk{TextDelta: batch}
				}
				for _, tc := range toolCalls {
					if tc.name != "" {
						emit(tc)
					}
				}
				chunks <- &llm.CompletionChunk{Done: true}
				return
			}
			chunks <- &llm.CompletionChunk{Error: WrapError(err, ClassifyError(err)), Done: true}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			if p.thinkExtractor == "" {
				if batch, full := text.Add(delta.Content); full {
					chunks <- &llm.CompletionChunk{TextDelta: batch}
				}
			} else {
				answerBuf.WriteString(delta.Content)
				p.flushInlineThink(&answerBuf, &thinking, &text, chunks)
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			cur, ok := toolCalls[index]
			if !ok {
				cur = &openaiToolCall{}
				toolCalls[index] = cur
			}
			if tc.ID != "" {
				cur.id = tc.ID
			}
			if tc.Function.Name != "" {
				cur.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.args = append(cur.args, []byte(tc.Function.Arguments)...)
			}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			for _, tc := range toolCalls {
				if tc.name != "" {
					emit(tc)
				}
			}
			toolCalls = map[int]*openaiToolCall{}
		}
	}
}

// flushInlineThink extracts a leading reasoning block from the
// accumulated answer text once a complete delimiter pair has arrived,
// emitting it as a think part and switching the remaining text into the
// normal batched TextDelta stream.
func (p *OpenAIProvider) flushInlineThink(answerBuf *strings.Builder, thinking *bool, text *llm.TextBatcher, chunks chan<- *llm.CompletionChunk) {
	if *thinking {
		return
	}
	var extracted, rest string
	var ok bool
	switch p.thinkExtractor {
	case "deepseek":
		extracted, rest, ok = llm.ExtractInlineThink(answerBuf.String())
	case "gpt-oss":
		extracted, rest, ok = llm.ExtractGPTOSSThink(answerBuf.String())
	}
	if !ok {
		return
	}
	*thinking = true
	chunks <- &llm.CompletionChunk{Part: &models.LlmPart{Kind: models.PartThink, Text: extracted}}
	answerBuf.Reset()
	if rest != "" {
		if batch, full := text.Add(rest); full {
			chunks <- &llm.CompletionChunk{TextDelta: batch}
		}
	}
}

func convertOpenAIMessages(req *llm.CompletionRequest) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Parts)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}

	for _, turn := range llm.GroupTurns(req.Parts) {
		if turn.Assistant {
			msg, err := assistantMessage(turn.Parts)
			if err != nil {
				return nil, err
			}
			result = append(result, msg)
			continue
		}

		var textParts []string
		var mediaParts []openai.ChatMessagePart
		for _, part := range turn.Parts {
			switch part.Kind {
			case models.PartText:
				if part.Text != "" {
					textParts = append(textParts, part.Text)
				}
				for _, m := range part.Media {
					if img := imagePart(m); img != nil {
						mediaParts = append(mediaParts, *img)
					}
				}
			case models.PartToolResult:
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    part.ToolResultText,
					ToolCallID: string(part.ToolResultURI),
				})
			case models.PartInvalid:
				if part.RawInvalid != "" {
					textParts = append(textParts, part.RawInvalid)
				}
			}
		}
		text := joinNonEmpty(textParts)
		if text == "" && len(mediaParts) == 0 {
			continue
		}
		if len(mediaParts) == 0 {
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
			continue
		}
		content := mediaParts
		if text != "" {
			content = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text}}, content...)
		}
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: content})
	}
	return result, nil
}

func assistantMessage(parts []models.LlmPart) (openai.ChatCompletionMessage, error) {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	var text []string
	for _, part := range parts {
		switch part.Kind {
		case models.PartText:
			if part.Text != "" {
				text = append(text, part.Text)
			}
		case models.PartThink:
			if part.Text != "" {
				text = append(text, "<think>"+part.Text+"</think>")
			}
		case models.PartToolCall:
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   part.ToolCallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      part.ToolName,
					Arguments: string(part.ToolArguments),
				},
			})
		case models.PartInvalid:
			if part.RawInvalid != "" {
				text = append(text, part.RawInvalid)
			}
		}
	}
	msg.Content = joinNonEmpty(text)
	return msg, nil
}

func imagePart(m models.MediaRef) *openai.ChatMessagePart {
	url := m.URL
	if url == "" && len(m.Data) > 0 {
		url = "data:" + m.MimeType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
	}
	if url == "" {
		return nil
	}
	return &openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
	}
}

func joinNonEmpty(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}

func convertOpenAITools(tools []models.ToolInfo) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
