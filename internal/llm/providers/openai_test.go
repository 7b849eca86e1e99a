package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nextloop/wsagent/internal/history"
	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/pkg/models"
)

func TestNewOpenAIProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatalf("expected error for missing API key")
	}
}

func TestNewOpenAIProviderDefaults(t *testing.T) {
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.defaultModel == "" {
		t.Fatalf("expected default model to be set")
	}
	if p.Name() != "openai" {
		t.Fatalf("expected provider name openai, got %q", p.Name())
	}
}

func TestNewOpenAIProviderCustomBaseURL(t *testing.T) {
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: "https://relay.example.com/v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatalf("expected provider")
	}
}

func TestConvertOpenAIMessagesSystemAndTurns(t *testing.T) {
	req := &llm.CompletionRequest{
		System: "You are helpful.",
		Parts: []history.RenderedPart{
			rendered(models.LlmPart{Kind: models.PartText, AuthorID: "user-1", Text: "Hello!"}),
			rendered(models.LlmPart{Kind: models.PartText, AuthorID: "", Text: "Hi there!"}),
		},
	}
	result, err := convertOpenAIMessages(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("expected system + user + assistant = 3 messages, got %d", len(result))
	}
	if result[0].Content != req.System {
		t.Fatalf("expected first message to carry the system prompt")
	}
}

func TestConvertOpenAIMessagesToolResultIsItsOwnMessage(t *testing.T) {
	req := &llm.CompletionRequest{
		Parts: []history.RenderedPart{
			rendered(models.LlmPart{Kind: models.PartText, AuthorID: "user-1", Text: "what's the weather?"}),
			rendered(models.LlmPart{
				Kind:       models.PartToolCall,
				ToolCallID: "call_1",
				ToolName:   "get_weather",
				ToolArguments: json.RawMessage(`{}`),
			}),
			rendered(models.LlmPart{
				Kind:           models.PartToolResult,
				ToolResultURI:  models.ProcessURI("call_1"),
				ToolResultText: "sunny",
			}),
		},
	}
	result, err := convertOpenAIMessages(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// user turn, assistant tool-call turn, then the tool result as its own message
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}
	if result[2].ToolCallID != "call_1" {
		t.Fatalf("expected the tool result message to carry the call id, got %q", result[2].ToolCallID)
	}
}

func TestConvertOpenAIToolsInvalidSchemaFallsBackToEmptyObject(t *testing.T) {
	tools := []models.ToolInfo{{Name: "search", Schema: json.RawMessage(`not json`)}}
	result := convertOpenAITools(tools)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
	if result[0].Function.Name != "search" {
		t.Fatalf("unexpected tool name: %q", result[0].Function.Name)
	}
}

func TestFlushInlineThinkDeepseek(t *testing.T) {
	p := &OpenAIProvider{thinkExtractor: "deepseek"}
	var answerBuf strings.Builder
	answerBuf.WriteString("<think>reasoning</think>\nfinal answer")
	thinking := false
	var text llm.TextBatcher
	chunks := make(chan *llm.CompletionChunk, 4)

	p.flushInlineThink(&answerBuf, &thinking, &text, chunks)

	if !thinking {
		t.Fatalf("expected thinking flag to be set once a block is extracted")
	}
	select {
	case chunk := <-chunks:
		if chunk.Part == nil || chunk.Part.Kind != models.PartThink || chunk.Part.Text != "reasoning" {
			t.Fatalf("unexpected chunk: %+v", chunk)
		}
	default:
		t.Fatalf("expected a think chunk to be emitted")
	}
}

func TestFlushInlineThinkNoExtractorConfigured(t *testing.T) {
	p := &OpenAIProvider{}
	var answerBuf strings.Builder
	thinking := false
	var text llm.TextBatcher
	chunks := make(chan *llm.CompletionChunk, 1)

	p.flushInlineThink(&answerBuf, &thinking, &text, chunks)

	if thinking {
		t.Fatalf("did not expect thinking to be detected with no extractor configured")
	}
	select {
	case c := <-chunks:
		t.Fatalf("did not expect any chunk to be emitted, got %+v", c)
	default:
	}
}
