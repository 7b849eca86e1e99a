package providers

import (
	"encoding/json"
	"testing"

	"github.com/nextloop/wsagent/internal/history"
	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/pkg/models"
)

func rendered(part models.LlmPart) history.RenderedPart {
	return history.RenderedPart{Part: part, Render: models.RenderCurrent}
}

func TestNewAnthropicProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatalf("expected error for missing API key")
	}
}

func TestNewAnthropicProviderDefaults(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.defaultModel == "" {
		t.Fatalf("expected a default model to be set")
	}
	if p.retry == nil {
		t.Fatalf("expected a default retry schedule to be set")
	}
	if p.Name() != "anthropic" {
		t.Fatalf("expected provider name anthropic, got %q", p.Name())
	}
	if len(p.Models()) == 0 {
		t.Fatalf("expected at least one model")
	}
}

func TestConvertMessagesSimpleTurn(t *testing.T) {
	req := &llm.CompletionRequest{
		Parts: []history.RenderedPart{
			rendered(models.LlmPart{Kind: models.PartText, AuthorID: "user-1", Text: "Hello!"}),
			rendered(models.LlmPart{Kind: models.PartText, AuthorID: "", Text: "Hi there!"}),
		},
	}
	result, err := convertMessages(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 messages (one per turn), got %d", len(result))
	}
}

func TestConvertMessagesToolCallAndResult(t *testing.T) {
	req := &llm.CompletionRequest{
		Parts: []history.RenderedPart{
			rendered(models.LlmPart{
				Kind:          models.PartToolCall,
				ToolCallID:    "call_123",
				ToolName:      "get_weather",
				ToolArguments: json.RawMessage(`{"city":"London"}`),
			}),
			rendered(models.LlmPart{
				Kind:           models.PartToolResult,
				ToolResultURI:  models.ProcessURI("call_123"),
				ToolResultText: "Sunny, 72F",
			}),
		},
	}
	result, err := convertMessages(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 messages (assistant tool call, user tool result), got %d", len(result))
	}
}

func TestConvertMessagesInvalidToolCallArguments(t *testing.T) {
	req := &llm.CompletionRequest{
		Parts: []history.RenderedPart{
			rendered(models.LlmPart{
				Kind:          models.PartToolCall,
				ToolCallID:    "call_123",
				ToolName:      "test",
				ToolArguments: json.RawMessage(`invalid json`),
			}),
		},
	}
	if _, err := convertMessages(req); err == nil {
		t.Fatalf("expected error for malformed tool call arguments")
	}
}

func TestConvertMessagesEmptyTurnDropped(t *testing.T) {
	req := &llm.CompletionRequest{
		Parts: []history.RenderedPart{
			rendered(models.LlmPart{Kind: models.PartText, AuthorID: "user-1", Text: ""}),
		},
	}
	result, err := convertMessages(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("expected empty-content turn to be dropped, got %d messages", len(result))
	}
}

func TestConvertToolsBasic(t *testing.T) {
	tools := []models.ToolInfo{
		{Name: "search", Description: "search the web", Schema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`)},
	}
	result, err := convertTools(tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
}

func TestConvertToolsInvalidSchema(t *testing.T) {
	tools := []models.ToolInfo{
		{Name: "search", Schema: json.RawMessage(`not json`)},
	}
	if _, err := convertTools(tools); err == nil {
		t.Fatalf("expected error for malformed tool schema")
	}
}
