package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nextloop/wsagent/internal/history"
	"github.com/nextloop/wsagent/internal/ids"
	"github.com/nextloop/wsagent/internal/llm"
	"github.com/nextloop/wsagent/pkg/models"
)

// GoogleConfig configures a new Gemini provider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	Retry        llm.RetrySchedule
}

// GoogleProvider implements llm.Provider against the Gemini API, the
// other dialect (besides Anthropic) that carries a proprietary reasoning
// signature history.Reuse must preserve byte-for-byte.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	retry        llm.RetrySchedule
}

// NewGoogleProvider builds a provider from config.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.5-pro"
	}
	if config.Retry == nil {
		config.Retry = llm.ProdRetrySchedule
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{client: client, defaultModel: config.DefaultModel, retry: config.Retry}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1000000, SupportsVision: true, SupportsThink: "gemini", SupportsTools: "gemini"},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextSize: 1000000, SupportsVision: true, SupportsThink: "gemini", SupportsTools: "gemini"},
	}
}

func (p *GoogleProvider) model(id string) string {
	if id == "" {
		return p.defaultModel
	}
	return id
}

// Complete issues the request and streams back CompletionChunks.
func (p *GoogleProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	model := p.model(req.Model.ID)
	contents, err := convertGeminiMessages(req.Parts)
	if err != nil {
		return nil, fmt.Errorf("google: failed to convert messages: %w", err)
	}
	config := buildGeminiConfig(req)

	chunks := make(chan *llm.CompletionChunk)
	go func() {
		defer close(chunks)

		err := p.retry.Retry(ctx, IsRetryable, func() error {
			return p.streamOnce(ctx, model, contents, config, chunks)
		})
		if err != nil {
			chunks <- &llm.CompletionChunk{Error: WrapError(err, ClassifyError(err))}
		}
	}()
	return chunks, nil
}

// streamOnce drives a single attempt of the Gemini content stream, sending
// a Done chunk on a clean finish. The retry wrapper in Complete re-invokes
// this on a retryable failure, so any chunk already sent to the caller on
// a failed attempt is assumed tolerable to precede a second attempt's
// chunks (the chatbot orchestrator renders the final answer once, on the
// Done signal, not incrementally from partials).
func (p *GoogleProvider) streamOnce(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- *llm.CompletionChunk) error {
	var text llm.TextBatcher
	var thinkText, thinkSig strings.Builder
	inThought := false

	flushThought := func() {
		if thinkText.Len() > 0 || thinkSig.Len() > 0 {
			chunks <- &llm.CompletionChunk{Part: &models.LlmPart{
				Kind:      models.PartThink,
				Text:      thinkText.String(),
				Signature: []byte(thinkSig.String()),
			}}
			thinkText.Reset()
			thinkSig.Reset()
		}
		inThought = false
	}

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Thought {
					inThought = true
					thinkText.WriteString(part.Text)
					thinkSig.Write(part.ThoughtSignature)
					continue
				}
				if inThought {
					flushThought()
				}
				if part.Text != "" {
					if batch, full := text.Add(part.Text); full {
						chunks <- &llm.CompletionChunk{TextDelta: batch}
					}
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte("{}")
					}
					id := generateToolCallID(part.FunctionCall.Name)
					for _, tcPart := range llm.ParseToolCall(id, part.FunctionCall.Name, string(args)) {
						tcPart := tcPart
						chunks <- &llm.CompletionChunk{Part: &tcPart}
					}
				}
			}
		}
		if resp.UsageMetadata != nil {
			chunks <- &llm.CompletionChunk{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}

	flushThought()
	if batch := text.Flush(); batch != "" {
		chunks <- &llm.CompletionChunk{TextDelta: batch}
	}
	chunks <- &llm.CompletionChunk{Done: true}
	return nil
}

// convertGeminiMessages builds Gemini's Content list from the rendered
// history, grouped into llm.Turns. Tool results are addressed to the user
// side as FunctionResponse parts, matching Gemini's native (non-OpenAI)
// tool-pairing convention where a late result can follow any number of
// turns later without a placeholder.
func convertGeminiMessages(parts []history.RenderedPart) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, turn := range llm.GroupTurns(parts) {
		content := &genai.Content{Role: genai.RoleUser}
		if turn.Assistant {
			content.Role = genai.RoleModel
		}
		for _, part := range turn.Parts {
			switch part.Kind {
			case models.PartText:
				if part.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
				}
				for _, m := range part.Media {
					if p := geminiMediaPart(m); p != nil {
						content.Parts = append(content.Parts, p)
					}
				}
			case models.PartThink:
				content.Parts = append(content.Parts, &genai.Part{
					Text:             part.Text,
					Thought:          true,
					ThoughtSignature: part.Signature,
				})
			case models.PartToolCall:
				var args map[string]any
				if len(part.ToolArguments) > 0 {
					if err := json.Unmarshal(part.ToolArguments, &args); err != nil {
						return nil, fmt.Errorf("invalid tool call arguments: %w", err)
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: part.ToolName, Args: args},
				})
			case models.PartToolResult:
				response := map[string]any{"result": part.ToolResultText, "error": part.IsError}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{Name: part.ToolName, Response: response},
				})
			case models.PartInvalid:
				if part.RawInvalid != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: part.RawInvalid})
				}
			}
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func geminiMediaPart(m models.MediaRef) *genai.Part {
	if len(m.Data) > 0 {
		return &genai.Part{InlineData: &genai.Blob{Data: m.Data, MIMEType: m.MimeType}}
	}
	if m.URL != "" {
		return &genai.Part{FileData: &genai.FileData{FileURI: m.URL, MIMEType: m.MimeType}}
	}
	return nil
}

func buildGeminiConfig(req *llm.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertGeminiTools(req.Tools)}}
	}
	if req.EnableThinking {
		budget := int32(req.ThinkingBudgetTokens)
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	return config
}

// generateToolCallID synthesizes a call ID for an incoming FunctionCall
// part, since Gemini's protocol (unlike Anthropic/OpenAI) does not assign
// one itself.
func generateToolCallID(name string) string {
	return "call_" + name + "_" + ids.NewProcessID(time.Now())
}

func convertGeminiTools(tools []models.ToolInfo) []*genai.FunctionDeclaration {
	result := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema *genai.Schema
		if len(tool.Schema) > 0 {
			schema = &genai.Schema{}
			if err := json.Unmarshal(tool.Schema, schema); err != nil {
				schema = nil
			}
		}
		result = append(result, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schema,
		})
	}
	return result
}
