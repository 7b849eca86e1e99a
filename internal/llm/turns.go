package llm

import (
	"github.com/nextloop/wsagent/internal/history"
	"github.com/nextloop/wsagent/pkg/models"
)

// Turn groups a run of consecutive rendered parts that belong on the same
// side of the wire conversation: either all model-authored (the assistant
// turn) or all non-model-authored (real user text, service-authored text,
// and tool results, which every dialect's API also addresses to the
// "user" side of the exchange). Every dialect adapter builds its SDK
// message list by walking Turns rather than individual parts, since a
// provider's wire format groups content this way regardless of dialect.
type Turn struct {
	Assistant bool
	Parts     []models.LlmPart
}

// IsAssistantPart reports whether p was authored by the model rather than
// a user, a service, or a tool. Mirrors the authorship rule history.AddPart
// uses to decide flush behavior: text with no author is the bot's own
// reply, thinking and tool calls are always the model's.
func IsAssistantPart(p models.LlmPart) bool {
	if p.Kind == models.PartText {
		return p.AuthorID == ""
	}
	return p.Kind == models.PartThink || p.Kind == models.PartToolCall
}

// GroupTurns buckets rendered parts into alternating assistant/non-assistant
// turns, preserving order. A dialect adapter maps Turn.Assistant to its
// wire role ("assistant" vs "user") and is responsible for any
// finer-grained split it needs within a turn (e.g. OpenAI addresses each
// tool result as its own "tool"-role message rather than folding it into
// the surrounding user turn).
func GroupTurns(parts []history.RenderedPart) []Turn {
	var turns []Turn
	for _, rp := range parts {
		assistant := IsAssistantPart(rp.Part)
		if n := len(turns); n > 0 && turns[n-1].Assistant == assistant {
			turns[n-1].Parts = append(turns[n-1].Parts, rp.Part)
			continue
		}
		turns = append(turns, Turn{Assistant: assistant, Parts: []models.LlmPart{rp.Part}})
	}
	return turns
}
