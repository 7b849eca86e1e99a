package models

import "time"

// CapabilityTools toggles a named set of tools on or off in a persona's
// filter chain. Rules apply in order starting from DefaultEnabled.
type CapabilityTools struct {
	Action  string   `json:"action"` // "enable" or "disable"
	Tools   []string `json:"tools"`
}

// Persona is a bot's LLM configuration: model, sampling, system message,
// and tool allow/deny rules.
type Persona struct {
	Model           string            `json:"model"`
	Temperature     float64           `json:"temperature,omitempty"`
	SystemMessage   string            `json:"systemMessage,omitempty"`
	DefaultEnabled  bool              `json:"defaultEnabled"`
	ToolRules       []CapabilityTools `json:"toolRules,omitempty"`
}

// Merge overlays the requested persona over the saved one; fields set on
// requested win. A nil requested returns base unchanged.
func (p Persona) Merge(requested *Persona) Persona {
	if requested == nil {
		return p
	}
	merged := p
	if requested.Model != "" {
		merged.Model = requested.Model
	}
	if requested.Temperature != 0 {
		merged.Temperature = requested.Temperature
	}
	if requested.SystemMessage != "" {
		merged.SystemMessage = requested.SystemMessage
	}
	if requested.ToolRules != nil {
		merged.DefaultEnabled = requested.DefaultEnabled
		merged.ToolRules = requested.ToolRules
	}
	return merged
}

// FilterTool applies the persona's allow/deny rule chain to a tool name.
func (p Persona) FilterTool(name string) bool {
	enabled := p.DefaultEnabled
	for _, rule := range p.ToolRules {
		for _, t := range rule.Tools {
			if t == name {
				enabled = rule.Action == "enable"
			}
		}
	}
	return enabled
}

// BotState is the per-(workspace, botId) persisted record: chosen persona,
// opaque model-adapter state, and per-thread read cursors.
type BotState struct {
	Workspace   string            `json:"workspace"`
	BotID       string            `json:"botId"`
	Persona     Persona           `json:"persona"`
	LLMState    []byte            `json:"llmState,omitempty"`
	Cursors     map[string]Cursor `json:"cursors,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Cursor returns the saved cursor for a thread, or the zero value if none.
func (b *BotState) Cursor(threadURI string) (Cursor, bool) {
	c, ok := b.Cursors[threadURI]
	return c, ok
}

// SetCursor records the last-seen message id for a thread.
func (b *BotState) SetCursor(threadURI, lastMessageID string) {
	if b.Cursors == nil {
		b.Cursors = make(map[string]Cursor)
	}
	b.Cursors[threadURI] = Cursor{ThreadURI: threadURI, LastMessageID: lastMessageID}
}
