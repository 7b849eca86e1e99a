package models

import (
	"encoding/json"
	"time"
)

// PersistenceMode governs a content item's retention across render modes,
// in priority order required > optional > temp.
type PersistenceMode string

const (
	ModeRequired PersistenceMode = "required"
	ModeOptional PersistenceMode = "optional"
	ModeTemp     PersistenceMode = "temp"
)

// RenderMode selects which run-level token total and retention table a
// render pass applies.
type RenderMode string

const (
	RenderCurrent RenderMode = "current"
	RenderHistory RenderMode = "history"
	RenderLegacy  RenderMode = "legacy"
)

// Retain reports whether a content item in the given mode survives the
// given render pass, per the distilled retention table.
func Retain(mode PersistenceMode, render RenderMode) bool {
	switch render {
	case RenderCurrent:
		return true
	case RenderHistory:
		return mode != ModeTemp
	case RenderLegacy:
		return mode == ModeRequired
	default:
		return false
	}
}

// PartKind discriminates the closed LlmPart variant.
type PartKind string

const (
	PartText       PartKind = "text"
	PartThink      PartKind = "think"
	PartToolCall   PartKind = "toolCall"
	PartToolResult PartKind = "toolResult"
	PartInvalid    PartKind = "invalid"
)

// MediaRef is a media blob referenced from a part, e.g. returned by a tool.
type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// LlmPart is one content item in the provider-agnostic conversation model.
// Exactly the fields relevant to Kind are meaningful; dispatch by Kind.
type LlmPart struct {
	Kind      PartKind        `json:"kind"`
	Role      MessageRole     `json:"role"`
	Mode      PersistenceMode `json:"mode"`
	AuthorID  string          `json:"authorId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`

	// text
	Text    string `json:"text,omitempty"`
	Section string `json:"section,omitempty"`

	// think
	Signature []byte `json:"signature,omitempty"`

	// toolCall
	ToolCallID     string          `json:"toolCallId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	ToolArguments  json.RawMessage `json:"toolArguments,omitempty"`

	// toolResult
	ToolResultURI  ProcessURI `json:"toolResultUri,omitempty"`
	ToolResultText string     `json:"toolResultText,omitempty"`
	IsError        bool       `json:"isError,omitempty"`
	Media          []MediaRef `json:"media,omitempty"`

	// invalid
	RawInvalid string `json:"rawInvalid,omitempty"`
}

// BotMessagePartKind discriminates the client-facing rendered reply part.
type BotMessagePartKind string

const (
	BotPartText     BotMessagePartKind = "text"
	BotPartToolCall BotMessagePartKind = "toolCall"
)

// BotMessagePart is a chunk of a chatbot's reply streamed to the
// client-reply service: rendered text or a tool call awaiting its result.
type BotMessagePart struct {
	Kind          BotMessagePartKind `json:"kind"`
	Text          string             `json:"text,omitempty"`
	ToolCallID    string             `json:"toolCallId,omitempty"`
	ToolName      string             `json:"toolName,omitempty"`
	ToolArguments json.RawMessage    `json:"toolArguments,omitempty"`
}
