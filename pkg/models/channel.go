package models

import "encoding/json"

// WorkspaceRequestKind discriminates the closed WorkspaceRequest variant.
type WorkspaceRequestKind string

const (
	RequestChatbotSpawn   WorkspaceRequestKind = "chatbot/spawn"
	RequestProcessSpawn   WorkspaceRequestKind = "process/spawn"
	RequestProcessSigkill WorkspaceRequestKind = "process/sigkill"
	RequestProcessUpdate  WorkspaceRequestKind = "process/update"
)

// WorkspaceRequest is the closed set of requests a workspace supervisor
// dispatches.
type WorkspaceRequest struct {
	Kind WorkspaceRequestKind `json:"kind"`

	// chatbot/spawn
	BotID            string          `json:"botId,omitempty"`
	Persona          *Persona        `json:"persona,omitempty"`
	ThreadURIs       []string        `json:"threadUris,omitempty"`
	ClientTools      []ToolInfo      `json:"clientTools,omitempty"`
	RecvTimeoutHintS int             `json:"recvTimeoutHintSecs,omitempty"`

	// process/spawn
	ToolName string          `json:"toolName,omitempty"`
	Args     json.RawMessage `json:"arguments,omitempty"`

	// process/sigkill, process/update
	URI      ProcessURI             `json:"uri,omitempty"`
	Progress json.RawMessage        `json:"progress,omitempty"`
	Result   *ProcessResult         `json:"result,omitempty"`
	Actions  []WorkspaceAction      `json:"actions,omitempty"`
}

// WorkspaceStreamKind discriminates the closed WorkspaceStream variant.
type WorkspaceStreamKind string

const (
	StreamReply    WorkspaceStreamKind = "reply"
	StreamProgress WorkspaceStreamKind = "progress"
	StreamError    WorkspaceStreamKind = "error"
	StreamClose    WorkspaceStreamKind = "close"
)

// ReplyStatus discriminates a provisional vs final chatbot reply.
type ReplyStatus string

const (
	ReplyProvisional ReplyStatus = "provisional"
	ReplyDone        ReplyStatus = "done"
)

// WorkspaceStream is the closed set of messages a dispatched request
// pushes onto its response channel. Every dispatch finishes with exactly
// one StreamClose, even on error.
type WorkspaceStream struct {
	Kind WorkspaceStreamKind `json:"kind"`

	// reply
	Status  ReplyStatus       `json:"status,omitempty"`
	Summary string            `json:"summary,omitempty"`
	Parts   []BotMessagePart  `json:"parts,omitempty"`
	Actions []WorkspaceAction `json:"actions,omitempty"`

	// progress
	Progress json.RawMessage `json:"progress,omitempty"`
	Result   *ProcessResult  `json:"result,omitempty"`

	// error
	Error *Error `json:"error,omitempty"`
}

// StreamValueKind discriminates the envelope pushed onto a response list.
type StreamValueKind string

const (
	ValueKindValue StreamValueKind = "value"
	ValueKindError StreamValueKind = "error"
	ValueKindClose StreamValueKind = "close"
)

// StreamValue is the low-level KV-queue envelope wrapping one
// WorkspaceStream item, or the close/error sentinels that end a channel.
type StreamValue struct {
	Kind  StreamValueKind  `json:"kind"`
	Value *WorkspaceStream `json:"value,omitempty"`
	Error *Error           `json:"error,omitempty"`
}

// RequestEnvelope is the wire wrapper pushed onto a workspace's request list.
type RequestEnvelope struct {
	ChannelID string           `json:"channelId"`
	Request   WorkspaceRequest `json:"request"`
}
