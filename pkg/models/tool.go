package models

import "encoding/json"

// ToolInfo describes a tool registered with a workspace, whether it
// executes locally or on a remote client.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Remote      bool            `json:"remote"`
}

// WorkspaceAction is a client-directed side effect queued for delivery to
// a registered service, e.g. "open panel" or "notify".
type WorkspaceAction struct {
	ServiceID string          `json:"serviceId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
