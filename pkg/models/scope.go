package models

import "fmt"

// Scope is the trust/visibility domain a workspace belongs to.
type Scope string

const (
	ScopeInternal Scope = "internal"
	ScopeMsgroup  Scope = "msgroup"
	ScopePersonal Scope = "personal"
	ScopePrivate  Scope = "private"
)

// Workspace identifies a multi-tenant unit of isolation. All state and
// mutation for a workspace happens under its supervisor.
type Workspace struct {
	Scope  Scope  `json:"scope"`
	Suffix string `json:"suffix"`
}

// String renders the canonical "scope-suffix" form used in KV keys.
func (w Workspace) String() string {
	return fmt.Sprintf("%s-%s", w.Scope, w.Suffix)
}

// LockKey returns the KV key guarding this workspace's singleton lock.
func (w Workspace) LockKey() string {
	return fmt.Sprintf("workspace:lock:%s", w)
}

// RequestKey returns the KV key for this workspace's incoming request list.
func (w Workspace) RequestKey() string {
	return fmt.Sprintf("workspace:%s:request", w)
}

// ResponseKey returns the KV key for a channel's response list on this workspace.
func (w Workspace) ResponseKey(channelID string) string {
	return fmt.Sprintf("workspace:%s:response:%s", w, channelID)
}

// ActionsKey returns the KV key for a service's queued client actions.
func (w Workspace) ActionsKey(serviceID string) string {
	return fmt.Sprintf("workspace:%s:actions:%s", w, serviceID)
}
