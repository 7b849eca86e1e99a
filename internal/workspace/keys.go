// Package workspace implements the per-workspace supervisor: one
// cluster-wide leader per workspace holding a refreshed KV lock, draining
// that workspace's request queue, and dispatching each request to a
// chatbot spawn, a tool spawn, a sigkill, or a process update.
package workspace

import "time"

const (
	lockTTL          = 120 * time.Second
	lockRefreshEvery = 60 * time.Second
	pollTimeout      = 10 * time.Second
	requestTTL       = 10 * time.Minute
	responseTTL      = 10 * time.Minute
)

func lockKey(workspace string) string {
	return "workspace:lock:" + workspace
}

func requestKey(workspace string) string {
	return "workspace:" + workspace + ":request"
}

func responseKey(workspace, channelID string) string {
	return "workspace:" + workspace + ":response:" + channelID
}

func actionKey(workspace, serviceID string) string {
	return "workspace:" + workspace + ":actions:" + serviceID
}
