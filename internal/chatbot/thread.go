package chatbot

import (
	"context"
	"sort"
	"time"

	"github.com/nextloop/wsagent/internal/kv"
	"github.com/nextloop/wsagent/pkg/models"
)

// threadMessagesTTL matches the KV table's `thread:messages:{uri}` entry.
const threadMessagesTTL = 30 * 24 * time.Hour

func threadMessagesKey(threadURI string) string {
	return "thread:messages:" + threadURI
}

// ThreadProvider lists a thread's messages newer than a saved cursor. The
// orchestrator calls it once per threadUri on every chatbot/spawn to pull
// in anything posted since the bot last looked.
type ThreadProvider interface {
	ListNew(ctx context.Context, threadURI string, cursor models.Cursor) ([]models.ThreadMessage, error)
}

// kvThreadProvider is the default ThreadProvider, backed by C1's kv.Store.
// It does not own thread creation or a full message API, only the list
// slice the orchestrator needs.
type kvThreadProvider struct {
	store kv.Store
}

// NewThreadProvider builds a ThreadProvider over the given kv.Store.
func NewThreadProvider(store kv.Store) ThreadProvider {
	return &kvThreadProvider{store: store}
}

// ListNew returns every message on threadURI strictly newer than the
// cursor's last seen id, oldest first. A zero-value cursor (no prior read)
// returns every message on the thread as a best-effort fallback.
func (p *kvThreadProvider) ListNew(ctx context.Context, threadURI string, cursor models.Cursor) ([]models.ThreadMessage, error) {
	items, err := p.store.LRange(ctx, threadMessagesKey(threadURI), 0, -1, func() any { return new(models.ThreadMessage) })
	if err != nil {
		return nil, err
	}

	out := make([]models.ThreadMessage, 0, len(items))
	for _, item := range items {
		m, ok := item.(*models.ThreadMessage)
		if !ok || m == nil {
			continue
		}
		if cursor.LastMessageID != "" && !cursor.Newer(m.MessageID) {
			continue
		}
		out = append(out, *m)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

// AppendMessage records a new message on a thread's log, for callers (the
// channels layer, tests) that post into a thread a chatbot later reads.
func AppendMessage(ctx context.Context, store kv.Store, m models.ThreadMessage) error {
	return store.LPush(ctx, threadMessagesKey(m.ThreadURI), &m, threadMessagesTTL)
}
