package chatbot

import (
	"context"
	"time"

	"github.com/nextloop/wsagent/internal/infra"
	"github.com/nextloop/wsagent/internal/kv"
	"github.com/nextloop/wsagent/pkg/models"
)

// botStateTTL matches the KV table's `bot:state:{w}:{botId}` entry.
const botStateTTL = 7 * 24 * time.Hour

func botStateKey(workspace, botID string) string {
	return "bot:state:" + workspace + ":" + botID
}

// BotStateStore loads and persists a bot's per-workspace state: its
// resolved persona, opaque model-adapter state, and per-thread cursors.
type BotStateStore interface {
	Load(ctx context.Context, workspace, botID string) (*models.BotState, error)
	Save(ctx context.Context, state *models.BotState) error
}

// kvBotStateStore is the default BotStateStore, backed by C1's kv.Store.
// Every Get/SetOne round trip for a given workspace+bot runs through queue
// on a lane named for that key, so a Load racing a still-in-flight Save for
// the same bot (two channel replies landing for the same bot at once) reads
// after the Save lands instead of before it, and two concurrent Saves apply
// in the order they were issued instead of racing the KV write. Concurrent
// Loads for the same key are additionally coalesced through inflight, since
// a burst of messages landing for one bot would otherwise all pay the same
// queued KV round trip before any of them has a chance to Save.
type kvBotStateStore struct {
	store    kv.Store
	inflight infra.Group[string, *models.BotState]
	queue    *infra.CommandQueue
}

// NewBotStateStore builds a BotStateStore over the given kv.Store.
func NewBotStateStore(store kv.Store) BotStateStore {
	return &kvBotStateStore{store: store, queue: infra.NewCommandQueue()}
}

// Load returns the saved state, or a fresh default one if none exists yet.
// Concurrent callers for the same key share one queued KV round trip but
// each get their own copy back, since the caller mutates the returned state
// in place before Saving it.
func (s *kvBotStateStore) Load(ctx context.Context, workspace, botID string) (*models.BotState, error) {
	key := botStateKey(workspace, botID)
	shared, err, _ := s.inflight.Do(key, func() (*models.BotState, error) {
		v, err := s.queue.EnqueueInLane(ctx, key, func(ctx context.Context) (any, error) {
			var state models.BotState
			ok, err := s.store.Get(ctx, key, &state)
			if err != nil {
				return nil, err
			}
			if !ok {
				return &models.BotState{Workspace: workspace, BotID: botID}, nil
			}
			return &state, nil
		}, nil)
		if err != nil {
			return nil, err
		}
		return v.(*models.BotState), nil
	})
	if err != nil {
		return nil, err
	}

	state := *shared
	if shared.Cursors != nil {
		state.Cursors = make(map[string]models.Cursor, len(shared.Cursors))
		for k, v := range shared.Cursors {
			state.Cursors[k] = v
		}
	}
	return &state, nil
}

// Save persists state, refreshing its TTL. Queued on the same per-bot lane
// as Load so it serializes against concurrent Loads and Saves for the bot.
func (s *kvBotStateStore) Save(ctx context.Context, state *models.BotState) error {
	state.UpdatedAt = time.Now()
	key := botStateKey(state.Workspace, state.BotID)
	return s.queue.EnqueueVoidInLane(ctx, key, func(ctx context.Context) error {
		return s.store.SetOne(ctx, key, state, botStateTTL)
	}, nil)
}
