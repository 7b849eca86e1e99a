// Package channels implements C7: the client side of the cross-replica
// request/response protocol a workspace's supervisor speaks (C5). A
// Requester can run on any replica, not just the one that ends up owning
// the target workspace's lock: it makes sure some replica is supervising
// the workspace, pushes a request envelope under a freshly generated
// channel id, and hands back a Stream the caller drains for responses.
package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextloop/wsagent/internal/ids"
	"github.com/nextloop/wsagent/internal/kv"
	"github.com/nextloop/wsagent/internal/workspace"
	"github.com/nextloop/wsagent/pkg/models"
)

const (
	requestTTL      = 10 * time.Minute
	responseTTL     = 10 * time.Minute
	recvPollTimeout = 10 * time.Second
)

// ErrClosed is returned by Stream.Recv once the dispatch has finished
// sending and pushed its close sentinel.
var ErrClosed = errors.New("channels: response stream closed")

func requestKey(workspace string) string {
	return "workspace:" + workspace + ":request"
}

func responseKey(workspace, channelID string) string {
	return "workspace:" + workspace + ":response:" + channelID
}

// Requester sends requests into a workspace's supervisor loop and opens
// the response stream for each one.
type Requester struct {
	store    kv.Store
	registry *workspace.Registry
}

// NewRequester builds a Requester. registry is used to make sure a
// supervisor is running for the target workspace somewhere in the
// cluster before a request is pushed for it; if this replica isn't
// already its leader, TryAcquire either becomes the leader or no-ops
// because another replica already is one — either way the request gets
// picked up.
func NewRequester(store kv.Store, registry *workspace.Registry) *Requester {
	return &Requester{store: store, registry: registry}
}

// Send pushes req onto workspace's request queue under a new channel id
// and returns a Stream to read the dispatch's responses from.
func (r *Requester) Send(ctx context.Context, ws string, req models.WorkspaceRequest) (*Stream, error) {
	if _, err := r.registry.TryAcquire(ctx, ws); err != nil {
		return nil, fmt.Errorf("channels: acquire supervisor for %q: %w", ws, err)
	}

	channelID := ids.NewChannelID(time.Now())
	envelope := &models.RequestEnvelope{ChannelID: channelID, Request: req}
	if err := r.store.LPush(ctx, requestKey(ws), envelope, requestTTL); err != nil {
		return nil, fmt.Errorf("channels: push request: %w", err)
	}

	return &Stream{store: r.store, workspace: ws, channelID: channelID}, nil
}

// Stream is one channel's response half: the ordered sequence of
// WorkspaceStream values a dispatch pushes before it closes.
type Stream struct {
	store     kv.Store
	workspace string
	channelID string
}

// ChannelID returns the id this stream was opened under.
func (s *Stream) ChannelID() string { return s.channelID }

// Recv blocks for the next streamed value. It returns ErrClosed once the
// dispatch finishes normally, the dispatch's wire error (a *models.Error)
// if it failed, or ctx's own error if ctx is cancelled first.
func (s *Stream) Recv(ctx context.Context) (*models.WorkspaceStream, error) {
	key := responseKey(s.workspace, s.channelID)
	for {
		var env models.StreamValue
		ok, err := s.store.BRPop(ctx, key, recvPollTimeout, &env)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		switch env.Kind {
		case models.ValueKindValue:
			return env.Value, nil
		case models.ValueKindError:
			if env.Error != nil {
				return nil, env.Error
			}
			return nil, errors.New("channels: error sentinel carried no error")
		case models.ValueKindClose:
			return nil, ErrClosed
		default:
			continue
		}
	}
}

// Collect drains every value off the stream until it closes, for callers
// (tests, non-streaming integrations) that want the full reply at once
// rather than as it arrives. It returns the dispatch's wire error, if any,
// alongside whatever values arrived before it.
func (s *Stream) Collect(ctx context.Context) ([]*models.WorkspaceStream, error) {
	var values []*models.WorkspaceStream
	for {
		v, err := s.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return values, nil
			}
			return values, err
		}
		values = append(values, v)
	}
}
