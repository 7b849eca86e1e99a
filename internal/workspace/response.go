package workspace

import (
	"context"

	"github.com/nextloop/wsagent/pkg/models"
)

// pushValue wraps a WorkspaceStream and pushes it onto the given channel's
// response queue. Responses are LPushed so that a BRPop consumer (the
// request originator, per distilled §4.7) drains them in the order they
// were produced.
func (s *Supervisor) pushValue(ctx context.Context, channelID string, v models.WorkspaceStream) {
	env := &models.StreamValue{Kind: models.ValueKindValue, Value: &v}
	if err := s.registry.store.LPush(ctx, responseKey(s.workspace, channelID), env, responseTTL); err != nil {
		s.registry.logger.Error("workspace: failed to push response value", "workspace", s.workspace, "channel", channelID, "error", err)
	}
}

// finishError pushes an error sentinel followed by the close sentinel,
// the terminal sequence every dispatch ends on when it fails.
func (s *Supervisor) finishError(ctx context.Context, channelID string, wireErr *models.Error) {
	env := &models.StreamValue{Kind: models.ValueKindError, Error: wireErr}
	if err := s.registry.store.LPush(ctx, responseKey(s.workspace, channelID), env, responseTTL); err != nil {
		s.registry.logger.Error("workspace: failed to push response error", "workspace", s.workspace, "channel", channelID, "error", err)
	}
	s.finishClose(ctx, channelID)
}

// finishClose pushes the close sentinel that ends a response stream. Every
// dispatch finishes with exactly one of these, even on error.
func (s *Supervisor) finishClose(ctx context.Context, channelID string) {
	env := &models.StreamValue{Kind: models.ValueKindClose}
	if err := s.registry.store.LPush(ctx, responseKey(s.workspace, channelID), env, responseTTL); err != nil {
		s.registry.logger.Error("workspace: failed to push response close", "workspace", s.workspace, "channel", channelID, "error", err)
	}
}

// toWireError converts any error this package raises into the wire
// envelope, falling back to a generic runtime error for anything that
// doesn't carry its own conversion.
func toWireError(err error) *models.Error {
	switch e := err.(type) {
	case *models.BadToolError:
		return e.ToWireError()
	case *models.BadProcessError:
		return e.ToWireError()
	case *models.LlmError:
		return e.ToWireError()
	case *models.StoppedError:
		return e.ToWireError()
	case *models.Error:
		return e
	default:
		return &models.Error{Code: 500, Message: err.Error(), Kind: models.ErrorKindRuntime}
	}
}
