package workspace

import (
	"context"
	"time"

	"github.com/nextloop/wsagent/internal/ids"
	"github.com/nextloop/wsagent/internal/process"
	"github.com/nextloop/wsagent/pkg/models"
)

// defaultChatbotRecvTimeout bounds how long the chatbot poller waits for a
// flush event before re-checking for a terminal result, when the request
// didn't supply its own hint.
const defaultChatbotRecvTimeout = 30 * time.Second

// progressPollTimeout bounds each WaitProgress call in the process/spawn
// poller, so a workspace shutdown (observed via ctx) is noticed promptly
// even between progress edges.
const progressPollTimeout = 30 * time.Second

// dispatch routes one request to its handler by kind. Every branch ends by
// pushing exactly one close sentinel, directly or via a poller goroutine it
// starts before returning.
func (s *Supervisor) dispatch(ctx context.Context, env models.RequestEnvelope) {
	switch env.Request.Kind {
	case models.RequestChatbotSpawn:
		s.dispatchChatbotSpawn(ctx, env.ChannelID, env.Request)
	case models.RequestProcessSpawn:
		s.dispatchProcessSpawn(ctx, env.ChannelID, env.Request)
	case models.RequestProcessSigkill:
		s.dispatchProcessSigkill(ctx, env.ChannelID, env.Request)
	case models.RequestProcessUpdate:
		s.dispatchProcessUpdate(ctx, env.ChannelID, env.Request)
	default:
		s.finishError(ctx, env.ChannelID, &models.Error{
			Code:    400,
			Message: "unexpected request kind: " + string(env.Request.Kind),
			Kind:    models.ErrorKindNormal,
		})
	}
}

func (s *Supervisor) dispatchChatbotSpawn(ctx context.Context, channelID string, req models.WorkspaceRequest) {
	if s.registry.chatbots == nil {
		s.finishError(ctx, channelID, &models.Error{Code: 501, Message: "chatbot spawning is not configured", Kind: models.ErrorKindRuntime})
		return
	}

	uri := models.ProcessURI(ids.RootURI(s.workspace, ids.NewProcessID(time.Now())))
	p, reply, err := s.registry.chatbots.Spawn(ctx, s.workspace, uri, req)
	if err != nil {
		s.finishError(ctx, channelID, toWireError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollChatbotReply(ctx, channelID, p, reply, req.RecvTimeoutHintS)
	}()
}

func (s *Supervisor) pollChatbotReply(ctx context.Context, channelID string, p *process.Process, reply ClientReply, recvTimeoutHintS int) {
	defer s.finishClose(ctx, channelID)

	timeout := time.Duration(recvTimeoutHintS) * time.Second
	if timeout <= 0 {
		timeout = defaultChatbotRecvTimeout
	}

	for p.Status().Result == nil {
		select {
		case <-ctx.Done():
			return
		case <-reply.Flushed():
		case <-time.After(timeout):
		}
		if p.Status().Result != nil {
			break
		}
		s.pushValue(ctx, channelID, models.WorkspaceStream{
			Kind:    models.StreamReply,
			Status:  models.ReplyProvisional,
			Summary: reply.Summary(),
			Parts:   reply.Reply(),
			Actions: reply.PullActions(),
		})
	}

	if result := p.Status().Result; result != nil && result.Kind == models.ResultFailure {
		s.finishError(ctx, channelID, &models.Error{Code: result.FailureCode, Message: result.FailureError, Kind: models.ErrorKindRuntime})
		return
	}

	s.pushValue(ctx, channelID, models.WorkspaceStream{
		Kind:    models.StreamReply,
		Status:  models.ReplyDone,
		Parts:   reply.Reply(),
		Actions: reply.PullActions(),
	})
}

func (s *Supervisor) dispatchProcessSpawn(ctx context.Context, channelID string, req models.WorkspaceRequest) {
	tool, exec, ok := s.registry.tools.LookupTool(req.ToolName)
	if !ok {
		s.finishError(ctx, channelID, (&models.BadToolError{Subkind: models.BadToolNotFound, Tool: req.ToolName}).ToWireError())
		return
	}

	uri := models.ProcessURI(ids.RootURI(s.workspace, ids.NewProcessID(time.Now())))
	p, err := s.registry.mgr.Spawn(ctx, s.workspace, uri, req.ToolName, req.Args, tool.Schema, func(ctx context.Context, p *process.Process) {
		exec(ctx, p, req.Args)
	})
	if err != nil {
		s.finishError(ctx, channelID, toWireError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollProcessProgress(ctx, channelID, p)
	}()
}

func (s *Supervisor) pollProcessProgress(ctx context.Context, channelID string, p *process.Process) {
	l := p.Subscribe()
	defer l.Close()
	defer s.finishClose(ctx, channelID)

	for {
		status := p.Status()
		if status.Result != nil {
			s.pushValue(ctx, channelID, progressStream(status))
			return
		}

		fired, err := l.WaitProgress(ctx, progressPollTimeout)
		if err != nil {
			s.finishError(ctx, channelID, toWireError(err))
			return
		}
		if !fired {
			continue
		}

		status = p.Status()
		s.pushValue(ctx, channelID, progressStream(status))
		if status.Result != nil {
			return
		}
	}
}

func progressStream(status *models.ProcessStatus) models.WorkspaceStream {
	var progress []byte
	if n := len(status.Progress); n > 0 {
		progress = status.Progress[n-1].Progress
	}
	return models.WorkspaceStream{Kind: models.StreamProgress, Progress: progress, Result: status.Result}
}

func (s *Supervisor) dispatchProcessSigkill(ctx context.Context, channelID string, req models.WorkspaceRequest) {
	s.registry.mgr.Sigkill(ctx, req.URI)
	s.finishClose(ctx, channelID)
}

func (s *Supervisor) dispatchProcessUpdate(ctx context.Context, channelID string, req models.WorkspaceRequest) {
	p, ok := s.registry.mgr.Lookup(req.URI)
	if !ok {
		s.finishError(ctx, channelID, (&models.BadProcessError{Subkind: models.BadProcessNotFound, URI: req.URI}).ToWireError())
		return
	}

	if err := p.SendUpdate(ctx, req.Progress, req.Result); err != nil {
		s.finishError(ctx, channelID, toWireError(err))
		return
	}

	for _, action := range req.Actions {
		if err := s.registry.store.LPush(ctx, actionKey(s.workspace, action.ServiceID), &action, requestTTL); err != nil {
			s.registry.logger.Error("workspace: failed to forward action", "workspace", s.workspace, "service", action.ServiceID, "error", err)
		}
	}

	s.finishClose(ctx, channelID)
}
