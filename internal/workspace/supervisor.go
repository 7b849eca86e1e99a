package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/nextloop/wsagent/internal/kv"
	"github.com/nextloop/wsagent/pkg/models"
)

// Supervisor is the cluster-wide leader for one workspace in this replica:
// it holds the workspace's KV lock, refreshing it on a schedule, and drains
// the workspace's request queue single-threadedly, handing each request
// off to a background dispatcher.
type Supervisor struct {
	registry  *Registry
	workspace string
	lock      kv.Lock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSupervisor(r *Registry, workspace string, lock kv.Lock) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{registry: r, workspace: workspace, lock: lock, ctx: ctx, cancel: cancel}

	go func() {
		select {
		case <-r.stopping:
			cancel()
		case <-ctx.Done():
		}
	}()

	return s
}

func (s *Supervisor) run() {
	defer s.shutdown()

	lastRefresh := time.Now()
	for {
		if s.ctx.Err() != nil {
			return
		}

		if time.Since(lastRefresh) >= lockRefreshEvery {
			if err := s.lock.Refresh(s.ctx); err != nil {
				s.registry.logger.Error("workspace: lock refresh failed, stepping down", "workspace", s.workspace, "error", err)
				return
			}
			lastRefresh = time.Now()
		}

		var envelope models.RequestEnvelope
		ok, err := s.registry.store.BRPop(s.ctx, requestKey(s.workspace), pollTimeout, &envelope)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.registry.logger.Error("workspace: request poll failed", "workspace", s.workspace, "error", err)
			continue
		}
		if !ok {
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(s.ctx, envelope)
		}()
	}
}

// shutdown sends SIGTERM to every process this workspace owns, waits for
// their poller goroutines to observe a terminal result, then releases the
// lock so another replica can take over.
func (s *Supervisor) shutdown() {
	s.registry.logger.Warn("workspace: shutting down supervisor", "workspace", s.workspace)

	releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.registry.mgr.SigtermWorkspace(releaseCtx, s.workspace)
	s.wg.Wait()

	if err := s.lock.Release(releaseCtx); err != nil {
		s.registry.logger.Error("workspace: lock release failed", "workspace", s.workspace, "error", err)
	}
	s.registry.release(s.workspace)
}
