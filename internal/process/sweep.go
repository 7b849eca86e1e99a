package process

import (
	"context"
	"fmt"
	"time"

	"github.com/nextloop/wsagent/pkg/models"
)

// Sweeper implements the ten-minute expiration check: a resultless process
// whose updatedAt has gone stale is assumed to have been killed out from
// under its owning replica (a crash, a lost lock) and is marked
// Stopped{timeout}. It scans each workspace's active-process set rather
// than every status key in the store, so the sweep's cost scales with
// in-flight work, not with total KV size.
type Sweeper struct {
	mgr        *Manager
	workspaces func() []string
}

// NewSweeper builds a Sweeper. workspaces returns the set of workspace ids
// worth scanning on each tick; the caller (the workspace supervisor layer)
// knows which workspaces this replica has ever touched.
func NewSweeper(mgr *Manager, workspaces func() []string) *Sweeper {
	return &Sweeper{mgr: mgr, workspaces: workspaces}
}

// Heartbeat matches infra.HeartbeatConfig.OnHeartbeat's signature, so a
// Sweeper wires directly into an infra.HeartbeatRunner.
func (s *Sweeper) Heartbeat(ctx context.Context) (string, bool) {
	expired := 0
	for _, workspace := range s.workspaces() {
		n, err := s.sweepWorkspace(ctx, workspace)
		if err != nil {
			s.mgr.logger.Error("process: sweep failed", "workspace", workspace, "error", err)
			continue
		}
		expired += n
	}
	return fmt.Sprintf("expired %d stale process(es)", expired), true
}

func (s *Sweeper) sweepWorkspace(ctx context.Context, workspace string) (int, error) {
	members, err := s.mgr.store.SMembers(ctx, activeSetKey(workspace))
	if err != nil {
		return 0, err
	}

	now := time.Now()
	expired := 0
	for _, member := range members {
		uri := models.ProcessURI(member)

		var status models.ProcessStatus
		ok, err := s.mgr.store.Get(ctx, statusKey(uri), &status)
		if err != nil {
			s.mgr.logger.Warn("process: sweep read failed", "uri", uri, "error", err)
			continue
		}
		if !ok || status.Result != nil {
			// Status already expired out of the KV store, or already
			// terminal: either way this URI no longer belongs in the
			// active set.
			if err := s.mgr.store.SRem(ctx, activeSetKey(workspace), member); err != nil {
				s.mgr.logger.Warn("process: failed to drop stale active-set member", "uri", uri, "error", err)
			}
			continue
		}
		if !status.Expired(now, ExpirationWindow) {
			continue
		}

		if p, ok := s.mgr.Lookup(uri); ok {
			if err := p.SendUpdate(ctx, nil, models.Stopped(models.StopReasonTimeout)); err != nil {
				s.mgr.logger.Warn("process: expiration update rejected", "uri", uri, "error", err)
			}
		} else {
			status.Result = models.Stopped(models.StopReasonTimeout)
			status.UpdatedAt = now
			status.Progress = append(status.Progress, models.ProcessHistoryEntry{At: now, Result: status.Result})
			if err := s.mgr.store.SetOne(ctx, statusKey(uri), &status, StatusTTL); err != nil {
				s.mgr.logger.Error("process: failed to persist expiration", "uri", uri, "error", err)
				continue
			}
		}

		if err := s.mgr.store.SRem(ctx, activeSetKey(workspace), member); err != nil {
			s.mgr.logger.Warn("process: failed to drop active-set member after expiry", "uri", uri, "error", err)
		}
		expired++
	}
	return expired, nil
}
