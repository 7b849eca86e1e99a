package process

import (
	"context"
	"testing"
	"time"

	"github.com/nextloop/wsagent/pkg/models"
)

func TestSweeperExpiresStaleLocalProcess(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	uri := models.ProcessURI("ndp://internal/w1/stalelocalstalelocalst")

	hold := make(chan struct{})
	defer close(hold)
	p, err := mgr.Spawn(ctx, "w1", uri, "job", nil, nil, func(ctx context.Context, _ *Process) { <-hold })
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	backdateStatus(t, mgr, uri)

	sweeper := NewSweeper(mgr, func() []string { return []string{"w1"} })
	if _, ok := sweeper.Heartbeat(ctx); !ok {
		t.Fatalf("expected heartbeat to report ok")
	}

	status := p.Status()
	if status.Result == nil || status.Result.Kind != models.ResultStopped || status.Result.StopReason != models.StopReasonTimeout {
		t.Fatalf("expected Stopped{timeout} on the local handle, got %+v", status.Result)
	}
}

func TestSweeperExpiresStaleRemoteProcess(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	uri := models.ProcessURI("ndp://internal/w1/staleremotestaleremote")

	// Simulate a process spawned by a now-dead replica: status + active-set
	// membership exist in the store, but there is no local Process handle.
	now := time.Now().Add(-time.Hour)
	status := &models.ProcessStatus{URI: uri, Name: "job", CreatedAt: now, UpdatedAt: now}
	if err := mgr.store.SetOne(ctx, statusKey(uri), status, StatusTTL); err != nil {
		t.Fatalf("SetOne status: %v", err)
	}
	if err := mgr.store.SAdd(ctx, activeSetKey("w1"), string(uri)); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	sweeper := NewSweeper(mgr, func() []string { return []string{"w1"} })
	if _, ok := sweeper.Heartbeat(ctx); !ok {
		t.Fatalf("expected heartbeat to report ok")
	}

	var persisted models.ProcessStatus
	ok, err := mgr.store.Get(ctx, statusKey(uri), &persisted)
	if err != nil || !ok {
		t.Fatalf("expected status to still exist, ok=%v err=%v", ok, err)
	}
	if persisted.Result == nil || persisted.Result.Kind != models.ResultStopped || persisted.Result.StopReason != models.StopReasonTimeout {
		t.Fatalf("expected persisted Stopped{timeout}, got %+v", persisted.Result)
	}

	members, err := mgr.store.SMembers(ctx, activeSetKey("w1"))
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	for _, m := range members {
		if m == string(uri) {
			t.Fatalf("expected expired uri to be removed from the active set")
		}
	}
}

func TestSweeperLeavesFreshProcessAlone(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	uri := models.ProcessURI("ndp://internal/w1/freshfreshfreshfreshfr")

	hold := make(chan struct{})
	defer close(hold)
	p, err := mgr.Spawn(ctx, "w1", uri, "job", nil, nil, func(ctx context.Context, _ *Process) { <-hold })
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	sweeper := NewSweeper(mgr, func() []string { return []string{"w1"} })
	sweeper.Heartbeat(ctx)

	if status := p.Status(); status.Result != nil {
		t.Fatalf("expected a freshly spawned process to survive a sweep, got %+v", status.Result)
	}
}

// backdateStatus rewrites the persisted status's updatedAt far enough in the
// past to be swept as expired, bypassing SendUpdate (which always stamps
// "now") the same way a real ten-minute-stale process would have one
// without any test-only hook in the production code path.
func backdateStatus(t *testing.T, mgr *Manager, uri models.ProcessURI) {
	t.Helper()
	var status models.ProcessStatus
	ok, err := mgr.store.Get(context.Background(), statusKey(uri), &status)
	if err != nil || !ok {
		t.Fatalf("expected existing status, ok=%v err=%v", ok, err)
	}
	status.UpdatedAt = time.Now().Add(-time.Hour)
	if err := mgr.store.SetOne(context.Background(), statusKey(uri), &status, StatusTTL); err != nil {
		t.Fatalf("SetOne: %v", err)
	}
}
