package process

import (
	"context"
	"testing"
	"time"

	"github.com/nextloop/wsagent/pkg/models"
)

func TestListenerWaitProgressFiresOnEdge(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	uri := models.ProcessURI("ndp://internal/w1/listenerprogresslisten")

	hold := make(chan struct{})
	defer close(hold)
	p, err := mgr.Spawn(ctx, "w1", uri, "job", nil, nil, func(context.Context, *Process) { <-hold })
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	l := p.Subscribe()
	defer l.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.SendUpdate(ctx, []byte(`{"pct":1}`), nil)
	}()

	fired, err := l.WaitProgress(ctx, time.Second)
	if err != nil {
		t.Fatalf("WaitProgress: %v", err)
	}
	if !fired {
		t.Fatalf("expected progress to fire")
	}
}

func TestListenerWaitProgressTimesOut(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	uri := models.ProcessURI("ndp://internal/w1/listenertimeoutlistene")

	hold := make(chan struct{})
	defer close(hold)
	p, err := mgr.Spawn(ctx, "w1", uri, "job", nil, nil, func(context.Context, *Process) { <-hold })
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	l := p.Subscribe()
	defer l.Close()

	fired, err := l.WaitProgress(ctx, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitProgress: %v", err)
	}
	if fired {
		t.Fatalf("expected no progress within the timeout")
	}
}

func TestListenerWaitProgressRaisesOnStopping(t *testing.T) {
	mgr, stopping := testManager(t)
	ctx := context.Background()
	uri := models.ProcessURI("ndp://internal/w1/listenerstoppinglisten")

	hold := make(chan struct{})
	defer close(hold)
	p, err := mgr.Spawn(ctx, "w1", uri, "job", nil, nil, func(ctx context.Context, _ *Process) {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	l := p.Subscribe()
	defer l.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(stopping)
	}()

	_, err = l.WaitProgress(ctx, time.Minute)
	var stopped *models.StoppedError
	if !asStoppedError(err, &stopped) || stopped.Reason != models.StopReasonTimeout {
		t.Fatalf("expected StoppedError{timeout}, got %v", err)
	}
}

func asStoppedError(err error, target **models.StoppedError) bool {
	se, ok := err.(*models.StoppedError)
	if !ok {
		return false
	}
	*target = se
	return true
}

func TestListenerWaitResultBlocksUntilTerminal(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	uri := models.ProcessURI("ndp://internal/w1/listenerresultlistener")

	p, err := mgr.Spawn(ctx, "w1", uri, "job", nil, nil, func(ctx context.Context, p *Process) {
		time.Sleep(20 * time.Millisecond)
		_ = p.SendUpdate(ctx, nil, models.Success("done"))
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	l := p.Subscribe()
	defer l.Close()

	result, err := l.WaitResult(ctx)
	if err != nil {
		t.Fatalf("WaitResult: %v", err)
	}
	if result.Kind != models.ResultSuccess || result.Content != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestListenerWaitResultSeenImmediatelyIfAlreadySet(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	uri := models.ProcessURI("ndp://internal/w1/listenerlatelistenerla")

	done := make(chan struct{})
	p, err := mgr.Spawn(ctx, "w1", uri, "job", nil, nil, func(ctx context.Context, p *Process) {
		_ = p.SendUpdate(ctx, nil, models.Success("already done"))
		close(done)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-done

	l := p.Subscribe()
	defer l.Close()

	result, err := l.WaitResult(ctx)
	if err != nil {
		t.Fatalf("WaitResult: %v", err)
	}
	if result.Content != "already done" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
