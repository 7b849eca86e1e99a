package process

import (
	"context"
	"time"

	"github.com/nextloop/wsagent/pkg/models"
)

// Listener is a per-subscription pair of edge-triggered progress and
// level-triggered result signals against one Process. hasResult needs no
// field of its own: it is read straight off the process's status, since
// once set it stays set for every listener, including ones subscribed
// after the fact.
type Listener struct {
	p *Process

	gotProgress bool
	closed      bool
}

// Close stops this listener from being tracked by its process. Safe to
// call more than once.
func (l *Listener) Close() {
	l.p.mu.Lock()
	delete(l.p.listeners, l)
	l.p.mu.Unlock()
}

// WaitProgress blocks until a progress edge fires, timeout elapses, or the
// process finishes (own edge already consumed), returning true only for
// the progress case. It raises Stopped{timeout} if the manager-wide
// stopping signal fires while waiting, matching the listener contract: a
// shutdown in progress must not let a waiter block forever.
func (l *Listener) WaitProgress(ctx context.Context, timeout time.Duration) (bool, error) {
	p := l.p
	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.waitLocked(ctx, deadline, func() bool {
		return l.gotProgress || l.closed || p.status.Result != nil
	})

	if isStopping(p.mgr.stopping) {
		return false, &models.StoppedError{Reason: models.StopReasonTimeout}
	}
	if l.gotProgress {
		l.gotProgress = false
		return true, nil
	}
	return false, nil
}

// WaitResult blocks until the process's result is set, never timing out on
// its own — only ctx cancellation or the manager-wide stopping signal
// unblocks it early, in which case it raises Stopped{timeout}.
func (l *Listener) WaitResult(ctx context.Context) (*models.ProcessResult, error) {
	p := l.p

	p.mu.Lock()
	defer p.mu.Unlock()

	p.waitLocked(ctx, time.Time{}, func() bool {
		return p.status.Result != nil || l.closed
	})

	if p.status.Result != nil {
		result := *p.status.Result
		return &result, nil
	}
	return nil, &models.StoppedError{Reason: models.StopReasonTimeout}
}

func isStopping(stopping <-chan struct{}) bool {
	select {
	case <-stopping:
		return true
	default:
		return false
	}
}

// waitLocked blocks on p.cond until ready() is true, ctx is done, the
// manager-wide stopping signal fires, or (when deadline is non-zero) the
// deadline passes. Must be called with p.mu held; re-acquires it before
// returning. One helper goroutine bridges the unblock sources that
// sync.Cond itself can't observe (ctx, the stopping channel, a timer) into
// a Broadcast, mirroring the cancellation bridge used by the semaphore's
// slow-path Acquire.
func (p *Process) waitLocked(ctx context.Context, deadline time.Time, ready func() bool) {
	if ready() {
		return
	}

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		var timerC <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
		case <-p.mgr.stopping:
		case <-timerC:
		case <-stop:
			return
		}

		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	for !ready() {
		if ctx.Err() != nil {
			return
		}
		if isStopping(p.mgr.stopping) {
			return
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return
		}
		p.cond.Wait()
	}
}
