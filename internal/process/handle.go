package process

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nextloop/wsagent/pkg/models"
)

// Process is the in-memory runtime handle for one process active in this
// replica. Its status is always read through Status, which returns a deep
// enough copy that callers never observe a torn write; SendUpdate is the
// only way to mutate it.
type Process struct {
	mgr       *Manager
	workspace string

	mu     sync.Mutex
	cond   *sync.Cond
	status *models.ProcessStatus

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	listeners map[*Listener]struct{}
}

func newProcess(mgr *Manager, workspace string, status *models.ProcessStatus) *Process {
	p := &Process{
		mgr:       mgr,
		workspace: workspace,
		status:    status,
		listeners: make(map[*Listener]struct{}),
		doneCh:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	ctx, cancel := context.WithCancel(context.Background())
	p.ctx, p.cancel = ctx, cancel

	go func() {
		select {
		case <-mgr.stopping:
			cancel()
		case <-p.doneCh:
		}
	}()

	return p
}

// context is the context threaded into onSpawn: cancelled on sigterm or on
// the manager-wide stopping signal, whichever comes first.
func (p *Process) context() context.Context {
	return p.ctx
}

// URI returns the process's identifier.
func (p *Process) URI() models.ProcessURI {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.URI
}

// Status returns a snapshot-copy of the current status, safe to read
// concurrently with in-flight updates.
func (p *Process) Status() *models.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.Clone()
}

// SendUpdate implements the update contract: it sets updatedAt, appends a
// progress entry when progress is non-nil, assigns result when non-nil, and
// notifies listeners only if the status actually changed. The updated
// status is persisted before listeners are woken, so a waiter that reads
// Status() immediately after WaitProgress/WaitResult observes it. A second
// call supplying a result after one is already set violates the "result is
// monotonic" invariant and is rejected with BadProcessError rather than
// applied.
func (p *Process) SendUpdate(ctx context.Context, progress json.RawMessage, result *models.ProcessResult) error {
	p.mu.Lock()
	if p.status.Result != nil {
		p.mu.Unlock()
		return &models.BadProcessError{Subkind: models.BadProcessUpdateAfterResult, URI: p.status.URI}
	}

	changed := false
	now := time.Now()

	if len(progress) > 0 {
		p.status.Progress = append(p.status.Progress, models.ProcessHistoryEntry{At: now, Progress: progress})
		changed = true
	}
	if result != nil {
		p.status.Result = result
		p.status.Progress = append(p.status.Progress, models.ProcessHistoryEntry{At: now, Result: result})
		changed = true
	}
	if changed {
		p.status.UpdatedAt = now
	}
	snapshot := p.status.Clone()
	gotProgress := len(progress) > 0
	gotResult := result != nil
	p.mu.Unlock()

	if changed {
		if err := p.mgr.store.SetOne(ctx, statusKey(snapshot.URI), snapshot, StatusTTL); err != nil {
			p.mgr.logger.Error("process: failed to persist status update", "uri", snapshot.URI, "error", err)
		}
	}

	if gotResult {
		p.cancel()
	}

	if changed {
		p.mu.Lock()
		for l := range p.listeners {
			if gotProgress {
				l.gotProgress = true
			}
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}

	return nil
}

// sigterm runs the default onSigterm behavior: assign Stopped{stopped} and
// return promptly. A process type that needs restart semantics instead of
// termination wraps Process and overrides this by never calling it in
// reaction to Manager.Sigterm, driving its own shutdown path instead.
func (p *Process) sigterm(ctx context.Context) {
	p.mu.Lock()
	alreadyDone := p.status.Result != nil
	p.mu.Unlock()
	if alreadyDone {
		return
	}
	// A result can race in between the check above and here (e.g. the
	// process finished naturally just as sigterm arrived); SendUpdate
	// rejecting that as update-after-result is the correct outcome and
	// not an error worth surfacing here.
	_ = p.SendUpdate(ctx, nil, models.Stopped(models.StopReasonStopped))
}

func (p *Process) closeListeners() {
	close(p.doneCh)
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for l := range p.listeners {
		l.closed = true
	}
	p.cond.Broadcast()
}

// Subscribe registers a new listener for this process's progress/result
// edges. Callers must Close it once done to stop it from being tracked.
func (p *Process) Subscribe() *Listener {
	l := &Listener{p: p}
	p.mu.Lock()
	p.listeners[l] = struct{}{}
	p.mu.Unlock()
	return l
}
