// Package process implements C4: the durable execution unit whose status,
// progress and result survive in the KV store, with in-process listeners
// for edge-triggered progress and level-triggered result, and a
// heartbeat-driven sweep that expires processes whose owner died without
// reporting a final result.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextloop/wsagent/internal/infra"
	"github.com/nextloop/wsagent/internal/kv"
	"github.com/nextloop/wsagent/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// StatusTTL is the KV lifetime of a process's status record.
	StatusTTL = 30 * 24 * time.Hour
	// ExecutorTTL is the KV lifetime of a process's executor definition,
	// shorter than the status since it is only needed to restart a poller.
	ExecutorTTL = 7 * 24 * time.Hour
	// ActiveSetTTL is refreshed alongside status; the set is only ever as
	// useful as the statuses it references.
	ActiveSetTTL = 30 * 24 * time.Hour
	// ExpirationWindow is how long a resultless process can go without an
	// update before the heartbeat sweep marks it expired.
	ExpirationWindow = 10 * time.Minute
)

func statusKey(uri models.ProcessURI) string   { return "process:status:" + string(uri) }
func executorKey(uri models.ProcessURI) string { return "process:executor:" + string(uri) }

// activeSetKey is not part of the distilled KV table; it names the Redis
// SET the original implementation swept for stale entries (see
// ProcessStatus docstring in the source this was distilled from). Each
// workspace owns one set of process URIs considered "active" (spawned, no
// result yet) so the heartbeat sweep can scan per-workspace instead of
// walking every status key in the store.
func activeSetKey(workspace string) string { return "process:active:" + workspace }

// OnSpawn runs the actual work of a process. It is invoked in its own
// goroutine with a context cancelled when the process is sigtermed, and
// must drive p toward a terminal result via SendUpdate. If it returns
// without ever setting a result, Spawn records a failure so the status
// never lingers unresolved once onSpawn has finished running.
type OnSpawn func(ctx context.Context, p *Process)

// Manager owns the in-memory Process handles active in this replica and
// persists their durable state through a kv.Store.
type Manager struct {
	store    kv.Store
	logger   *slog.Logger
	stopping <-chan struct{}

	// concurrency bounds how many onSpawn executions this replica runs at
	// once; nil means unbounded. A process already past Spawn (persisted,
	// in the active set) waits here before its OnSpawn body actually
	// starts, so a flood of requests queues up in memory rather than
	// starting thousands of goroutines that all immediately contend for
	// the same downstream tool or model API.
	concurrency *infra.Semaphore

	mu     sync.Mutex
	active map[models.ProcessURI]*Process
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithConcurrencyLimit bounds the number of OnSpawn bodies this Manager
// runs at once. Requests beyond the limit queue in Spawn's background
// goroutine until a slot frees up.
func WithConcurrencyLimit(max int64) ManagerOption {
	return func(m *Manager) {
		m.concurrency = infra.NewSemaphore(max)
	}
}

// NewManager constructs a Manager. stopping is the process-wide shutdown
// signal: every listener wait threaded through a Process started by this
// Manager observes it.
func NewManager(store kv.Store, stopping <-chan struct{}, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    store,
		logger:   logger,
		stopping: stopping,
		active:   make(map[models.ProcessURI]*Process),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lookup returns the in-memory handle for an active process in this
// replica, if any. A process spawned by another replica is not visible
// here even though its status is: callers that need cross-replica updates
// go through process/update on the owning workspace's request queue.
func (m *Manager) Lookup(uri models.ProcessURI) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[uri]
	return p, ok
}

// Spawn performs the atomic (from the caller's point of view) spawn
// sequence: reject a duplicate URI, validate arguments against schema when
// supplied, persist the executor and initial status, add the URI to the
// workspace's active set, then start onSpawn in the background. The
// returned Process is already registered and its listeners may be attached
// before onSpawn's first update lands.
func (m *Manager) Spawn(ctx context.Context, workspace string, uri models.ProcessURI, name string, arguments json.RawMessage, schema json.RawMessage, onSpawn OnSpawn) (*Process, error) {
	exists, err := m.store.Exists(ctx, statusKey(uri))
	if err != nil {
		return nil, fmt.Errorf("process: check existing status: %w", err)
	}
	if exists {
		return nil, &models.BadProcessError{Subkind: models.BadProcessDuplicate, URI: uri}
	}

	if len(schema) > 0 {
		if err := validateArguments(name, schema, arguments); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	status := &models.ProcessStatus{
		URI:       uri,
		Name:      name,
		Arguments: arguments,
		CreatedAt: now,
		UpdatedAt: now,
	}
	executor := &models.ProcessExecutor{URI: uri, Name: name, Schema: schema}

	if err := m.store.SetOne(ctx, executorKey(uri), executor, ExecutorTTL); err != nil {
		return nil, fmt.Errorf("process: persist executor: %w", err)
	}
	if err := m.store.SetOne(ctx, statusKey(uri), status, StatusTTL); err != nil {
		return nil, fmt.Errorf("process: persist status: %w", err)
	}
	if err := m.store.SAdd(ctx, activeSetKey(workspace), string(uri)); err != nil {
		m.logger.Warn("process: failed to record active set membership", "uri", uri, "error", err)
	} else if _, err := m.store.Expire(ctx, activeSetKey(workspace), ActiveSetTTL); err != nil {
		m.logger.Warn("process: failed to refresh active set ttl", "workspace", workspace, "error", err)
	}

	p := newProcess(m, workspace, status)
	m.mu.Lock()
	m.active[uri] = p
	m.mu.Unlock()

	go m.run(uri, workspace, p, onSpawn)

	return p, nil
}

func (m *Manager) run(uri models.ProcessURI, workspace string, p *Process, onSpawn OnSpawn) {
	ctx := p.context()
	defer m.release(uri, workspace)

	if m.concurrency != nil {
		if err := m.concurrency.Acquire(ctx, 1); err != nil {
			if err := p.SendUpdate(context.Background(), nil, models.Failure("process: cancelled waiting for a free execution slot", 503)); err != nil {
				m.logger.Error("process: failed to record queue-cancellation result", "uri", uri, "error", err)
			}
			return
		}
		defer m.concurrency.Release(1)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("process: onSpawn panicked", "uri", uri, "panic", r)
				if err := p.SendUpdate(context.Background(), nil, models.Failure(fmt.Sprintf("panic: %v", r), 500)); err != nil {
					m.logger.Error("process: failed to record panic result", "uri", uri, "error", err)
				}
			}
		}()
		onSpawn(ctx, p)
	}()

	if p.Status().Result == nil {
		if err := p.SendUpdate(context.Background(), nil, models.Failure("process finished without a result", 500)); err != nil {
			m.logger.Error("process: failed to record missing-result failure", "uri", uri, "error", err)
		}
	}
}

func (m *Manager) release(uri models.ProcessURI, workspace string) {
	m.mu.Lock()
	p := m.active[uri]
	delete(m.active, uri)
	m.mu.Unlock()

	if p != nil {
		p.closeListeners()
	}

	ctx := context.Background()
	if err := m.store.SRem(ctx, activeSetKey(workspace), string(uri)); err != nil {
		m.logger.Warn("process: failed to remove from active set", "uri", uri, "error", err)
	}
}

// Sigterm delivers onSigterm to every locally active process across every
// workspace: by default this assigns Stopped{stopped} and returns. Callers
// awaiting gather() semantics should call this for every process then
// WaitResult each. Used for whole-replica shutdown.
func (m *Manager) Sigterm(ctx context.Context) {
	m.sigtermMatching(ctx, func(*Process) bool { return true })
}

// SigtermWorkspace delivers onSigterm only to processes active in the
// given workspace, mirroring the workspace supervisor sending SIGTERM to
// "every active process in its context" rather than every process this
// replica happens to be running across all workspaces.
func (m *Manager) SigtermWorkspace(ctx context.Context, workspace string) {
	m.sigtermMatching(ctx, func(p *Process) bool { return p.workspace == workspace })
}

func (m *Manager) sigtermMatching(ctx context.Context, match func(*Process) bool) {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.active))
	for _, p := range m.active {
		if match(p) {
			procs = append(procs, p)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.sigterm(ctx)
		}(p)
	}
	wg.Wait()
}

// Sigkill delivers Stopped{stopped} to the named process if it is active in
// this replica. It is a no-op (not an error) if the process isn't local —
// the caller is expected to have routed process/sigkill to the workspace
// that actually owns it.
func (m *Manager) Sigkill(ctx context.Context, uri models.ProcessURI) {
	p, ok := m.Lookup(uri)
	if !ok {
		return
	}
	// A process that has already produced a result loses this race
	// silently: sigkill on a finished process is a no-op, not an error.
	_ = p.SendUpdate(ctx, nil, models.Stopped(models.StopReasonStopped))
}

func validateArguments(name string, schema json.RawMessage, arguments json.RawMessage) error {
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("process: compile schema for %s: %w", name, err)
	}

	var decoded any
	if len(arguments) == 0 {
		arguments = json.RawMessage("null")
	}
	if err := json.Unmarshal(arguments, &decoded); err != nil {
		return &models.BadToolError{Subkind: models.BadToolBadArguments, Tool: name, Cause: err}
	}
	if err := compiled.Validate(decoded); err != nil {
		return &models.BadToolError{Subkind: models.BadToolBadArguments, Tool: name, Cause: err}
	}
	return nil
}
