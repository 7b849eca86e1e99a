package workspace

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextloop/wsagent/internal/kv"
	"github.com/nextloop/wsagent/internal/process"
)

// Registry tracks the workspace supervisors running in this replica,
// mirroring the teacher's module-level RUNNING_WORKSPACES map. At most one
// Supervisor per workspace runs in this replica; cluster-wide uniqueness
// is enforced by the KV lock, not by this map.
type Registry struct {
	store    kv.Store
	mgr      *process.Manager
	tools    ToolProvider
	chatbots ChatbotSpawner
	stopping <-chan struct{}
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*Supervisor
}

// NewRegistry builds a Registry. stopping is the process-wide shutdown
// signal; every running Supervisor is torn down when it fires.
func NewRegistry(store kv.Store, mgr *process.Manager, tools ToolProvider, chatbots ChatbotSpawner, stopping <-chan struct{}, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		mgr:      mgr,
		tools:    tools,
		chatbots: chatbots,
		stopping: stopping,
		logger:   logger,
		running:  make(map[string]*Supervisor),
	}
}

// TryAcquire returns the already-running local Supervisor for workspace,
// or attempts to become its leader for this replica. It makes exactly one
// lock-acquisition attempt: per distilled design, a non-leader caller
// simply fails and returns nil; the next request that lands for this
// workspace (on this or another replica) tries again.
func (r *Registry) TryAcquire(ctx context.Context, workspace string) (*Supervisor, error) {
	r.mu.Lock()
	if s, ok := r.running[workspace]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	lock, err := r.store.AcquireLock(ctx, lockKey(workspace), lockTTL)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		r.logger.Warn("workspace: failed to acquire lock", "workspace", workspace)
		return nil, nil
	}

	s := newSupervisor(r, workspace, lock)

	r.mu.Lock()
	r.running[workspace] = s
	r.mu.Unlock()

	r.logger.Info("workspace: starting supervisor", "workspace", workspace)
	go s.run()

	return s, nil
}

// Workspaces returns the ids this replica currently supervises, for wiring
// into process.Sweeper's heartbeat scan.
func (r *Registry) Workspaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for w := range r.running {
		ids = append(ids, w)
	}
	return ids
}

func (r *Registry) release(workspace string) {
	r.mu.Lock()
	delete(r.running, workspace)
	r.mu.Unlock()
}
