package runner

import (
	"context"
	"sync"

	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
	"github.com/cawdev/caw/internal/vcs"
)

// Registry owns the process-lifetime set of pools, one per workflow.
// Pools are created on demand and removed when their run loop exits.
type Registry struct {
	store   *store.Store
	clock   ids.Clock
	spawner AgentSpawner
	vcs     vcs.VCS
	hook    PostCompletionHook
	cfg     PoolConfig

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewRegistry creates an empty pool registry.
func NewRegistry(s *store.Store, clock ids.Clock, spawner AgentSpawner, v vcs.VCS, hook PostCompletionHook, cfg PoolConfig) *Registry {
	return &Registry{
		store:   s,
		clock:   clock,
		spawner: spawner,
		vcs:     v,
		hook:    hook,
		cfg:     cfg,
		pools:   make(map[string]*Pool),
	}
}

// Start launches a pool for the workflow if none is running and returns
// it. The pool's Run loop executes on its own goroutine until the
// workflow finishes or ctx is cancelled.
func (r *Registry) Start(ctx context.Context, workflowID string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[workflowID]; ok {
		return p
	}

	p := NewPool(workflowID, r.store, r.clock, r.spawner, r.vcs, r.hook, r.cfg)
	r.pools[workflowID] = p

	go func() {
		if err := p.Run(ctx); err != nil && err != context.Canceled {
			log.ErrorErr(log.CatPool, "pool exited with error", err, "workflow", workflowID)
		}
		r.mu.Lock()
		delete(r.pools, workflowID)
		r.mu.Unlock()
	}()
	return p
}

// Get returns the live pool for a workflow, or nil.
func (r *Registry) Get(workflowID string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools[workflowID]
}

// Resize adjusts a live pool's slot count. A workflow without a pool is
// a no-op; the limit is re-read from the workflow row on the next tick
// anyway.
func (r *Registry) Resize(workflowID string, maxParallel int) {
	if p := r.Get(workflowID); p != nil {
		p.SetMaxAgents(maxParallel)
	}
}

// Wake nudges a live pool's poll loop, typically on a database change.
func (r *Registry) Wake(workflowID string) {
	if p := r.Get(workflowID); p != nil {
		p.Wake()
	}
}

// WakeAll nudges every live pool.
func (r *Registry) WakeAll() {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()
	for _, p := range pools {
		p.Wake()
	}
}

// StopAll stops every live pool. Run loops drain their slots and exit.
func (r *Registry) StopAll() {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()
	for _, p := range pools {
		p.Stop()
	}
}
