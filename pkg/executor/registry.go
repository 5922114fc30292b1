package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/log"
)

// Registry maps executor names to implementations. Registration is
// explicit; workflow definitions reference executors by name only, and an
// unknown name is fatal for the node that uses it, never retried.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under its own name. Re-registering a name is an
// error; replacing an executor at runtime is not supported.
func (r *Registry) Register(e Executor) error {
	if e == nil || e.Name() == "" {
		return fmt.Errorf("executor must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Name()]; exists {
		return fmt.Errorf("executor %q already registered", e.Name())
	}
	r.executors[e.Name()] = e
	return nil
}

// RegisterDomain registers a namespaced group in one call; each executor is
// stored as "<domain>.<name>".
func (r *Registry) RegisterDomain(domain string, executors map[string]Executor) error {
	for name, e := range executors {
		if err := r.Register(&namespaced{name: domain + "." + name, inner: e}); err != nil {
			return err
		}
	}
	return nil
}

type namespaced struct {
	name  string
	inner Executor
}

func (n *namespaced) Name() string { return n.name }

func (n *namespaced) Execute(ctx context.Context, ec *Context) (*Result, error) {
	return n.inner.Execute(ctx, ec)
}

// Get resolves a name. The bool reports whether it is registered.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Has reports whether a name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate runs an executor's config check if it implements Validator.
func (r *Registry) Validate(name string, config []byte) error {
	e, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("executor %q not registered", name)
	}
	if v, ok := e.(Validator); ok {
		return v.Validate(config)
	}
	return nil
}

// HealthCheck probes every executor that implements HealthChecker and
// returns the unhealthy ones.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	checkers := make(map[string]HealthChecker)
	for name, e := range r.executors {
		if hc, ok := e.(HealthChecker); ok {
			checkers[name] = hc
		}
	}
	r.mu.RUnlock()

	unhealthy := make(map[string]error)
	for name, hc := range checkers {
		if err := hc.HealthCheck(ctx); err != nil {
			log.WithComponent("executor-registry").Warn().Err(err).Str("executor", name).Msg("executor health check failed")
			unhealthy[name] = err
		}
	}
	return unhealthy
}

// Cleanup runs lifecycle cleanup on every executor that has one.
func (r *Registry) Cleanup() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, e := range r.executors {
		if lc, ok := e.(Lifecycle); ok {
			if err := lc.Cleanup(); err != nil {
				log.WithComponent("executor-registry").Warn().Err(err).Str("executor", name).Msg("executor cleanup failed")
			}
		}
	}
}
