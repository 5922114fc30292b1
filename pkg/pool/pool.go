package pool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = fmt.Errorf("pool is closed")

// Factory creates a new pooled resource.
type Factory[T any] func(ctx context.Context) (T, error)

// Validator decides whether an idle resource may be handed out again.
// Invalid resources are destroyed and replaced.
type Validator[T any] func(T) bool

// Destructor releases a resource's underlying state.
type Destructor[T any] func(T)

// Config tunes a Pool.
type Config[T any] struct {
	// MaxSize bounds live resources, idle plus acquired.
	MaxSize int

	// IdleTimeout destroys resources unused for this long. Zero disables
	// the janitor.
	IdleTimeout time.Duration

	Factory   Factory[T]
	Validator Validator[T]
	Destroy   Destructor[T]
}

type entry[T any] struct {
	resource T
	lastUsed time.Time
}

// Pool is a bounded resource pool. Acquire blocks when all slots are live
// and nothing is idle; waiters are served in select order.
type Pool[T any] struct {
	cfg   Config[T]
	slots chan struct{}
	idle  chan entry[T]

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool. Factory is required; Validator and Destroy may be nil.
func New[T any](cfg Config[T]) (*Pool[T], error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("pool factory is required")
	}
	if cfg.MaxSize < 1 {
		return nil, fmt.Errorf("pool max size must be >= 1, got %d", cfg.MaxSize)
	}
	p := &Pool[T]{
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.MaxSize),
		idle:   make(chan entry[T], cfg.MaxSize),
		stopCh: make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.janitor()
	}
	return p, nil
}

// Acquire returns an idle resource or creates one if a slot is free,
// blocking otherwise until a resource is released or ctx ends.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}
		p.mu.Unlock()

		// Prefer idle resources over creating new ones.
		select {
		case e := <-p.idle:
			if p.valid(e.resource) {
				return e.resource, nil
			}
			p.Destroy(e.resource)
			continue
		default:
		}

		select {
		case e := <-p.idle:
			if p.valid(e.resource) {
				return e.resource, nil
			}
			p.Destroy(e.resource)
		case p.slots <- struct{}{}:
			res, err := p.cfg.Factory(ctx)
			if err != nil {
				<-p.slots
				return zero, fmt.Errorf("failed to create pooled resource: %w", err)
			}
			return res, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Release returns a resource to the idle set.
func (p *Pool[T]) Release(resource T) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || !p.valid(resource) {
		p.Destroy(resource)
		return
	}
	select {
	case p.idle <- entry[T]{resource: resource, lastUsed: time.Now()}:
	default:
		// Idle set full; only possible after Close drained the slots.
		p.Destroy(resource)
	}
}

// Destroy discards a resource and frees its slot for a replacement.
func (p *Pool[T]) Destroy(resource T) {
	if p.cfg.Destroy != nil {
		p.cfg.Destroy(resource)
	}
	select {
	case <-p.slots:
	default:
	}
}

// Live reports resources currently alive, idle plus acquired.
func (p *Pool[T]) Live() int {
	return len(p.slots)
}

// Idle reports resources waiting in the pool.
func (p *Pool[T]) Idle() int {
	return len(p.idle)
}

// Close destroys all idle resources and fails future Acquires. Acquired
// resources are destroyed as they are released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for {
		select {
		case e := <-p.idle:
			p.Destroy(e.resource)
		default:
			return
		}
	}
}

func (p *Pool[T]) valid(resource T) bool {
	return p.cfg.Validator == nil || p.cfg.Validator(resource)
}

// janitor destroys resources idle past the timeout.
func (p *Pool[T]) janitor() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool[T]) sweep() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for i := len(p.idle); i > 0; i-- {
		select {
		case e := <-p.idle:
			if e.lastUsed.Before(cutoff) {
				p.Destroy(e.resource)
				continue
			}
			select {
			case p.idle <- e:
			default:
				p.Destroy(e.resource)
			}
		default:
			return
		}
	}
}
