package sandbox

import (
	"context"
	"sync"
	"time"
)

// Pool keeps pre-instantiated instances of one module. Instances are never
// reused across requests: a released instance is closed and replaced by a
// fresh one in the background, so each request starts from clean memory.
// A pool of size 0 instantiates on demand.
type Pool struct {
	module *Module
	warm   chan *Instance

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool and fills it.
func NewPool(ctx context.Context, m *Module, size int) (*Pool, error) {
	if size < 0 {
		size = 0
	}
	p := &Pool{module: m, warm: make(chan *Instance, size)}
	for n := 0; n < size; n++ {
		inst, err := m.Instantiate(ctx)
		if err != nil {
			p.drain(ctx)
			return nil, err
		}
		p.warm <- inst
	}
	return p, nil
}

// Module returns the pooled module.
func (p *Pool) Module() *Module { return p.module }

// Get hands out a warm instance or instantiates a new one.
func (p *Pool) Get(ctx context.Context) (*Instance, error) {
	select {
	case inst := <-p.warm:
		return inst, nil
	default:
		return p.module.Instantiate(ctx)
	}
}

// Put retires an instance and schedules a replacement.
func (p *Pool) Put(inst *Instance) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = inst.Close(closeCtx)
	cancel()

	p.mu.Lock()
	if p.closed || cap(p.warm) == 0 {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fresh, err := p.module.Instantiate(ctx)
		if err != nil {
			p.module.logger.Warn("pool refill failed", "error", err)
			return
		}
		select {
		case p.warm <- fresh:
		default:
			_ = fresh.Close(ctx)
		}
	}()
}

// Close stops refills and releases warm instances. The module itself is
// closed by its owner.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	p.drain(ctx)
}

// Warm reports how many instances are ready.
func (p *Pool) Warm() int { return len(p.warm) }

func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case inst := <-p.warm:
			_ = inst.Close(ctx)
		default:
			return
		}
	}
}
