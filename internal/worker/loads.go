package worker

import (
	"context"
	"sync"
)

// LoadFuture resolves once the worker has acknowledged a function load.
type LoadFuture struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLoadFuture() *LoadFuture {
	return &LoadFuture{done: make(chan struct{})}
}

// Done is closed when the load has been acknowledged or failed.
func (f *LoadFuture) Done() <-chan struct{} { return f.done }

// Err returns the load error. It is nil until Done is closed.
func (f *LoadFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the load resolves or ctx ends.
func (f *LoadFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *LoadFuture) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// loadCache memoizes load futures by function id. The first caller for an id
// creates the future; everyone else shares it.
type loadCache struct {
	mu      sync.Mutex
	futures map[string]*LoadFuture
}

func newLoadCache() *loadCache {
	return &loadCache{futures: make(map[string]*LoadFuture)}
}

func (c *loadCache) getOrCreate(functionID string) (*LoadFuture, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.futures[functionID]; ok {
		return f, false
	}
	f := newLoadFuture()
	c.futures[functionID] = f
	return f, true
}

func (c *loadCache) get(functionID string) (*LoadFuture, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.futures[functionID]
	return f, ok
}

// failAll resolves every unresolved future with err.
func (c *loadCache) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.futures {
		f.resolve(err)
	}
}

// loaded returns the ids whose load succeeded.
func (c *loadCache) loaded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.futures))
	for id, f := range c.futures {
		select {
		case <-f.done:
			if f.err == nil {
				out = append(out, id)
			}
		default:
		}
	}
	return out
}
