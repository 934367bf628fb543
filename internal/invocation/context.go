// Package invocation holds the per-call state handed to a worker channel and
// the completion handle the caller waits on.
package invocation

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/protocol"
)

// Context is one invocation request. Its completion is signaled exactly once.
type Context struct {
	ID       string
	Function *function.Descriptor
	Inputs   map[string]any
	Created  time.Time

	mu          sync.Mutex
	bindingData map[string]any
	result      any
	err         error
	finished    time.Time
	workerID    string

	once sync.Once
	done chan struct{}
}

// New creates a context for fn with a fresh invocation id.
func New(fn *function.Descriptor, inputs, bindingData map[string]any) *Context {
	if inputs == nil {
		inputs = map[string]any{}
	}
	bd := make(map[string]any, len(bindingData))
	maps.Copy(bd, bindingData)
	return &Context{
		ID:          uuid.NewString(),
		Function:    fn,
		Inputs:      inputs,
		Created:     time.Now(),
		bindingData: bd,
		done:        make(chan struct{}),
	}
}

// BindingData returns a copy of the current binding map.
func (c *Context) BindingData() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.bindingData))
	maps.Copy(out, c.bindingData)
	return out
}

// AssignWorker records the channel the invocation was sent to.
func (c *Context) AssignWorker(workerID string) {
	c.mu.Lock()
	c.workerID = workerID
	c.mu.Unlock()
}

// WorkerID returns the channel that served the invocation, if any.
func (c *Context) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID
}

// Complete signals success with value as the result.
// It reports false if the context had already been signaled.
func (c *Context) Complete(value any) bool {
	return c.signal(func() { c.result = value })
}

// CompleteWithOutputs merges named outputs into the binding map and signals success.
// The $return output, when present, becomes the result.
func (c *Context) CompleteWithOutputs(outputs map[string]any) bool {
	return c.signal(func() {
		for name, v := range outputs {
			if name == protocol.ReturnBinding {
				c.result = v
				continue
			}
			c.bindingData[name] = v
		}
	})
}

// Fail signals failure. It reports false if the context had already been signaled.
func (c *Context) Fail(err error) bool {
	if err == nil {
		err = errors.New("invocation failed")
	}
	return c.signal(func() { c.err = err })
}

func (c *Context) signal(apply func()) bool {
	won := false
	c.once.Do(func() {
		c.mu.Lock()
		apply()
		c.finished = time.Now()
		c.mu.Unlock()
		close(c.done)
		won = true
	})
	return won
}

// Done is closed once the invocation has completed or failed.
func (c *Context) Done() <-chan struct{} { return c.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Context) Result() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Duration reports how long the invocation took, or zero while in flight.
func (c *Context) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished.IsZero() {
		return 0
	}
	return c.finished.Sub(c.Created)
}

// Wait blocks until completion or ctx ends. Abandoning the wait does not
// cancel the remote call.
func (c *Context) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
