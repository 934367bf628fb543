package langworker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/mattjoyce/polyhost/internal/protocol"
)

// Echo returns every input as an output binding of the same name. The "fail"
// input makes the invocation fail with its value as the message.
type Echo struct{}

func (Echo) Load(string, protocol.FunctionMetadata) error { return nil }

func (Echo) Invoke(_ context.Context, req *protocol.InvocationRequest, logf LogFunc) (map[string]any, error) {
	if msg, ok := req.InputData["fail"]; ok {
		return nil, errors.New(fmt.Sprint(msg))
	}
	out := make(map[string]any, len(req.InputData)+1)
	maps.Copy(out, req.InputData)
	if v, ok := req.InputData["return"]; ok {
		out[protocol.ReturnBinding] = v
		delete(out, "return")
	}
	logf("debug", fmt.Sprintf("echoed %d inputs", len(req.InputData)))
	return out, nil
}

// Recorder wraps a Handler and counts what it was asked to do.
type Recorder struct {
	Next Handler

	mu          sync.Mutex
	loads       map[string]int
	invocations int
}

func (r *Recorder) Load(functionID string, md protocol.FunctionMetadata) error {
	r.mu.Lock()
	if r.loads == nil {
		r.loads = make(map[string]int)
	}
	r.loads[functionID]++
	r.mu.Unlock()
	return r.next().Load(functionID, md)
}

func (r *Recorder) Invoke(ctx context.Context, req *protocol.InvocationRequest, logf LogFunc) (map[string]any, error) {
	r.mu.Lock()
	r.invocations++
	r.mu.Unlock()
	return r.next().Invoke(ctx, req, logf)
}

// Loads returns how many load requests arrived for functionID.
func (r *Recorder) Loads(functionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads[functionID]
}

// Invocations returns the number of invocations handled.
func (r *Recorder) Invocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invocations
}

func (r *Recorder) next() Handler {
	if r.Next == nil {
		return Echo{}
	}
	return r.Next
}
