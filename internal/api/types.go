package api

import (
	"time"

	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/function"
)

// InvokeRequest is the JSON body for POST /functions/{id}/invoke.
type InvokeRequest struct {
	Inputs      map[string]any `json:"inputs,omitempty"`
	BindingData map[string]any `json:"binding_data,omitempty"`
}

// InvokeResponse is returned once an invocation has finished.
type InvokeResponse struct {
	InvocationID string         `json:"invocation_id"`
	FunctionID   string         `json:"function_id"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Status       string         `json:"status"`
	Result       any            `json:"result,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
}

// FunctionResponse describes one registered function.
type FunctionResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Runtime    string `json:"runtime"`
	ScriptFile string `json:"script_file"`
}

func functionResponse(fn *function.Descriptor) FunctionResponse {
	return FunctionResponse{ID: fn.ID, Name: fn.Name, Runtime: fn.Runtime, ScriptFile: fn.ScriptFile}
}

// WorkersResponse is returned by GET /workers.
type WorkersResponse struct {
	Pools []dispatch.PoolInfo `json:"pools"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status             string    `json:"status"`
	Version            string    `json:"version,omitempty"`
	UptimeSeconds      int64     `json:"uptime_seconds"`
	FunctionsLoaded    int       `json:"functions_loaded"`
	WorkersInitialized int       `json:"workers_initialized"`
	PoolsEscalated     int       `json:"pools_escalated"`
	CheckedAt          time.Time `json:"checked_at"`
}
