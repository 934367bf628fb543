package protocol

import "time"

// MessageType names the payload carried by a StreamingMessage.
type MessageType string

const (
	TypeStartStream          MessageType = "start_stream"
	TypeWorkerInitRequest    MessageType = "worker_init_request"
	TypeWorkerInitResponse   MessageType = "worker_init_response"
	TypeFunctionLoadRequest  MessageType = "function_load_request"
	TypeFunctionLoadResponse MessageType = "function_load_response"
	TypeInvocationRequest    MessageType = "invocation_request"
	TypeInvocationResponse   MessageType = "invocation_response"
	TypeFileChangeEvent      MessageType = "file_change_event"
	TypeWorkerTerminate      MessageType = "worker_terminate"
	TypeRPCLog               MessageType = "rpc_log"
)

// ReturnBinding is the output binding name that carries a function's return value.
const ReturnBinding = "$return"

// StreamingMessage is the single frame type exchanged on the worker stream.
// Exactly one payload field is set, matching Type.
type StreamingMessage struct {
	RequestID string      `json:"request_id,omitempty"`
	Type      MessageType `json:"type"`

	StartStream          *StartStream          `json:"start_stream,omitempty"`
	WorkerInitRequest    *WorkerInitRequest    `json:"worker_init_request,omitempty"`
	WorkerInitResponse   *WorkerInitResponse   `json:"worker_init_response,omitempty"`
	FunctionLoadRequest  *FunctionLoadRequest  `json:"function_load_request,omitempty"`
	FunctionLoadResponse *FunctionLoadResponse `json:"function_load_response,omitempty"`
	InvocationRequest    *InvocationRequest    `json:"invocation_request,omitempty"`
	InvocationResponse   *InvocationResponse   `json:"invocation_response,omitempty"`
	FileChangeEvent      *FileChangeEvent      `json:"file_change_event,omitempty"`
	WorkerTerminate      *WorkerTerminate      `json:"worker_terminate,omitempty"`
	RPCLog               *RPCLog               `json:"rpc_log,omitempty"`
}

// StartStream is the first frame a worker sends after connecting.
type StartStream struct {
	WorkerID string `json:"worker_id"`
}

// WorkerInitRequest is sent by the host once the stream is matched.
type WorkerInitRequest struct {
	HostVersion  string            `json:"host_version"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// WorkerInitResponse completes the handshake.
type WorkerInitResponse struct {
	WorkerVersion string            `json:"worker_version,omitempty"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	Result        StatusResult      `json:"result"`
}

// FunctionMetadata describes a function to the worker.
type FunctionMetadata struct {
	Name       string `json:"name"`
	ScriptFile string `json:"script_file"`
	Directory  string `json:"directory,omitempty"`
	Runtime    string `json:"runtime"`
}

// FunctionLoadRequest announces a function the worker must be able to run.
type FunctionLoadRequest struct {
	FunctionID string           `json:"function_id"`
	Metadata   FunctionMetadata `json:"metadata"`
}

// FunctionLoadResponse acknowledges a load.
type FunctionLoadResponse struct {
	FunctionID string       `json:"function_id"`
	Result     StatusResult `json:"result"`
}

// InvocationRequest asks the worker to execute a loaded function.
type InvocationRequest struct {
	InvocationID string         `json:"invocation_id"`
	FunctionID   string         `json:"function_id"`
	InputData    map[string]any `json:"input_data,omitempty"`
	BindingData  map[string]any `json:"binding_data,omitempty"`
}

// InvocationResponse carries named output bindings and the call status.
type InvocationResponse struct {
	InvocationID string         `json:"invocation_id"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	Result       StatusResult   `json:"result"`
}

// FileChangeEvent is an advisory notification about a changed function file.
type FileChangeEvent struct {
	Path string    `json:"path"`
	Kind string    `json:"kind"`
	Hash string    `json:"hash,omitempty"`
	At   time.Time `json:"at"`
}

// WorkerTerminate asks the worker to exit within the grace period.
type WorkerTerminate struct {
	GracePeriod time.Duration `json:"grace_period"`
}

// RPCLog is a structured log entry relayed by the worker.
type RPCLog struct {
	InvocationID string `json:"invocation_id,omitempty"`
	Category     string `json:"category,omitempty"`
	Level        string `json:"level"` // trace | debug | info | warn | error | critical
	Message      string `json:"message"`
	Exception    string `json:"exception,omitempty"`
}

// Status values for StatusResult.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// StatusResult reports the outcome of a request.
type StatusResult struct {
	Status    string `json:"status"`
	Exception string `json:"exception,omitempty"`
}

// OK reports whether the result is a success.
func (r StatusResult) OK() bool {
	return r.Status == StatusSuccess
}

// Success returns a successful StatusResult.
func Success() StatusResult {
	return StatusResult{Status: StatusSuccess}
}

// Failure returns a failed StatusResult carrying err's message.
func Failure(err error) StatusResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return StatusResult{Status: StatusFailure, Exception: msg}
}
