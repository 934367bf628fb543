package protocol

import (
	"encoding/json"
	"fmt"
)

// CodecName is the gRPC content-subtype used on the worker stream.
const CodecName = "json"

// Codec marshals StreamingMessage frames as JSON. It satisfies grpc's encoding.Codec.
type Codec struct{}

// Name returns the content-subtype.
func (Codec) Name() string { return CodecName }

// Marshal serializes v to JSON, validating StreamingMessage frames first.
func (Codec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(*StreamingMessage); ok {
		if err := Validate(msg); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Unmarshal decodes JSON into v and validates StreamingMessage frames.
func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	if msg, ok := v.(*StreamingMessage); ok {
		return Validate(msg)
	}
	return nil
}

// Validate checks that a frame carries exactly the payload its Type names.
func Validate(msg *StreamingMessage) error {
	if msg == nil {
		return fmt.Errorf("frame is nil")
	}
	if msg.Type == "" {
		return fmt.Errorf("frame missing required field: type")
	}

	set := 0
	var matched bool
	check := func(present bool, t MessageType) {
		if present {
			set++
			if msg.Type == t {
				matched = true
			}
		}
	}
	check(msg.StartStream != nil, TypeStartStream)
	check(msg.WorkerInitRequest != nil, TypeWorkerInitRequest)
	check(msg.WorkerInitResponse != nil, TypeWorkerInitResponse)
	check(msg.FunctionLoadRequest != nil, TypeFunctionLoadRequest)
	check(msg.FunctionLoadResponse != nil, TypeFunctionLoadResponse)
	check(msg.InvocationRequest != nil, TypeInvocationRequest)
	check(msg.InvocationResponse != nil, TypeInvocationResponse)
	check(msg.FileChangeEvent != nil, TypeFileChangeEvent)
	check(msg.WorkerTerminate != nil, TypeWorkerTerminate)
	check(msg.RPCLog != nil, TypeRPCLog)

	if set != 1 {
		return fmt.Errorf("frame %q must carry exactly one payload (got %d)", msg.Type, set)
	}
	if !matched {
		return fmt.Errorf("frame type %q does not match its payload", msg.Type)
	}

	switch msg.Type {
	case TypeStartStream:
		if msg.StartStream.WorkerID == "" {
			return fmt.Errorf("start_stream missing worker_id")
		}
	case TypeFunctionLoadRequest:
		if msg.FunctionLoadRequest.FunctionID == "" {
			return fmt.Errorf("function_load_request missing function_id")
		}
	case TypeFunctionLoadResponse:
		if msg.FunctionLoadResponse.FunctionID == "" {
			return fmt.Errorf("function_load_response missing function_id")
		}
	case TypeInvocationRequest:
		if msg.InvocationRequest.InvocationID == "" || msg.InvocationRequest.FunctionID == "" {
			return fmt.Errorf("invocation_request missing invocation_id or function_id")
		}
	case TypeInvocationResponse:
		if msg.InvocationResponse.InvocationID == "" {
			return fmt.Errorf("invocation_response missing invocation_id")
		}
	}
	return nil
}

// NewStartStream builds the worker's opening frame.
func NewStartStream(workerID string) *StreamingMessage {
	return &StreamingMessage{Type: TypeStartStream, StartStream: &StartStream{WorkerID: workerID}}
}

// NewWorkerInitRequest builds the host's handshake frame.
func NewWorkerInitRequest(requestID, hostVersion string) *StreamingMessage {
	return &StreamingMessage{
		RequestID: requestID,
		Type:      TypeWorkerInitRequest,
		WorkerInitRequest: &WorkerInitRequest{
			HostVersion:  hostVersion,
			Capabilities: map[string]string{"return_value": "true", "file_change": "true"},
		},
	}
}

// NewFunctionLoadRequest builds a load frame.
func NewFunctionLoadRequest(requestID, functionID string, md FunctionMetadata) *StreamingMessage {
	return &StreamingMessage{
		RequestID: requestID,
		Type:      TypeFunctionLoadRequest,
		FunctionLoadRequest: &FunctionLoadRequest{
			FunctionID: functionID,
			Metadata:   md,
		},
	}
}

// NewInvocationRequest builds an invocation frame.
func NewInvocationRequest(requestID string, req InvocationRequest) *StreamingMessage {
	return &StreamingMessage{RequestID: requestID, Type: TypeInvocationRequest, InvocationRequest: &req}
}

// NewFileChangeEvent builds an advisory file change frame.
func NewFileChangeEvent(ev FileChangeEvent) *StreamingMessage {
	return &StreamingMessage{Type: TypeFileChangeEvent, FileChangeEvent: &ev}
}

// NewWorkerTerminate builds a terminate frame.
func NewWorkerTerminate(grace WorkerTerminate) *StreamingMessage {
	return &StreamingMessage{Type: TypeWorkerTerminate, WorkerTerminate: &grace}
}
