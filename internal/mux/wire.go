package mux

import (
	"encoding/json"
	"fmt"
)

// WorkRequest is one unit of work sent to the worker. The multiplexer only
// interprets RequestID; the payload is opaque and belongs to the worker
// protocol.
type WorkRequest struct {
	// RequestID must be unique among in-flight requests on one multiplexer.
	// Reusing a still-pending id is a caller bug.
	RequestID uint64 `json:"request_id"`

	// Payload carries the worker-defined arguments and inputs.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkResponse is the worker's reply to the request carrying the same id.
type WorkResponse struct {
	RequestID uint64          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WorkerKey identifies one worker process configuration. The multiplexer
// consumes it as-is; building the command line and environment belongs to
// the caller.
type WorkerKey struct {
	// Mnemonic names the worker kind in logs and diagnostics.
	Mnemonic string

	// Args is the worker command line; Args[0] may be relative to the work
	// directory passed to CreateProcess.
	Args []string

	// Env holds extra environment variables for the worker process.
	Env map[string]string
}

// Reporter receives human-readable diagnostic strings when verbose
// reporting is enabled. It is a separate channel from logging so the owner
// can surface worker chatter to users without touching log configuration.
type Reporter func(string)

// Codec encodes requests and decodes responses. Implementations only need
// to round-trip the request id; everything else is opaque to the
// multiplexer.
type Codec interface {
	EncodeRequest(req *WorkRequest) ([]byte, error)
	DecodeResponse(data []byte) (*WorkResponse, error)
}

// JSONCodec returns the default codec, encoding each message as one JSON
// object inside the frame.
func JSONCodec() Codec { return jsonCodec{} }

type jsonCodec struct{}

func (jsonCodec) EncodeRequest(req *WorkRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode work request %d: %w", req.RequestID, err)
	}

	return data, nil
}

func (jsonCodec) DecodeResponse(data []byte) (*WorkResponse, error) {
	var resp WorkResponse

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode work response: %w", err)
	}

	return &resp, nil
}
