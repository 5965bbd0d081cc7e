package protocol

import "encoding/json"

// Request is a message sent to the worker on its stdin.
// Event and Context are opaque to the bridge and are serialized as-is.
type Request struct {
	ID      string `json:"id"`
	Event   any    `json:"event"`
	Context any    `json:"context"`
}

// Response is a message written by the worker on its stdout.
// Error is nil when the worker sent no error or a JSON null.
type Response struct {
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error"`
	Value json.RawMessage `json:"value"`
}

// IncomingRequest is a Request as seen by the worker, with the payloads left undecoded.
type IncomingRequest struct {
	ID      string          `json:"id"`
	Event   json.RawMessage `json:"event"`
	Context json.RawMessage `json:"context"`
}
