package server

import "encoding/json"

// InvokeRequest is the body of POST /invoke.
type InvokeRequest struct {
	Event   json.RawMessage `json:"event"`
	Context json.RawMessage `json:"context"`
}

// InvokeResponse is the body of a successful POST /invoke.
// Error carries the worker's error verbatim and is null when the worker reported none.
type InvokeResponse struct {
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error"`
	Value json.RawMessage `json:"value"`
}

// wsInvokeRequest is a message sent by a client on the /invoke/ws WebSocket.
// Tag is chosen by the client and echoed back, since responses arrive in completion order.
type wsInvokeRequest struct {
	Tag     string          `json:"tag"`
	Event   json.RawMessage `json:"event"`
	Context json.RawMessage `json:"context"`
}

// wsInvokeResponse answers one wsInvokeRequest.
// BridgeError is set if the request never reached the worker; the other fields are then empty.
type wsInvokeResponse struct {
	Tag         string          `json:"tag"`
	ID          string          `json:"id,omitempty"`
	Error       json.RawMessage `json:"error"`
	Value       json.RawMessage `json:"value"`
	BridgeError string          `json:"bridgeError,omitempty"`
}

// HealthResponse is the body of GET /health.
// The resource fields are omitted when the worker's usage could not be read.
type HealthResponse struct {
	Bridge     string  `json:"bridge"`
	PID        int     `json:"pid"`
	Pending    int     `json:"pending"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}
