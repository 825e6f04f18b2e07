package mcp

import (
	"context"
	"encoding/json"
)

// Broadcaster (C11) is the abstract seam a SessionContext uses to emit
// notifications. It is bound at server construction to the stream
// manager (StreamManager implements it), but handlers are written
// against the interface so they can be unit-tested without a live
// transport.
type Broadcaster interface {
	// Send journals and fans out an arbitrary notification frame.
	Send(ctx context.Context, sessionID string, method string, params any) error
}

// Frame is the wire shape of a notification, used internally when
// journaling/broadcasting (it is always id-less).
type Frame struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newNotificationFrame(method string, params any) ([]byte, error) {
	return json.Marshal(Frame{JSONRPC: "2.0", Method: method, Params: params})
}
