package mcp

import (
	"context"
	"fmt"
	"log/slog"
)

// Dispatcher (C2) maps method names to handlers and shapes results into
// JSON-RPC response frames. It never panics out to its caller: a
// recovered panic becomes a sanitized -32603 response.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, log *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, log: log}
}

// Dispatch executes req against sc. For a request (has id) it always
// returns a non-nil *Response — either a success or an error frame. For a
// notification it returns nil; handler/dispatch failures are logged and
// silently dropped, per §4.2.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, sc *SessionContext) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "method", req.Method, "recovered", r)
			if !req.IsNotification() {
				resp = NewErrorResponse(req.ID, ErrCodeInternalError, "internal error", nil)
			}
		}
	}()

	h, ok := d.registry.Lookup(req.Method)
	if !ok {
		if req.IsNotification() {
			d.log.Debug("dropping notification for unknown method", "method", req.Method)
			return nil
		}
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	if req.IsNotification() {
		if nh, ok := h.(NotificationHandler); ok {
			nh.HandleNotification(ctx, req.Method, req.Params, sc)
		} else if _, err := h.Handle(ctx, req.Method, req.Params, sc); err != nil {
			d.log.Warn("notification handler returned error, dropping", "method", req.Method, "error", err)
		}
		return nil
	}

	result, herr := h.Handle(ctx, req.Method, req.Params, sc)
	if herr != nil {
		code := herr.Code
		if code == 0 {
			code = ErrCodeInternalError
		}
		return NewErrorResponse(req.ID, code, herr.Message, herr.Data)
	}
	return NewSuccessResponse(req.ID, result)
}
