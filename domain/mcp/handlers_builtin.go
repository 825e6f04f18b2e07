package mcp

import (
	"context"
	"encoding/json"
)

// ToolProvider is the collaborator contract (§6 "Tool handler") the
// built-in tools/list and tools/call handlers delegate to. The core ships
// no tools of its own; exampletools provides a minimal demonstration
// implementation used by tests and the S1/S2 scenarios.
type ToolProvider interface {
	ListTools() []ToolDefinition
	CallTool(ctx context.Context, name string, args json.RawMessage, sc *SessionContext) (*ToolResult, *HandlerError)
}

// toolsListHandler implements tools/list.
type toolsListHandler struct{ tools ToolProvider }

func (h *toolsListHandler) Handle(ctx context.Context, method string, params []byte, sc *SessionContext) (any, *HandlerError) {
	if h.tools == nil {
		return ToolsListResult{Tools: []ToolDefinition{}}, nil
	}
	return ToolsListResult{Tools: h.tools.ListTools()}, nil
}

// toolsCallHandler implements tools/call.
type toolsCallHandler struct{ tools ToolProvider }

func (h *toolsCallHandler) Handle(ctx context.Context, method string, params []byte, sc *SessionContext) (any, *HandlerError) {
	if h.tools == nil {
		return nil, ErrMethodNotFound("tools/call")
	}
	var p ToolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams("invalid tools/call params: " + err.Error())
	}
	if p.Name == "" {
		return nil, ErrInvalidParams("tool name is required")
	}
	result, herr := h.tools.CallTool(ctx, p.Name, p.Arguments, sc)
	if herr != nil {
		return nil, herr
	}
	return result, nil
}

// loggingSetLevelHandler implements logging/setLevel (§4.3).
type loggingSetLevelHandler struct{}

func (h *loggingSetLevelHandler) Handle(ctx context.Context, method string, params []byte, sc *SessionContext) (any, *HandlerError) {
	var p SetLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams("invalid logging/setLevel params: " + err.Error())
	}
	if !IsValidLogLevel(p.Level) {
		return nil, ErrInvalidParams("unknown logging level: " + p.Level)
	}
	level := LogLevel(p.Level)
	// Two consecutive identical calls are idempotent (invariant 8): skip
	// the write (and therefore any downstream change-notification) when
	// the level is already set.
	if sc.LoggingLevel() == level {
		return map[string]any{}, nil
	}
	if err := sc.SetLoggingLevel(level); err != nil {
		return nil, ErrInternal(err)
	}
	return map[string]any{}, nil
}

// pingHandler implements ping, always allowed regardless of
// strict-lifecycle (§9's Open Question (b) resolved conservatively).
type pingHandler struct{}

func (h *pingHandler) Handle(ctx context.Context, method string, params []byte, sc *SessionContext) (any, *HandlerError) {
	return map[string]any{}, nil
}

// notificationsInitializedHandler transitions a session out of the
// uninitialized state. It is registered as a NotificationHandler because
// notifications/initialized carries no id and expects no response.
type notificationsInitializedHandler struct{ manager *SessionManager }

func (h *notificationsInitializedHandler) Handle(ctx context.Context, method string, params []byte, sc *SessionContext) (any, *HandlerError) {
	return nil, nil
}

func (h *notificationsInitializedHandler) HandleNotification(ctx context.Context, method string, params []byte, sc *SessionContext) {
	_ = h.manager.MarkInitialized(ctx, sc.session)
}

// RegisterBuiltins wires the core's own handlers into a Registry. Tool
// dispatch is delegated to tools, which may be nil (then tools/list
// returns an empty array and tools/call fails method-not-found).
func RegisterBuiltins(registry *Registry, manager *SessionManager, tools ToolProvider) {
	registry.Register("tools/list", &toolsListHandler{tools: tools})
	registry.Register("tools/call", &toolsCallHandler{tools: tools})
	registry.Register("logging/setLevel", &loggingSetLevelHandler{})
	registry.Register("ping", &pingHandler{})
	registry.Register("notifications/initialized", &notificationsInitializedHandler{manager: manager})
}
