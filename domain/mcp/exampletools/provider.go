// Package exampletools is the thin collaborator surface referenced by the
// core's tools/list and tools/call handlers: a handful of demonstration
// tools grounded on the teacher's GetToolDefinitions/ExecuteTool split in
// domain/mcp/service.go, trimmed to the fixed set S1/S2 exercise instead
// of the teacher's knowledge-graph catalogue.
package exampletools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
)

// Provider implements mcp.ToolProvider with ping, echo, and
// progress_tracker.
type Provider struct{}

// New builds the example tool provider.
func New() *Provider {
	return &Provider{}
}

// ListTools returns the fixed catalogue (§2's "collaborator surface").
func (p *Provider) ListTools() []mcp.ToolDefinition {
	return []mcp.ToolDefinition{
		{
			Name:        "echo",
			Description: "Echo the given message back unchanged.",
			InputSchema: mcp.InputSchema{
				Type: "object",
				Properties: map[string]mcp.PropertySchema{
					"message": {Type: "string", Description: "Text to echo back"},
				},
				Required: []string{"message"},
			},
		},
		{
			Name:        "ping",
			Description: "Return pong, used to verify tool dispatch end to end.",
			InputSchema: mcp.InputSchema{
				Type:       "object",
				Properties: map[string]mcp.PropertySchema{},
				Required:   []string{},
			},
		},
		{
			Name:        "progress_tracker",
			Description: "Run a fixed number of steps, reporting notifications/progress after each one, then return a summary (S2).",
			InputSchema: mcp.InputSchema{
				Type: "object",
				Properties: map[string]mcp.PropertySchema{
					"steps": {
						Type:        "number",
						Description: "Number of steps to simulate (default 3, max 20)",
						Minimum:     float64Ptr(1),
						Maximum:     float64Ptr(20),
						Default:     3,
					},
					"delay_ms": {
						Type:        "number",
						Description: "Delay between steps in milliseconds (default 0, for tests)",
						Minimum:     float64Ptr(0),
						Default:     0,
					},
				},
				Required: []string{},
			},
		},
	}
}

// CallTool dispatches by name to the handful of execute* methods below,
// mirroring the teacher's ExecuteTool switch.
func (p *Provider) CallTool(ctx context.Context, name string, args json.RawMessage, sc *mcp.SessionContext) (*mcp.ToolResult, *mcp.HandlerError) {
	switch name {
	case "echo":
		return p.executeEcho(args)
	case "ping":
		return p.executePing()
	case "progress_tracker":
		return p.executeProgressTracker(ctx, args, sc)
	default:
		return nil, mcp.ErrMethodNotFound("unknown tool: " + name)
	}
}

func (p *Provider) executeEcho(args json.RawMessage) (*mcp.ToolResult, *mcp.HandlerError) {
	var params struct {
		Message string `json:"message"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, mcp.ErrInvalidParams("invalid echo arguments: " + err.Error())
		}
	}
	if params.Message == "" {
		return errorResult("message is required"), nil
	}
	return textResult(params.Message), nil
}

func (p *Provider) executePing() (*mcp.ToolResult, *mcp.HandlerError) {
	return textResult("pong"), nil
}

// executeProgressTracker walks a fixed number of steps, emitting
// notifications/progress after each one (S2), then returns a summary.
// It ignores cancellation mid-loop beyond the usual context check since
// the step count is small and bounded.
func (p *Provider) executeProgressTracker(ctx context.Context, args json.RawMessage, sc *mcp.SessionContext) (*mcp.ToolResult, *mcp.HandlerError) {
	params := struct {
		Steps   int `json:"steps"`
		DelayMS int `json:"delay_ms"`
	}{Steps: 3}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, mcp.ErrInvalidParams("invalid progress_tracker arguments: " + err.Error())
		}
	}
	if params.Steps <= 0 {
		params.Steps = 3
	}
	if params.Steps > 20 {
		params.Steps = 20
	}

	for i := 1; i <= params.Steps; i++ {
		select {
		case <-ctx.Done():
			return nil, mcp.ErrInternal(ctx.Err())
		default:
		}
		if sc != nil {
			_ = sc.NotifyProgress(progressTokenName, float64(i), float64(params.Steps), fmt.Sprintf("step %d of %d", i, params.Steps))
		}
		if params.DelayMS > 0 {
			time.Sleep(time.Duration(params.DelayMS) * time.Millisecond)
		}
	}

	return textResult(fmt.Sprintf("completed %d steps", params.Steps)), nil
}

// progressTokenName is a fixed token since this tool runs synchronously
// within a single tools/call and has no caller-supplied token to echo.
const progressTokenName = "progress_tracker"

func textResult(text string) *mcp.ToolResult {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) *mcp.ToolResult {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func float64Ptr(f float64) *float64 { return &f }
