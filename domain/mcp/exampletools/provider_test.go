package exampletools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListTools(t *testing.T) {
	tools := New().ListTools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "ping", "progress_tracker"}, names)
}

func TestCallTool_Echo(t *testing.T) {
	p := New()
	result, herr := p.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"hello"}`), nil)
	require.Nil(t, herr)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestCallTool_EchoMissingMessage(t *testing.T) {
	p := New()
	result, herr := p.CallTool(context.Background(), "echo", json.RawMessage(`{}`), nil)
	require.Nil(t, herr)
	assert.True(t, result.IsError)
}

func TestCallTool_Ping(t *testing.T) {
	p := New()
	result, herr := p.CallTool(context.Background(), "ping", nil, nil)
	require.Nil(t, herr)
	assert.Equal(t, "pong", result.Content[0].Text)
}

func TestCallTool_Unknown(t *testing.T) {
	p := New()
	_, herr := p.CallTool(context.Background(), "does-not-exist", nil, nil)
	require.NotNil(t, herr)
	assert.Equal(t, -32601, herr.Code)
}

func TestCallTool_ProgressTracker(t *testing.T) {
	p := New()
	result, herr := p.CallTool(context.Background(), "progress_tracker", json.RawMessage(`{"steps":2,"delay_ms":0}`), nil)
	require.Nil(t, herr)
	assert.Equal(t, "completed 2 steps", result.Content[0].Text)
}

func TestCallTool_ProgressTrackerClampsSteps(t *testing.T) {
	p := New()
	result, herr := p.CallTool(context.Background(), "progress_tracker", json.RawMessage(`{"steps":999}`), nil)
	require.Nil(t, herr)
	assert.Equal(t, "completed 20 steps", result.Content[0].Text)
}
