package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		requested string
		want      string
		ok        bool
	}{
		{"", LatestProtocolVersion, true},
		{"2025-06-18", "2025-06-18", true},
		{"2025-11-25", "2025-11-25", true},
		{"2026-01-01", "2025-11-25", true}, // newer than anything supported: clamp down
		{"2020-01-01", "", false},          // older than anything supported
		{"2025-04-01", "2025-03-26", true}, // between two supported versions
	}
	for _, tt := range tests {
		got, ok := NegotiateVersion(tt.requested)
		assert.Equal(t, tt.ok, ok, "requested=%s", tt.requested)
		if tt.ok {
			assert.Equal(t, tt.want, got, "requested=%s", tt.requested)
		}
	}
}

func TestIsValidProtocolVersion(t *testing.T) {
	assert.True(t, IsValidProtocolVersion("2025-06-18"))
	assert.False(t, IsValidProtocolVersion("1999-01-01"))
}

func TestFeatureGates(t *testing.T) {
	assert.False(t, SupportsSSE("2024-11-05"))
	assert.True(t, SupportsSSE("2025-03-26"))
	assert.False(t, SupportsElicitation("2025-03-26"))
	assert.True(t, SupportsElicitation("2025-06-18"))
	assert.False(t, SupportsTaskSubsystem("2025-06-18"))
	assert.True(t, SupportsTaskSubsystem("2025-11-25"))
}
