package logger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), "level %q", tt.input)
	}
}

func TestRedactAttr(t *testing.T) {
	a := redactAttr(nil, slog.String("api_key", "sk-12345"))
	assert.Equal(t, redactedValue, a.Value.String())

	a = redactAttr(nil, slog.String("Token", "abc"))
	assert.Equal(t, redactedValue, a.Value.String())

	a = redactAttr(nil, slog.String("agent_id", "cmdb-agent"))
	assert.Equal(t, "cmdb-agent", a.Value.String())
}
