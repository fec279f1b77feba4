package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8081/api", cfg.APIURL)
	assert.Equal(t, "ws://localhost:8081/ws/chat/websocket", cfg.BrokerURL)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 60, cfg.RenewalThreshold)
	assert.Equal(t, time.Hour, cfg.DefaultSessionDuration())
	assert.True(t, cfg.Presence)
	assert.Empty(t, cfg.MetricsFile)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHAT_API_URL", "http://chat.example:9000/api")
	t.Setenv("CHAT_RECONNECT_DELAY", "250ms")
	t.Setenv("CHAT_RENEWAL_THRESHOLD", "30")
	t.Setenv("CHAT_DEFAULT_SESSION_MINUTES", "15")
	t.Setenv("CHAT_PRESENCE", "false")
	t.Setenv("CHAT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://chat.example:9000/api", cfg.APIURL)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 30, cfg.RenewalThreshold)
	assert.Equal(t, 15*time.Minute, cfg.DefaultSessionDuration())
	assert.False(t, cfg.Presence)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{name: "bad duration", key: "CHAT_RECONNECT_DELAY", value: "soon", want: "parse env:"},
		{name: "bad int", key: "CHAT_RENEWAL_THRESHOLD", value: "x", want: "parse env:"},
		{name: "negative threshold", key: "CHAT_RENEWAL_THRESHOLD", value: "-1", want: "renewal threshold"},
		{name: "zero session", key: "CHAT_DEFAULT_SESSION_MINUTES", value: "0", want: "default session minutes"},
		{name: "bad level", key: "CHAT_LOG_LEVEL", value: "chatty", want: "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
