// ABOUTME: Tests for CLI helpers: config path resolution, gateway URLs, and the color log handler
// ABOUTME: Color output is disabled so assertions can match plain text

package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/2389/opamp-gateway/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("OPAMP_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	assert.Equal(t, "/flag.yaml", getConfigPath("/flag.yaml"))
	assert.Equal(t, filepath.Join("/xdg", "opamp-gateway", "config.yaml"), getConfigPath(""))

	t.Setenv("OPAMP_CONFIG", "/env.yaml")
	assert.Equal(t, "/env.yaml", getConfigPath(""))
	assert.Equal(t, "/flag.yaml", getConfigPath("/flag.yaml"), "flag wins over env")
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		override string
		want     string
	}{
		{
			name: "http addr",
			cfg:  config.Config{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:4320"}},
			want: "http://127.0.0.1:4320",
		},
		{
			name:     "override",
			cfg:      config.Config{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:4320"}},
			override: "https://gw.example.com/",
			want:     "https://gw.example.com",
		},
		{
			name: "tailscale http",
			cfg:  config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "opamp"}},
			want: "http://opamp",
		},
		{
			name: "tailscale https",
			cfg:  config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "opamp", HTTPS: true}},
			want: "https://opamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, baseURL(&tt.cfg, tt.override))
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("agent").Info("connected", "id", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF connected")
	assert.Contains(t, out, " component=gateway")
	assert.Contains(t, out, " agent.id=abc")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("session started", "session_id", "s1")

	assert.Contains(t, buf.String(), `"msg":"session started"`)
	assert.Contains(t, buf.String(), `"session_id":"s1"`)
}

func TestHelpers(t *testing.T) {
	assert.True(t, isYes(" Y "))
	assert.True(t, isYes("yes"))
	assert.False(t, isYes("no"))

	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "x", orDash("x"))

	assert.Equal(t, "0123456789ab", shortHash("0123456789abcdef"))
	assert.Equal(t, "abc", shortHash("abc"))
}
