// ABOUTME: End-to-end test running the fake agent against an in-process gateway
// ABOUTME: Verifies remote config is delivered once, written to disk, and acknowledged

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opamp-gateway/internal/config"
	"github.com/2389/opamp-gateway/internal/gateway"
	"github.com/2389/opamp-gateway/internal/remoteconfig"
)

// startGateway serves an in-process gateway and returns its OpAMP URL.
func startGateway(t *testing.T) (*gateway.Gateway, string) {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
	}
	cfg.ApplyDefaults()

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, "ws" + strings.TrimPrefix(srv.URL, "http") + config.DefaultOpAMPPath
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T, configDir string) *fakeAgent {
	t.Helper()
	uid, err := uuid.NewV7()
	require.NoError(t, err)
	return &fakeAgent{
		uid:         uid[:],
		serviceName: "test-agent",
		hostname:    "test-host",
		configDir:   configDir,
		interval:    10 * time.Millisecond,
		logger:      testLogger(),
	}
}

func TestFakeAgentAppliesRemoteConfig(t *testing.T) {
	gw, url := startGateway(t)
	dir := t.TempDir()
	a := newTestAgent(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.run(ctx, url, 2))

	require.NotNil(t, a.status)
	assert.Equal(t, protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED, a.status.GetStatus())
	assert.Len(t, a.status.GetLastRemoteConfigHash(), 32)
	assert.Equal(t, uint64(2), a.seq, "first message plus the config acknowledgement")

	body, err := os.ReadFile(filepath.Join(dir, remoteconfig.DefaultFileName))
	require.NoError(t, err)
	assert.Contains(t, string(body), "receivers")

	assert.Eventually(t, func() bool {
		return gw.AgentManager().Count() == 0
	}, 2*time.Second, 10*time.Millisecond, "agent should be removed after closing")
}

func TestFakeAgentSequenceCountsSentMessages(t *testing.T) {
	_, url := startGateway(t)

	tests := []struct {
		name      string
		responses int
		wantSeq   uint64
	}{
		{name: "stop after first response", responses: 1, wantSeq: 1},
		{name: "config ack then heartbeat", responses: 3, wantSeq: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAgent(t, "")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			require.NoError(t, a.run(ctx, url, tt.responses))

			// The first message plus one per handled response except the last.
			assert.Equal(t, tt.wantSeq, a.seq)
		})
	}
}

func TestParseOrNewUID(t *testing.T) {
	uid, err := parseOrNewUID("")
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), uid.Version())

	uid, err = parseOrNewUID("0192f3c4-7a1b-7c2d-8e3f-4a5b6c7d8e9f")
	require.NoError(t, err)
	assert.Equal(t, "0192f3c4-7a1b-7c2d-8e3f-4a5b6c7d8e9f", uid.String())

	_, err = parseOrNewUID("not-a-uuid")
	assert.Error(t, err)
}

func TestWriteConfigRejectsBadNames(t *testing.T) {
	a := &fakeAgent{configDir: t.TempDir()}
	err := a.writeConfig(&protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"/": {Body: []byte("x")},
		},
	})
	assert.Error(t, err)

	assert.NoError(t, (&fakeAgent{}).writeConfig(&protobufs.AgentConfigMap{}))
}
