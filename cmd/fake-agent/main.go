// ABOUTME: Fake OpAMP agent for testing the gateway without a real collector
// ABOUTME: Connects over WebSocket, reports its description, and applies remote config

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	url := pflag.String("url", "ws://localhost:4320/v1/opamp", "gateway OpAMP WebSocket URL")
	uidFlag := pflag.String("uid", "", "agent instance UID (UUID, default: random v7)")
	serviceName := pflag.String("service-name", "fake-agent", "service.name reported in the agent description")
	interval := pflag.Duration("interval", 30*time.Second, "heartbeat interval")
	configDir := pflag.String("config-dir", "", "directory to write received remote config files")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	uid, err := parseOrNewUID(*uidFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	hostname, _ := os.Hostname()
	agent := &fakeAgent{
		uid:         uid[:],
		serviceName: *serviceName,
		hostname:    hostname,
		configDir:   *configDir,
		interval:    *interval,
		logger:      logger.With("instance_uid", uid.String()),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agent.run(ctx, *url, 0); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func parseOrNewUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.NewV7()
	}
	uid, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --uid %q: %w", s, err)
	}
	return uid, nil
}
