// ABOUTME: Entry point for the opamp-gateway OpAMP server
// ABOUTME: Serves agent WebSocket sessions and offers inspection commands against a running gateway

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/config"
	"github.com/2389/opamp-gateway/internal/gateway"
	"github.com/2389/opamp-gateway/internal/remoteconfig"
	"github.com/2389/opamp-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                   _
  ___  _ __   __ _ _ __ ___  _ __     __ _  __ _| |_ _____      ____ _ _   _
 / _ \| '_ \ / _' | '_ ' _ \| '_ \   / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_) | |_) | (_| | | | | | | |_) | | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___/| .__/ \__,_|_| |_| |_| .__/   \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
      |_|                   |_|      |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: --config flag > OPAMP_CONFIG env var > XDG_CONFIG_HOME/opamp-gateway/config.yaml > ~/.config/opamp-gateway/config.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("OPAMP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "opamp-gateway", "config.yaml")
}

// getDataPath returns the path to the opamp-gateway data directory.
// Priority: XDG_DATA_HOME/opamp-gateway > ~/.local/share/opamp-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "opamp-gateway")
}

func usage() {
	fmt.Println("Usage: opamp-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  agents                 List connected agents")
	fmt.Println("  events                 Show recent agent events")
	fmt.Println("  config-hash            Print the hash of the configured remote config")
	fmt.Println("  prune --older-than D   Delete agent events older than D")
	fmt.Println("  version                Print the version")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "events":
		err = runEvents(ctx, args)
	case "config-hash":
		err = runConfigHash(args)
	case "prune":
		err = runPrune(ctx, args)
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags holds flags shared by every command.
type commonFlags struct {
	config string
	addr   string
}

// newFlagSet creates a flag set with --config and, for client commands, --addr.
func newFlagSet(name string, withAddr bool) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cf := &commonFlags{}
	fs.StringVarP(&cf.config, "config", "c", "", "path to config file")
	if withAddr {
		fs.StringVar(&cf.addr, "addr", "", "gateway base URL (default derived from server.http_addr)")
	}
	return fs, cf
}

func loadConfig(cf *commonFlags) (*config.Config, string, error) {
	configPath := getConfigPath(cf.config)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("serve", false)
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(cf)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("OpAMP:     %s\n", cfg.Server.OpAMPPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting opamp-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"opamp_path", cfg.Server.OpAMPPath,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// baseURL resolves where a running gateway can be reached.
func baseURL(cfg *config.Config, override string) string {
	if override != "" {
		return strings.TrimSuffix(override, "/")
	}
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			scheme = "https"
		}
		return scheme + "://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// getBody performs a GET against the gateway and returns the body of a 200 response.
func getBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runHealth(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("health", true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(cf)
	if err != nil {
		return err
	}

	if _, err := getBody(ctx, baseURL(cfg, cf.addr)+"/health"); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	body, err := getBody(ctx, baseURL(cfg, cf.addr)+"/health/ready")
	if err != nil {
		return fmt.Errorf("not ready: %w", err)
	}

	fmt.Printf("healthy, %s\n", body)
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("agents", true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(cf)
	if err != nil {
		return err
	}

	body, err := getBody(ctx, baseURL(cfg, cf.addr)+"/api/agents")
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	var agents []agent.AgentInfo
	if err := json.Unmarshal(body, &agents); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE UID\tSERVICE\tHOST\tSTATUS\tCONFIG HASH\tLAST SEEN")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.InstanceUID,
			orDash(a.ServiceName),
			orDash(a.Hostname),
			orDash(a.RemoteConfigStatus),
			orDash(shortHash(a.LastConfigHash)),
			a.LastSeen.Local().Format(time.TimeOnly),
		)
	}
	return w.Flush()
}

func runEvents(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("events", true)
	limit := fs.IntP("limit", "n", store.DefaultEventLimit, "number of events to show")
	uid := fs.String("agent", "", "only show events for this instance uid")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(cf)
	if err != nil {
		return err
	}

	var events []gateway.AgentEventResponse
	if *uid != "" {
		body, err := getBody(ctx, fmt.Sprintf("%s/api/agents/%s?limit=%d", baseURL(cfg, cf.addr), *uid, *limit))
		if err != nil {
			return fmt.Errorf("fetching agent: %w", err)
		}
		var detail gateway.AgentDetailResponse
		if err := json.Unmarshal(body, &detail); err != nil {
			return fmt.Errorf("decoding agent: %w", err)
		}
		events = detail.History
	} else {
		body, err := getBody(ctx, fmt.Sprintf("%s/api/events?limit=%d", baseURL(cfg, cf.addr), *limit))
		if err != nil {
			return fmt.Errorf("fetching events: %w", err)
		}
		if err := json.Unmarshal(body, &events); err != nil {
			return fmt.Errorf("decoding events: %w", err)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tINSTANCE UID\tTYPE\tSTATUS\tCONFIG HASH\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt, e.InstanceUID, e.Type,
			orDash(e.Status), orDash(shortHash(e.ConfigHash)), orDash(e.Detail))
	}
	return w.Flush()
}

// runConfigHash loads the remote config exactly as serve would and prints its hash.
func runConfigHash(args []string) error {
	fs, cf := newFlagSet("config-hash", false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(cf)
	if err != nil {
		return err
	}

	rc, err := remoteconfig.Load(cfg.RemoteConfig, cfg.BaseDir(), setupLogger(config.LoggingConfig{Level: "warn"}))
	if err != nil {
		return err
	}
	snap := rc.Current()

	fmt.Printf("hex:    %s\n", snap.HashHex())
	fmt.Printf("base64: %s\n", snap.HashBase64())
	fmt.Printf("files:  %s\n", strings.Join(snap.FileNames(), ", "))
	return nil
}

func runPrune(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("prune", false)
	olderThan := fs.Duration("older-than", 0, "delete events older than this duration (e.g. 720h)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *olderThan <= 0 {
		return errors.New("--older-than is required and must be positive")
	}
	cfg, _, err := loadConfig(cf)
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	cutoff := time.Now().Add(-*olderThan)
	n, err := s.PruneEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning events: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Deleted %d event(s) before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func runInit(args []string) error {
	fs, cf := newFlagSet("init", false)
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("opamp-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath(cf.config)
	defaultDbPath := filepath.Join(getDataPath(), "events.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "0.0.0.0:4320")
	opampPath := prompt(reader, "OpAMP WebSocket path", config.DefaultOpAMPPath)

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Remote config
	fmt.Println("\n--- Remote Configuration ---")
	collectorPath := prompt(reader, "Collector config file to offer agents (leave empty for built-in)", "")

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "opamp-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# opamp-gateway configuration\n")
	cfg.WriteString("# Generated by opamp-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  opamp_path: %q\n", opampPath))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("opamp:\n")
	cfg.WriteString("  shutdown_timeout: \"5s\"\n")
	cfg.WriteString("  status_dedupe_ttl: \"10m\"\n")
	cfg.WriteString("  keepalive_interval: \"2m\"\n")
	cfg.WriteString("\n")

	if collectorPath != "" {
		cfg.WriteString("remote_config:\n")
		cfg.WriteString("  files:\n")
		cfg.WriteString(fmt.Sprintf("    - name: %q\n", remoteconfig.DefaultFileName))
		cfg.WriteString(fmt.Sprintf("      path: %q\n", collectorPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file; it may hold a Tailscale auth key.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  opamp-gateway serve --config %s\n", outputFile)

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
