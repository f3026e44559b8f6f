// ABOUTME: Entry point for copilot-bridge, the HTTP front door to a hosted Copilot agent
// ABOUTME: Subcommands serve the bridge, health-check a running one, write a config or invoke the agent once

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/copilot-bridge/internal/bridge"
	"github.com/2389/copilot-bridge/internal/config"
	"github.com/2389/copilot-bridge/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _ _       _        _          _     _
  ___ ___  _ __ (_) | ___ | |_     | |__  _ __(_) __| | __ _  ___
 / __/ _ \| '_ \| | |/ _ \| __|____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_| (_) | |_) | | | (_) | ||_____| |_) | |  | | (_| | (_| |  __/
 \___\___/| .__/|_|_|\___/ \__|    |_.__/|_|  |_|\__,_|\__, |\___|
          |_|                                          |___/
`

// getConfigPath returns the config file to load, or "" to configure from the
// environment alone.
// Priority: COPILOT_BRIDGE_CONFIG > XDG_CONFIG_HOME/copilot-bridge/bridge.yaml > ~/.config/copilot-bridge/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COPILOT_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	path := defaultConfigPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "copilot-bridge", "bridge.yaml")
}

// getDataPath returns the directory holding the invocation ledger.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "copilot-bridge")
}

func usage() {
	fmt.Println("Usage: copilot-bridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                           Start the HTTP bridge")
	fmt.Println("  init                            Create a new config file interactively")
	fmt.Println("  health                          Check that a running bridge is up")
	fmt.Println("  ready                           Check that a running bridge can authenticate")
	fmt.Println("  invoke -m MESSAGE [-t THREAD]   Send one message to the agent and print the reply")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealthCheck(ctx, "/health")
	case "ready":
		err = runHealthCheck(ctx, "/health/ready")
	case "invoke":
		err = runInvoke(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	source := configPath
	if source == "" {
		source = "(environment)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", source)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.AgentID)
	green.Print("    ▶ ")
	fmt.Printf("Endpoint:  %s\n", cfg.Agent.ProjectEndpoint)
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	}
	if len(cfg.Auth.FunctionKeys) == 0 {
		yellow.Println("    ! function keys disabled")
	}

	fmt.Println()

	logger.Info("starting copilot-bridge",
		"config", source,
		"http_addr", cfg.Server.HTTPAddr,
		"agent_id", cfg.Agent.AgentID,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runHealthCheck fetches one of the health endpoints of a running bridge.
func runHealthCheck(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", healthHost(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// healthHost turns a listen address like ":7071" into one a client can dial.
func healthHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// runInvoke performs a single invocation in-process, without the HTTP layer.
func runInvoke(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	message := fs.String("m", "", "message to send")
	threadID := fs.String("t", "", "existing convo_thread_id to continue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*message) == "" {
		return fmt.Errorf("-m flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Keep stdout for the reply
	logger := setupLogger(cfg.Logging, os.Stderr)

	client, _ := gateway.NewClient(cfg, logger)
	defer client.Close()

	b, err := bridge.New(bridge.Options{
		Service:      client,
		AgentID:      cfg.Agent.AgentID,
		PollInterval: cfg.Agent.PollInterval,
		PollTimeout:  cfg.Agent.PollTimeout,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	res, err := b.Invoke(ctx, bridge.Request{Message: *message, ThreadID: *threadID})
	if err != nil {
		var invErr *bridge.InvocationError
		if errors.As(err, &invErr) && invErr.ThreadID != "" {
			color.New(color.FgHiBlack).Fprintf(os.Stderr, "convo_thread_id: %s\n", invErr.ThreadID)
		}
		return err
	}

	color.New(color.FgHiBlack).Fprintf(os.Stderr, "convo_thread_id: %s\n", res.ThreadID)
	if res.Response == nil {
		color.New(color.FgYellow).Fprintln(os.Stderr, "(no response)")
		return nil
	}
	fmt.Println(*res.Response)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("copilot-bridge configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", defaultConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	routePrefix := prompt(reader, "Route prefix (empty for none)", "")
	functionKey := prompt(reader, "Function key (empty disables key checks)", "")

	fmt.Println("\n--- Agent Service ---")
	endpoint := prompt(reader, "Project endpoint", "")
	agentID := prompt(reader, "Agent id", "")
	tenantID := prompt(reader, "Tenant id", "")
	clientID := prompt(reader, "Client id", "")
	fmt.Printf("The client secret is read from ${%s}.\n", config.EnvClientSecret)

	fmt.Println("\n--- Invocation Ledger ---")
	enableLedger := prompt(reader, "Record invocations in SQLite?", "yes")
	var dbPath string
	if isYes(enableLedger) {
		dbPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "ledger.db"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# copilot-bridge configuration\n")
	cfg.WriteString("# Generated by copilot-bridge init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if routePrefix != "" {
		cfg.WriteString(fmt.Sprintf("  route_prefix: %q\n", routePrefix))
	}
	cfg.WriteString("\n")

	if functionKey != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString("  function_keys:\n")
		cfg.WriteString(fmt.Sprintf("    - %q\n", functionKey))
		cfg.WriteString("\n")
	}

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  project_endpoint: %q\n", endpoint))
	cfg.WriteString(fmt.Sprintf("  agent_id: %q\n", agentID))
	cfg.WriteString(fmt.Sprintf("  tenant_id: %q\n", tenantID))
	cfg.WriteString(fmt.Sprintf("  client_id: %q\n", clientID))
	cfg.WriteString(fmt.Sprintf("  client_secret: \"${%s}\"\n", config.EnvClientSecret))
	cfg.WriteString(fmt.Sprintf("  poll_interval: %q\n", config.DefaultPollInterval.String()))
	cfg.WriteString(fmt.Sprintf("  poll_timeout: %q\n", config.DefaultPollTimeout.String()))
	cfg.WriteString("\n")

	if dbPath != "" {
		cfg.WriteString("database:\n")
		cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("idempotency:\n")
	cfg.WriteString(fmt.Sprintf("  ttl: %q\n", config.DefaultIdempotencyTTL.String()))
	cfg.WriteString(fmt.Sprintf("  max_entries: %d\n", config.DefaultIdempotencyMax))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file may hold a function key
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  export %s=...\n", config.EnvClientSecret)
	fmt.Printf("  copilot-bridge serve\n")

	return nil
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

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}
