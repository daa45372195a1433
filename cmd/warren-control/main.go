// ABOUTME: Entry point for the warren-control coordination server
// ABOUTME: Runs a control plane replica over a shared SQLite store

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/warren-control/internal/config"
	"github.com/2389/warren-control/internal/dispatch"
	"github.com/2389/warren-control/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
__      ____ _ _ __ _ __ ___ _ __
\ \ /\ / / _' | '__| '__/ _ \ '_ \
 \ V  V / (_| | |  | | |  __/ | | |
  \_/\_/ \__,_|_|  |_|  \___|_| |_|
`

// getConfigPath returns the path to the control plane config file.
// Priority: WARREN_CONFIG env var > XDG_CONFIG_HOME/warren/control.yaml > ~/.config/warren/control.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARREN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "control.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warren", "control.yaml")
}

// getDataPath returns the path to the warren data directory.
// Priority: XDG_DATA_HOME/warren > ~/.local/share/warren
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "warren")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: warren-control <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start a control plane replica")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  status    Show agents, queue depth, and leadership")
		fmt.Println("  simulate  Run an in-process multi-replica simulation")
		fmt.Println("  version   Print version")
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
	case "status":
		err = runStatus(ctx)
	case "simulate":
		err = runSimulate(ctx)
	case "version":
		fmt.Printf("warren-control %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPathFromArgs resolves the config path for a subcommand.
// Supports both "--config value" and "--config=value" formats; anything
// else falls back to getConfigPath().
func configPathFromArgs(args []string) (string, error) {
	path := getConfigPath()
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-c":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--config requires a value")
			}
			path = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	return path, nil
}

// openStore builds the coordination store named by the config.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.NewSQLite(cfg.Store.Path)
	}
}

// resolveReplicaID prefers the configured id and falls back to a
// hostname-derived one so unconfigured replicas never collide.
func resolveReplicaID(cfg *config.Config) string {
	if cfg.Replica.ID != "" {
		return cfg.Replica.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "replica"
	}
	return host + "-" + uuid.NewString()[:8]
}

func runServe(ctx context.Context) error {
	configPath, err := configPathFromArgs(os.Args[2:])
	if err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger. Component loggers everywhere derive from the process
	// default, so it must be installed before anything is constructed.
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	replicaID := resolveReplicaID(cfg)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Store:    ")
	cyan.Print(cfg.Store.Driver)
	if cfg.Store.Driver == "sqlite" {
		gray.Printf(" (%s)", cfg.Store.Path)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Replica:  %s\n", replicaID)
	green.Print("    ▶ ")
	fmt.Printf("Election: %s lease, renew every %s\n", cfg.Election.LeaseTTL, cfg.Election.RenewInterval)

	fmt.Println()

	logger.Info("starting warren-control",
		"config", configPath,
		"store", cfg.Store.Driver,
		"replica_id", replicaID,
	)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	d := dispatch.New(st, dispatch.Options{
		ReplicaID:              replicaID,
		HeartbeatTTL:           cfg.Registry.HeartbeatTTL,
		HeartbeatSweepInterval: cfg.Registry.SweepInterval,
		DefaultClaimLease:      cfg.Queue.ClaimLease,
		DefaultMaxAttempts:     cfg.Queue.MaxAttempts,
		ExpireSweepInterval:    cfg.Queue.ExpireInterval,
		Retention:              cfg.Queue.Retention,
		ElectionLeaseTTL:       cfg.Election.LeaseTTL,
		ElectionRenewInterval:  cfg.Election.RenewInterval,
	})

	return d.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("warren-control configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "control.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Replica identity
	fmt.Println("\n--- Replica Configuration ---")
	replicaID := prompt(reader, "Replica id (empty derives one from the hostname)", "")

	// Store
	fmt.Println("\n--- Store Configuration ---")
	driver := prompt(reader, "Store driver (sqlite/memory)", "sqlite")
	var dbPath string
	if driver == "sqlite" {
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	}

	// Timing
	fmt.Println("\n--- Timing Configuration ---")
	heartbeatTTL := prompt(reader, "Agent heartbeat TTL", "30s")
	claimLease := prompt(reader, "Task claim lease", "60s")
	leaseTTL := prompt(reader, "Leader lease TTL", "15s")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# warren-control configuration\n")
	cfg.WriteString("# Generated by warren-control init\n\n")

	if replicaID != "" {
		cfg.WriteString("replica:\n")
		cfg.WriteString(fmt.Sprintf("  id: \"%s\"\n", replicaID))
		cfg.WriteString("\n")
	}

	cfg.WriteString("store:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", driver))
	if dbPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("registry:\n")
	cfg.WriteString(fmt.Sprintf("  heartbeat_ttl: \"%s\"\n", heartbeatTTL))
	cfg.WriteString("  sweep_interval: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("queue:\n")
	cfg.WriteString(fmt.Sprintf("  claim_lease: \"%s\"\n", claimLease))
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("  expire_interval: \"5s\"\n")
	cfg.WriteString("  retention: \"24h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("election:\n")
	cfg.WriteString(fmt.Sprintf("  lease_ttl: \"%s\"\n", leaseTTL))
	cfg.WriteString("  renew_interval: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	if dbPath != "" {
		dataDir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Printf("\nConfig written to %s\n", outputFile)
		fmt.Printf("Data directory: %s\n", dataDir)
	} else {
		fmt.Printf("\nConfig written to %s\n", outputFile)
	}

	fmt.Println("\nTo start a replica:")
	fmt.Printf("  warren-control serve\n")

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
