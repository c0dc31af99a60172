// Vrm-cloud-mqtt bridges the Victron Energy VRM cloud API to an MQTT
// broker. It polls every installation visible to a VRM account and
// republishes each device's diagnostics as a JSON field map, one topic
// per device, alongside a retained online/offline status topic.
//
// Configuration is loaded from a YAML file discovered automatically
// (see [config.DefaultSearchPaths]) or from VRM_* environment
// variables alone.
//
// Usage:
//
//	vrm-cloud-mqtt serve            Start the bridge
//	vrm-cloud-mqtt login            Authenticate and cache a VRM access token
//	vrm-cloud-mqtt init [dir]       Initialize a working directory with defaults
//	vrm-cloud-mqtt version          Print version and build information
//	vrm-cloud-mqtt -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/buildinfo"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/config"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/credcache"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/mqtt"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/opstate"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/poller"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/vrm"
)

// credcacheFilename is the file under data_dir holding the cached
// {access_token, idUser} pair.
const credcacheFilename = "credentials.json"

// main only gathers the OS-level pieces (context, stdio, argv) and
// hands them to [run], keeping os.Exit and os.Args out of the
// application logic so tests can drive the whole lifecycle.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies arrive as
// parameters: ctx bounds the process lifetime, stdout and stderr
// receive program output, and args is os.Args[1:]. Arguments are
// parsed by hand — the flag package's package-level state would keep
// run from being called concurrently from tests, and the surface is
// small enough that manual parsing stays clearer than a CLI framework.
//
// run returns nil on clean shutdown; the caller prints the error and
// chooses the exit code.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "login":
		return runLogin(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// versionFields fixes the order of runVersion's text output.
var versionFields = []string{
	"version", "git_commit", "git_branch", "build_time",
	"go_version", "os", "arch",
}

// runVersion reports build metadata as text or JSON.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintln(w, buildinfo.String())
	for _, field := range versionFields {
		if v, ok := info[field]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", field+":", v)
		}
	}
	return nil
}

// printUsage writes the help text shown for no arguments or -h/--help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "vrm-cloud-mqtt - Victron VRM cloud to MQTT bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vrm-cloud-mqtt [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge")
	fmt.Fprintln(w, "  login        Authenticate with VRM and cache an access token")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/vrm-cloud-mqtt/config.yaml, /etc/vrm-cloud-mqtt/config.yaml")
	fmt.Fprintln(w, "With no config file, VRM_* environment variables alone are sufficient.")
	return nil
}

// runServe handles the "vrm-cloud-mqtt serve" subcommand. It is the
// primary operating mode: load config, open the run-state store,
// resume or establish the VRM session, connect the MQTT publisher, and
// drive the poll loop until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context and the poll loop exits
//  2. The publisher flushes the retained offline status and disconnects
//  3. The broker connection and run-state store are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting vrm-cloud-mqtt",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner.
	logger = newLogger(stdout, cfg.EffectiveLogLevel(), cfg.LogFormat)

	source := cfgPath
	if source == "" {
		source = "environment"
	}
	logger.Info("config loaded",
		"source", source,
		"broker", cfg.MQTT.BrokerURL(),
		"base_topic", cfg.MQTT.Topic,
		"poll_interval", cfg.PollInterval(),
	)

	// --- Data directory ---
	// Credential cache, instance id, and the run-state database live
	// here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Run-state store ---
	store, err := opstate.NewStore(filepath.Join(cfg.DataDir, opstate.Filename))
	if err != nil {
		return fmt.Errorf("open run-state store: %w", err)
	}
	defer store.Close()

	if last, err := store.LastCycle(); err == nil && last != nil {
		total, _ := store.CyclesTotal()
		logger.Info("run-state restored",
			"last_cycle", last.CompletedAt.Format(time.RFC3339),
			"cycles_total", total,
		)
	}

	// --- VRM session ---
	session, _ := newSession(cfg, logger)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the ctx handed to the session and the
	// poll loop.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !session.Ready() {
		if err := session.Login(ctx); err != nil {
			if errors.Is(err, vrm.ErrLoginFailed) {
				// Rejected credentials. Stay up: the poll loop skips
				// cycles and the operator fixes the config.
				logger.Error("VRM login failed, polling paused until restart", "error", err)
			} else {
				return fmt.Errorf("vrm login: %w", err)
			}
		}
	}

	// --- MQTT publisher ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}

	// The broker connection must outlive the signal context: after a
	// signal cancels ctx, Stop still needs a live connection to flush
	// the retained offline status. connCancel runs last.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	pub := mqtt.New(cfg.MQTT, instanceID, logger)
	if err := pub.Start(connCtx); err != nil {
		return fmt.Errorf("start mqtt publisher: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := pub.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}()

	// --- Poll loop ---
	p := poller.New(poller.Config{
		Source:    &vrmSource{session: session},
		Publisher: pub,
		Recorder:  store,
		Interval:  cfg.PollInterval(),
		Logger:    logger,
	})

	logger.Info("polling started",
		"interval", cfg.PollInterval(),
		"base_topic", pub.BaseTopic(),
		"session_state", session.State(),
	)

	if err := p.Run(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("poller failed: %w", err)
		}
	}

	logger.Info("vrm-cloud-mqtt stopped")
	return nil
}

// runLogin handles the "vrm-cloud-mqtt login" subcommand: a one-shot
// credential bootstrap that authenticates with the account password,
// establishes the named access token, and caches it for serve to pick
// up. Useful for resolving a duplicate-token conflict by hand before
// the bridge's first start.
func runLogin(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	session, cache := newSession(cfg, logger)

	// Always perform a fresh login: the point of the subcommand is to
	// mint and cache a new access token, cached state notwithstanding.
	if err := session.Login(ctx); err != nil {
		return fmt.Errorf("vrm login: %w", err)
	}

	fmt.Fprintf(stdout, "Login successful (user %d, state %s)\n", session.UserID(), session.State())
	fmt.Fprintf(stdout, "Access token %q cached in %s\n", cfg.VRM.TokenName, cache.Path())
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig locates and parses the configuration. An explicit path
// must exist. Otherwise the default locations are searched, and when
// no file exists at all the environment alone is used — the usual
// arrangement inside an add-on container. The returned path is empty
// for environment-only configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg, envErr := config.FromEnv()
		if envErr != nil {
			return nil, "", envErr
		}
		return cfg, "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newSession wires the credential cache, API client, and session from
// config.
func newSession(cfg *config.Config, logger *slog.Logger) (*vrm.Session, *credcache.Store) {
	cache := credcache.New(filepath.Join(cfg.DataDir, credcacheFilename), logger)
	client := vrm.NewClient(cfg.VRM.APIURL, cfg.VRM.HTTPTimeout(), logger)
	session := vrm.NewSession(client, cache, vrm.SessionConfig{
		Username:             cfg.VRM.Username,
		Password:             cfg.VRM.Password,
		TokenName:            cfg.VRM.TokenName,
		RevokeDuplicateToken: cfg.VRM.RevokeDuplicateToken,
	}, logger)
	return session, cache
}

// vrmSource adapts [vrm.Session] to the [poller.Source] interface.
type vrmSource struct {
	session *vrm.Session
}

func (s *vrmSource) Ready() bool { return s.session.Ready() }

func (s *vrmSource) Sites(ctx context.Context) ([]poller.Site, error) {
	sites, err := s.session.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]poller.Site, len(sites))
	for i, site := range sites {
		out[i] = site
	}
	return out, nil
}
