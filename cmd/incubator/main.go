// Incubator serves the egg incubator dashboard.
//
// It bridges the ESP32 controller's MQTT topics to a web dashboard,
// stores sensor readings in SQLite and offers a CLI for one-shot
// commands. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	incubator serve                  Start the dashboard
//	incubator init [dir]             Initialize a working directory
//	incubator send <key>=<value>     Publish one command to the controller
//	incubator readings [n]           Print the most recent stored readings
//	incubator hash-password <pw>     Print a bcrypt hash for web.password_hash
//	incubator version                Print version and build information
//	incubator -o json version        Output version information as JSON
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/incubator-dashboard/internal/buildinfo"
	"github.com/nugget/incubator-dashboard/internal/config"
	"github.com/nugget/incubator-dashboard/internal/mqtt"
	"github.com/nugget/incubator-dashboard/internal/readings"
	"github.com/nugget/incubator-dashboard/internal/telemetry"
	"github.com/nugget/incubator-dashboard/internal/web"
)

// shutdownTimeout bounds the drain of HTTP requests and the broker
// disconnect after a shutdown signal.
const shutdownTimeout = 10 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the whole
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the incubator command. Arguments are
// parsed by hand; the flag package's globals get in the way of calling
// run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "send":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: incubator send <key>=<value>")
		}
		return runSend(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "readings":
		n := readings.DefaultLimit
		if len(cmdArgs) > 0 {
			v, err := strconv.Atoi(cmdArgs[0])
			if err != nil || v <= 0 {
				return fmt.Errorf("usage: incubator readings [n]")
			}
			n = v
		}
		return runReadings(ctx, stdout, stderr, configPath, outputFmt, n)
	case "hash-password":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: incubator hash-password <password>")
		}
		return runHashPassword(stdout, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, kv := range [][2]string{
		{"version", info.Version},
		{"git_commit", info.GitCommit},
		{"git_branch", info.GitBranch},
		{"build_time", info.BuildTime},
		{"go_version", info.GoVersion},
		{"os", info.OS},
		{"arch", info.Arch},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", kv[0]+":", kv[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Incubator - Egg Incubator Dashboard")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: incubator [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Start the dashboard server")
	fmt.Fprintln(w, "  init [dir]           Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  send <key>=<value>   Publish one command (heater=on, top_vent=90, interval=5s, turn_eggs)")
	fmt.Fprintln(w, "  readings [n]         Print the n most recent stored readings (default: 20)")
	fmt.Fprintln(w, "  hash-password <pw>   Print a bcrypt hash for web.password_hash")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/incubator/config.yaml, /etc/incubator/config.yaml")
	return nil
}

// runServe handles "incubator serve". It opens the reading store,
// starts the broker bridge, the auto-save recorder and the dashboard,
// and blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels ctx; the recorder and readings feed stop
//  2. The HTTP server drains and live clients are closed
//  3. The bridge disconnects from the broker
//  4. The store is closed via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting incubator dashboard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	logger = cfg.Logger(stdout)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"broker", cfg.MQTT.Broker,
		"auto_save", cfg.Store.AutoSaveInterval(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := readings.Open(cfg.StorePath(), logger)
	if err != nil {
		return fmt.Errorf("open reading store %s: %w", cfg.StorePath(), err)
	}
	defer store.Close()
	logger.Info("reading store opened", "path", cfg.StorePath())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge := mqtt.New(cfg.MQTT, logger)
	if cfg.MQTT.Configured() {
		if _, err := bridge.Initialize(ctx); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
	} else {
		logger.Warn("mqtt broker not configured - dashboard will show the device offline")
	}

	history := telemetry.NewHistory(cfg.Web.HistorySize)
	server := web.NewWebServer(web.Config{
		Address:      cfg.Listen.Address,
		Port:         cfg.Listen.Port,
		Bridge:       bridge,
		Store:        store,
		History:      history,
		PublicURL:    cfg.Web.PublicURL,
		Username:     cfg.Web.Username,
		PasswordHash: cfg.Web.PasswordHash,
		Logger:       logger,
	})
	if cfg.Web.AuthEnabled() {
		logger.Info("operator auth enabled for control endpoints", "username", cfg.Web.Username)
	}

	recorder := readings.NewRecorder(store, cfg.Store.AutoSaveInterval(), cfg.Store.Retention(), logger)
	bridge.OnMessage(recorder.Observe)
	go recorder.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("dashboard server: %w", runErr)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("dashboard shutdown failed", "error", err)
	}
	if err := bridge.Disconnect(shutdownCtx); err != nil {
		logger.Warn("mqtt disconnect failed", "error", err)
	}

	logger.Info("incubator dashboard stopped")
	return runErr
}

// runSend handles "incubator send <key>=<value>". It connects, waits
// up to the configured connect timeout, publishes one command and
// disconnects. Logs go to stderr so stdout carries only the result.
func runSend(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, arg string) error {
	cmd, err := telemetry.ParseCommandArg(arg)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.MQTT.Configured() {
		return errors.New("mqtt.broker is not configured")
	}
	logger := cfg.Logger(stderr)

	bridge := mqtt.New(cfg.MQTT, logger)
	if _, err := bridge.Initialize(ctx); err != nil {
		return fmt.Errorf("start mqtt bridge: %w", err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer dcancel()
		if err := bridge.Disconnect(dctx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout())
	defer awaitCancel()
	if err := bridge.AwaitConnected(awaitCtx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.MQTT.Broker, err)
	}

	if err := bridge.PublishCommand(ctx, cmd); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "sent %s\n", telemetry.DescribeCommand(cmd))
	return nil
}

// runReadings handles "incubator readings [n]".
func runReadings(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string, n int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := readings.Open(cfg.StorePath(), cfg.Logger(stderr))
	if err != nil {
		return fmt.Errorf("open reading store %s: %w", cfg.StorePath(), err)
	}
	defer store.Close()

	recs, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}
	return printReadings(stdout, recs, outputFmt)
}

// printReadings writes records newest first, one per line in text
// mode or as a JSON array.
func printReadings(w io.Writer, recs []readings.Record, outputFmt string) error {
	if outputFmt == "json" {
		if recs == nil {
			recs = []readings.Record{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(w, "no stored readings")
		return nil
	}
	for _, rec := range recs {
		r := rec.Reading
		fmt.Fprintf(w, "%s  %6s °C  %6s %%  heater %-3s  fan %-3s\n",
			rec.SavedAt.Local().Format("2006-01-02 15:04:05"),
			optFloat(r.Temperature),
			optFloat(r.Humidity),
			optSwitch(r.Heater),
			optSwitch(r.InternalFan, r.Fan),
		)
	}
	return nil
}

func optFloat(v *float64) string {
	if v == nil {
		return "--"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

func optSwitch(ps ...*bool) string {
	for _, p := range ps {
		if p == nil {
			continue
		}
		if *p {
			return "on"
		}
		return "off"
	}
	return "--"
}

// runHashPassword prints a bcrypt hash suitable for web.password_hash.
func runHashPassword(w io.Writer, password string) error {
	if password == "" {
		return errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	fmt.Fprintln(w, string(hash))
	return nil
}

// loadConfig locates and loads the config file. The path found is
// returned for logging.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
