package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hearthchat/skillhost/internal/auditlog"
	"github.com/hearthchat/skillhost/internal/pyruntime"
	"github.com/hearthchat/skillhost/internal/settings"
	"github.com/hearthchat/skillhost/internal/skills"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "reconcile":
		reconcileCmd(os.Args[2:])
	case "version":
		fmt.Printf("skillhost %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `skillhost

Usage:
  skillhost run [flags]
  skillhost status [flags]
  skillhost reconcile [flags]
  skillhost version

Commands:
  run         Serve the python runtime management API and the scheduled reconcile loop.
  status      Print the runtime status view as JSON.
  reconcile   Run one reconcile pass and print the result.
  version     Print build information.

`)
}

func newLogger(format string, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

type app struct {
	log     *slog.Logger
	paths   pyruntime.Paths
	store   *settings.Store
	catalog *skills.Manager
	audit   *auditlog.Store
	manager *pyruntime.Manager
}

func buildApp(log *slog.Logger, dataDir string, installTimeout time.Duration) (*app, error) {
	getenv := os.Getenv
	if strings.TrimSpace(dataDir) != "" {
		getenv = func(key string) string {
			if key == pyruntime.DataDirEnvVar {
				return dataDir
			}
			return os.Getenv(key)
		}
	}
	paths := pyruntime.ResolvePaths(getenv, currentPlatform())

	store, err := settings.Open(filepath.Join(paths.DataRoot, "settings.db"))
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	catalog := skills.NewManager(log, paths.DataRoot)
	catalog.Discover()

	audit, err := auditlog.New(auditlog.Options{Logger: log, DataRoot: paths.DataRoot})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	manager, err := pyruntime.NewManager(pyruntime.Options{
		Logger:         log,
		Paths:          paths,
		Settings:       store,
		Catalog:        catalog,
		Runner:         pyruntime.NewExecRunner(),
		Audit:          audit,
		InstallTimeout: installTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		log:     log,
		paths:   paths,
		store:   store,
		catalog: catalog,
		audit:   audit,
		manager: manager,
	}, nil
}

func (a *app) close() {
	if a == nil {
		return
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "Data directory (default: $"+pyruntime.DataDirEnvVar+")")
	logLevel := fs.String("log-level", "warn", "Log level: debug|info|warn|error")
	timeout := fs.Duration("timeout", 2*time.Minute, "Overall command timeout")
	_ = fs.Parse(args)

	log := newLogger("text", *logLevel)
	app, err := buildApp(log, *dataDir, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skillhost: %v\n", err)
		os.Exit(1)
	}
	defer app.close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, err := app.manager.RuntimeStatusView(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skillhost: %v\n", err)
		os.Exit(1)
	}
	printJSON(status)
}

func reconcileCmd(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "Data directory (default: $"+pyruntime.DataDirEnvVar+")")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	installTimeout := fs.Duration("install-timeout", 10*time.Minute, "Timeout for a single pip install")
	_ = fs.Parse(args)

	log := newLogger("text", *logLevel)
	app, err := buildApp(log, *dataDir, *installTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skillhost: %v\n", err)
		os.Exit(1)
	}
	defer app.close()

	result, err := app.manager.Reconcile(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "skillhost: %v\n", err)
		os.Exit(1)
	}
	printJSON(result)
}

func printJSON(payload any) {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "skillhost: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
