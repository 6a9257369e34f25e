package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hearthchat/skillhost/internal/httpapi"
	"github.com/hearthchat/skillhost/internal/lockfile"
	"github.com/hearthchat/skillhost/internal/pyruntime"
)

func currentPlatform() string {
	return runtime.GOOS
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:8421", "HTTP listen address")
	dataDir := fs.String("data-dir", "", "Data directory (default: $"+pyruntime.DataDirEnvVar+")")
	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	installTimeout := fs.Duration("install-timeout", 10*time.Minute, "Timeout for a single pip install")
	reconcileEvery := fs.Duration("reconcile-every", 30*time.Minute, "Scheduled reconcile interval (0 disables)")
	_ = fs.Parse(args)

	log := newLogger(*logFormat, *logLevel)

	app, err := buildApp(log, *dataDir, *installTimeout)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close()

	// One daemon per data root: the ledger's read-modify-write is only
	// serialized in-process.
	lockPath := filepath.Join(app.paths.RuntimeRoot, ".skillhost.lock")
	if err := os.MkdirAll(app.paths.RuntimeRoot, 0o755); err != nil {
		log.Error("cannot create runtime root", "error", err)
		os.Exit(1)
	}
	lock, err := lockfile.Acquire(lockPath)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			log.Error("another skillhost instance manages this data root", "lock", lockPath)
		} else {
			log.Error("cannot acquire runtime lock", "lock", lockPath, "error", err)
		}
		os.Exit(1)
	}
	defer func() { _ = lock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var scheduler *cron.Cron
	if *reconcileEvery > 0 {
		scheduler = cron.New()
		schedule := fmt.Sprintf("@every %s", reconcileEvery.String())
		if _, err := scheduler.AddFunc(schedule, func() {
			if _, err := app.manager.Reconcile(context.Background()); err != nil {
				log.Warn("scheduled reconcile failed", "error", err)
			}
		}); err != nil {
			log.Error("invalid reconcile schedule", "error", err)
			os.Exit(1)
		}
		scheduler.Start()
		log.Info("scheduled reconcile enabled", "interval", reconcileEvery.String())
	}

	router := httpapi.NewRouter(httpapi.Options{
		Logger:  log,
		Runtime: app.manager,
		Skills:  app.catalog,
		Audit:   app.audit,
		Version: Version,
	})
	server := &http.Server{
		Addr:              *listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("skillhost listening", "addr", *listen, "data_root", app.paths.DataRoot)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
		}
	}

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
