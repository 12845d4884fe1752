package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/hearth/internal/audit"
	"github.com/basket/hearth/internal/bus"
	"github.com/basket/hearth/internal/config"
	"github.com/basket/hearth/internal/cron"
	"github.com/basket/hearth/internal/engine"
	"github.com/basket/hearth/internal/gateway"
	"github.com/basket/hearth/internal/policy"
	"github.com/basket/hearth/internal/store"
	"github.com/basket/hearth/internal/telemetry"
	"github.com/basket/hearth/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

COMMANDS:
  serve                 Start the runtime daemon (default)
  migrate               Import the legacy flat-file cron layout and exit
  version               Print the version

FLAGS (serve):
  -quiet                Log to file only, keep stdout clean

ENVIRONMENT VARIABLES:
  HEARTH_HOME           Data directory (default: ~/.hearth)
  HEARTH_DB_PATH        Database file override
  HEARTH_BIND_ADDR      Gateway listen address
  HEARTH_AUTH_TOKEN     Gateway bearer token
  OPENAI_API_KEY        Provider API key
`, os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe(ctx, args))
	case "migrate":
		os.Exit(runMigrate(ctx))
	case "version":
		fmt.Println("hearthd", Version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runServe(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	quiet := flags.Bool("quiet", false, "log to file only")
	_ = flags.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet || *quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return 1
	}
	defer logCloser.Close()
	logger.Info("starting hearthd", "version", Version, "home", cfg.HomeDir)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()
	st.SetCronLimits(time.Duration(cfg.Cron.MinIntervalSeconds)*time.Second, cfg.Cron.DailyCreateCap)

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Error("init audit log", "error", err)
		return 1
	}
	defer audit.Close()
	audit.SetDB(st.DB())

	if err := migrateLegacy(ctx, st, cfg.Cron.LegacyDir, logger); err != nil {
		logger.Error("legacy import", "error", err)
		return 1
	}

	pol := policy.New(cfg.Isolation.AllowedTools)
	registry := tools.NewRegistry(pol, logger)
	if err := tools.RegisterScheduling(registry); err != nil {
		logger.Error("register scheduling tools", "error", err)
		return 1
	}
	if err := registry.RegisterProvider(&tools.BuiltinProvider{HomeDir: cfg.HomeDir}); err != nil {
		logger.Error("register builtin tools", "error", err)
		return 1
	}

	b := bus.New()
	brain := engine.NewOpenAIBrain(cfg.Provider, logger)
	turns := engine.NewOrchestrator(brain, registry, st, b, logger, cfg.Limits, cfg.Persona)
	tasks := engine.NewTaskPath(brain, registry, st, b, logger, cfg.Limits)

	sched := cron.New(st, registry, b, logger, cfg.Cron.TickSeconds)
	sched.Start(ctx)
	defer sched.Stop()

	watchConfig(ctx, cfg.HomeDir, logger, turns, tasks, pol)

	gw := gateway.New(gateway.Config{
		Store:     st,
		Turns:     turns,
		Tasks:     tasks,
		Bus:       b,
		AuthToken: cfg.Gateway.AuthToken,
		Logger:    logger,
	})
	srv := &http.Server{Addr: cfg.Gateway.BindAddr, Handler: gw.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	return 0
}

// watchConfig applies hot-reloadable settings when config.yaml changes:
// turn limits and the isolated-scope tool allow-list. Everything else
// needs a restart.
func watchConfig(ctx context.Context, homeDir string, logger *slog.Logger, turns *engine.Orchestrator, tasks *engine.TaskPath, pol *policy.ScopePolicy) {
	w := config.NewWatcher(homeDir, logger)
	if err := w.Start(ctx); err != nil {
		logger.Error("config watcher", "error", err)
		return
	}
	go func() {
		for range w.Events() {
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config reload", "error", err)
				continue
			}
			turns.SetLimits(cfg.Limits)
			tasks.SetLimits(cfg.Limits)
			pol.Replace(cfg.Isolation.AllowedTools)
			logger.Info("config reloaded",
				"max_turns", cfg.Limits.MaxTurns, "isolated_tools", len(cfg.Isolation.AllowedTools))
		}
	}()
}

func migrateLegacy(ctx context.Context, st *store.Store, legacyDir string, logger *slog.Logger) error {
	unitCtx, _ := store.WithUnit(ctx)
	sess, err := st.Acquire(unitCtx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close(unitCtx) }()
	return store.MigrateLegacy(unitCtx, sess, legacyDir, logger)
}

func runMigrate(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return 1
	}
	defer logCloser.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()

	unitCtx, _ := store.WithUnit(ctx)
	sess, err := st.Acquire(unitCtx)
	if err != nil {
		logger.Error("acquire session", "error", err)
		return 1
	}
	defer func() { _ = sess.Close(unitCtx) }()

	if err := store.MigrateLegacy(unitCtx, sess, cfg.Cron.LegacyDir, logger); err != nil {
		logger.Error("legacy import", "error", err)
		return 1
	}
	fmt.Println("legacy import complete")
	return 0
}
