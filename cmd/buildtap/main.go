package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/buildtap/internal/api"
	"github.com/mattjoyce/buildtap/internal/config"
	"github.com/mattjoyce/buildtap/internal/dispatch"
	"github.com/mattjoyce/buildtap/internal/events"
	"github.com/mattjoyce/buildtap/internal/export"
	"github.com/mattjoyce/buildtap/internal/feed"
	"github.com/mattjoyce/buildtap/internal/handler"
	"github.com/mattjoyce/buildtap/internal/handler/builtin"
	"github.com/mattjoyce/buildtap/internal/lock"
	"github.com/mattjoyce/buildtap/internal/log"
	"github.com/mattjoyce/buildtap/internal/results"
	"github.com/mattjoyce/buildtap/internal/scheduler"
	"github.com/mattjoyce/buildtap/internal/storage"
	"github.com/mattjoyce/buildtap/internal/tui/watch"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("buildtap version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`buildtap - build-export stream dispatcher

Usage:
  buildtap <noun> <action> [flags]

System Commands:
  system start      Subscribe to the build feed and process builds
  watch             Live TUI over the status API

Config Commands:
  config lock       Pin the config file hash (.checksums)
  config check      Validate syntax and integrity
  config show       Print the effective configuration

General:
  version           Show version information
  help              Show this help message
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: buildtap system start [flags]")
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "help":
		fmt.Println("Usage: buildtap system start [--config PATH]")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: buildtap config <lock|check|show> [flags]")
		return 1
	}
	action := args[0]
	fs := flag.NewFlagSet("config "+action, flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	switch action {
	case "lock":
		if err := config.Lock(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
			return 1
		}
		fmt.Printf("Locked %s\n", *configPath)
		return 0
	case "check":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			return 1
		}
		if err := config.Check(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Integrity check failed: %v\n", err)
			return 1
		}
		fmt.Println("Config OK")
		return 0
	case "show":
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
			return 1
		}
		fmt.Print(string(out))
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("buildtap starting", "version", version, "config", *configPath, "server", cfg.Server.BaseURL)

	pidLock, err := lock.Acquire(pidLockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire PID lock", "error", err)
		return 1
	}
	defer pidLock.Release()

	variants, err := enabledVariants(cfg)
	if err != nil {
		logger.Error("handler setup failed", "error", err)
		return 1
	}
	registry, err := handler.NewRegistry(variants...)
	if err != nil {
		logger.Error("handler registry setup failed", "error", err)
		return 1
	}
	logger.Info("handlers registered",
		"count", registry.Len(), "event_types", registry.EventTypeFilter())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *results.Store
	if cfg.Results.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.Results.Path)
		if err != nil {
			logger.Error("failed to open results database", "path", cfg.Results.Path, "error", err)
			return 1
		}
		defer db.Close()
		store = results.New(db)
		logger.Info("results database opened", "path", cfg.Results.Path)
	}

	hub := events.NewHub(256)
	defer hub.Close()

	client := export.NewClient(cfg.Server.BaseURL)
	runner := dispatch.New(client, registry, store, hub)

	sched, err := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxPending:    cfg.Scheduler.MaxPending,
		Overflow:      scheduler.OverflowPolicy(cfg.Scheduler.Overflow),
	}, runner, hub)
	if err != nil {
		logger.Error("scheduler setup failed", "error", err)
		return 1
	}

	subscriber := feed.New(client, sched, cfg.Server.Since)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)

	go func() {
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	go func() {
		if err := subscriber.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("feed: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.APIKey,
			HandlersLoaded: registry.Len(),
		}, sched, store, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("status API enabled", "listen", cfg.API.Listen)
	}

	if store != nil && cfg.Results.Retention > 0 {
		go pruneLoop(ctx, store, cfg.Results.Retention, logger)
	}

	logger.Info("buildtap running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("buildtap stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8484", "Status API base URL")
	apiKey := fs.String("key", os.Getenv("BUILDTAP_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		return 1
	}
	return 0
}

// enabledVariants builds the variant list from config, in a stable order:
// builtin declaration order filtered by the enabled map.
func enabledVariants(cfg *config.Config) ([]handler.Variant, error) {
	known := make(map[string]bool, len(builtin.Names()))
	for _, name := range builtin.Names() {
		known[name] = true
	}
	for name := range cfg.Handlers {
		if !known[name] {
			return nil, fmt.Errorf("unknown handler %q in config", name)
		}
	}

	var variants []handler.Variant
	for _, name := range builtin.Names() {
		hc, ok := cfg.Handlers[name]
		if !ok || !hc.Enabled {
			continue
		}
		v, err := builtin.New(name, hc.Settings)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, nil
}

func pidLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Results.Path), "buildtap.lock")
}

func pruneLoop(ctx context.Context, store *results.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx, retention); err != nil {
				logger.Error("results prune failed", "error", err)
			}
		}
	}
}
