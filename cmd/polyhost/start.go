package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/polyhost/internal/api"
	"github.com/mattjoyce/polyhost/internal/auth"
	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/filewatch"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/journal"
	"github.com/mattjoyce/polyhost/internal/lock"
	"github.com/mattjoyce/polyhost/internal/log"
	"github.com/mattjoyce/polyhost/internal/metrics"
	"github.com/mattjoyce/polyhost/internal/rpc"
	"github.com/mattjoyce/polyhost/internal/worker"
)

const hubCapacity = 256

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	info := currentVersionInfo()
	logger.Info("polyhost starting", "version", info.Version, "config", cfg.SourcePath)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	_ = pidLock.Annotate("version", info.Version)
	_ = pidLock.Annotate("config", cfg.SourcePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
		return 1
	}
	defer store.Close()
	logger.Info("journal opened", "path", cfg.Journal.Path)

	registry, err := function.Discover(cfg.FunctionsDir, cfg.Runtimes, discoveryLogger(logger))
	if err != nil {
		logger.Error("function discovery failed", "functions_dir", cfg.FunctionsDir, "error", err)
		return 1
	}
	logger.Info("function discovery complete", "count", len(registry.All()))

	server, err := rpc.Listen(cfg.RPC.Listen, log.WithComponent("rpc"))
	if err != nil {
		logger.Error("failed to start rpc server", "listen", cfg.RPC.Listen, "error", err)
		return 1
	}
	_ = pidLock.Annotate("rpc", server.Address())

	hub := events.NewHub(hubCapacity)
	defer hub.Close()
	workerErrors := events.NewBus[events.WorkerError]()
	fileChanges := events.NewBus[events.FileChange]()
	m := metrics.New()

	errCh := make(chan error, 4)
	disp := dispatch.New(dispatch.Options{
		Workers:   cfg.Workers,
		Runtimes:  cfg.Runtimes,
		Transport: server,
		Launcher: &worker.ExecLauncher{
			Grace:  cfg.Workers.TerminationGrace,
			Logger: log.WithComponent("launcher"),
		},
		HostVersion:  info.Version,
		WorkerErrors: workerErrors,
		FileChanges:  fileChanges,
		Hub:          hub,
		Recorder:     store,
		Metrics:      m,
		OnFatal: func(err error) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		},
		Logger: log.WithComponent("dispatch"),
	})
	defer disp.Shutdown()

	for _, fn := range registry.All() {
		if err := disp.RegisterFunction(fn); err != nil {
			logger.Error("failed to register function", "function", fn.Name, "error", err)
			return 1
		}
	}

	if cfg.Watch.Enabled {
		watcher, err := filewatch.New(cfg.FunctionsDir, cfg.Watch.Debounce, fileChanges, log.WithComponent("filewatch"))
		if err != nil {
			logger.Error("failed to watch functions directory", "functions_dir", cfg.FunctionsDir, "error", err)
			return 1
		}
		unsubscribe := fileChanges.Subscribe(manifestRegistrar(cfg, registry, disp, logger))
		defer unsubscribe()
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("filewatch: %w", err)
			}
		}()
		logger.Info("watching functions directory", "functions_dir", cfg.FunctionsDir, "debounce", cfg.Watch.Debounce)
	}

	if cfg.API.Enabled {
		tokens := make(map[string]auth.TokenConfig, len(cfg.API.Tokens))
		for name, t := range cfg.API.Tokens {
			tokens[name] = auth.TokenConfig{Token: t.Token, Scopes: t.Scopes}
		}
		apiServer := api.New(api.Config{
			Listen:  cfg.API.Listen,
			APIKey:  cfg.API.APIKey,
			Tokens:  tokens,
			Version: info.Version,
		}, disp, store, hub, m.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		_ = pidLock.Annotate("api", cfg.API.Listen)
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	logger.Info("polyhost running (press Ctrl+C to stop)", "rpc", server.Address())

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exit = 1
	}

	cancel()
	disp.Shutdown()
	logger.Info("polyhost stopped")
	return exit
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", path)
	}
	return config.Load(path)
}

func discoveryLogger(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	}
}

// manifestRegistrar registers functions whose manifest appears while the host
// is running. Changes to known functions are left to the workers.
func manifestRegistrar(cfg *config.Config, registry *function.Registry, disp *dispatch.Dispatcher, logger *slog.Logger) func(events.FileChange) {
	return func(ev events.FileChange) {
		if filepath.Base(ev.Path) != function.ManifestFilename {
			return
		}
		if ev.Kind != filewatch.KindCreate && ev.Kind != filewatch.KindWrite {
			return
		}
		fn, err := function.Load(ev.Path, cfg.Runtimes)
		if err != nil {
			logger.Warn("ignoring invalid manifest", "path", ev.Path, "error", err)
			return
		}
		if _, ok := registry.Get(fn.ID); ok {
			return
		}
		if err := registry.Add(fn); err != nil {
			logger.Warn("ignoring manifest", "path", ev.Path, "error", err)
			return
		}
		if err := disp.RegisterFunction(fn); err != nil {
			logger.Error("failed to register function", "function", fn.Name, "error", err)
		}
	}
}
