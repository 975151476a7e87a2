package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/herdctl/herdctl/internal/config"
	"github.com/herdctl/herdctl/internal/fleet"
	"github.com/herdctl/herdctl/internal/metrics"
	"github.com/herdctl/herdctl/internal/runtime"
)

// reloadDebounce coalesces the burst of filesystem events an editor save
// produces into one reload.
const reloadDebounce = 250 * time.Millisecond

var agentCommand = struct {
	Command string
	Args    []string
}{Command: "claude", Args: []string{"-p", "--output-format", "stream-json"}}

func init() {
	if cmd := os.Getenv("HERDCTL_AGENT_COMMAND"); cmd != "" {
		parts := strings.Fields(cmd)
		agentCommand.Command = parts[0]
		agentCommand.Args = parts[1:]
	}
}

func runFleet(ctx context.Context, opts *rootOptions) error {
	logger, err := buildLogger(opts.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	mets := metrics.New()
	mgr := fleet.New(fleet.Options{
		ConfigPath: opts.ConfigPath,
		StateDir:   opts.StateDir,
		Runtime:    runtime.NewSubprocess(agentCommand.Command, agentCommand.Args, logger),
		Logger:     logger,
		Metrics:    mets,
	})

	if err := mgr.Initialize(); err != nil {
		return fmt.Errorf("initializing fleet: %w", err)
	}
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("starting fleet: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.MetricsAddr != "" {
		go serveMetrics(ctx, opts.MetricsAddr, mets, logger)
	}
	if opts.WatchConfig {
		watcher, err := watchConfig(ctx, opts.ConfigPath, mgr, logger)
		if err != nil {
			logger.Warn("config watching unavailable", zap.Error(err))
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	return mgr.Stop(fleet.StopOptions{
		WaitForJobs:     true,
		Timeout:         fleet.DefaultStopTimeout,
		CancelOnTimeout: true,
		CancelTimeout:   fleet.DefaultCancelTimeout,
	})
}

func validateConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	schedules := 0
	for _, agent := range cfg.Agents {
		schedules += len(agent.Schedules)
	}
	fmt.Printf("%s: OK (%d agent(s), %d schedule(s))\n", path, len(cfg.Agents), schedules)
	return nil
}

// buildLogger resolves the log level from the flag, then HERDCTL_LOG_LEVEL,
// then DEBUG, and builds a production logger at that level.
func buildLogger(flagLevel string) (*zap.Logger, error) {
	level := flagLevel
	if level == "" {
		level = os.Getenv("HERDCTL_LOG_LEVEL")
	}
	if level == "" {
		if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
			level = "debug"
		}
	}
	if level == "" {
		level = "info"
	}

	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	if parsed == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}

func serveMetrics(ctx context.Context, addr string, mets *metrics.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mets.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", zap.Error(err))
	}
}

// watchConfig reloads the fleet when the configuration file changes. The
// watch covers the parent directory: editors replace the file rather than
// writing it in place, which drops inode-level watches.
func watchConfig(ctx context.Context, path string, mgr *fleet.Manager, logger *zap.Logger) (*fsnotify.Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := mgr.Reload(); err != nil {
						logger.Warn("config reload failed", zap.Error(err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher", zap.Error(err))
			}
		}
	}()
	return watcher, nil
}
