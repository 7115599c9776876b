// Package main is the taskdriver entry point. One binary serves the MCP
// transport (the default), serves the REST API, or runs a one-shot CLI
// command, all against the same command registry and storage backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/cli"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/tracing"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/httpapi"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/mcpserver"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/reaper"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/session"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/provider"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.New(cli.Options{
		Version:   version,
		Provide:   provideDeps,
		RunServer: runServer,
	})

	err := root.ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	if interrupted {
		os.Exit(130)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// provideDeps backs one-shot CLI commands. Logging is cut down to errors
// so command output stays clean; debug level opts back in.
func provideDeps(ctx context.Context, configPath string) (*command.Deps, func() error, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, err
	}

	level := "error"
	if cfg.Logging.Level == "debug" {
		level = "debug"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     cfg.Logging.Format(),
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, err
	}

	return buildDeps(ctx, cfg, log)
}

// runServer runs the long-lived surfaces for the resolved mode until the
// signal context is cancelled.
func runServer(ctx context.Context, configPath, mode string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}
	if mode == "" {
		mode = cfg.Server.Mode
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format(),
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)
	tracing.SetServiceVersion(version)

	log.Info("Starting taskdriver",
		zap.String("version", version),
		zap.String("mode", mode),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("events", cfg.Events.Provider))

	deps, cleanup, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Error("cleanup failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	switch mode {
	case "rpc":
		err = runRPC(ctx, cfg, deps, log)
	case "http":
		err = runHTTP(ctx, cfg, deps, log)
	case "cli":
		return fmt.Errorf("cli mode needs a subcommand; run taskdriver --help")
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}

	log.Info("taskdriver stopped")
	return nil
}

// buildDeps constructs the storage backend, event bus, and services. The
// returned cleanup tears them down in reverse order.
func buildDeps(ctx context.Context, cfg *config.Config, log *logger.Logger) (*command.Deps, func() error, error) {
	store, storeCleanup, err := provider.Provide(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	providedBus, busCleanup, err := events.Provide(cfg.Events, log)
	if err != nil {
		_ = storeCleanup()
		return nil, nil, err
	}

	recorder := events.NewActivityRecorder(events.DefaultActivitySize)
	if err := recorder.Attach(providedBus.Bus); err != nil {
		_ = busCleanup()
		_ = storeCleanup()
		return nil, nil, err
	}

	tasks := service.NewService(store, providedBus.Bus, log, cfg.Defaults)
	tasks.SetActivityRecorder(recorder)
	sessions := session.NewService(store, cfg.Session, log)

	deps := &command.Deps{
		Tasks:       tasks,
		Sessions:    sessions,
		Store:       store,
		Logger:      log,
		Version:     version,
		StorageName: cfg.Storage.Provider,
	}

	cleanup := func() error {
		recorder.Detach()
		busErr := busCleanup()
		storeErr := storeCleanup()
		if busErr != nil {
			return busErr
		}
		return storeErr
	}
	return deps, cleanup, nil
}

// runRPC serves MCP on stdio or http per the configured transport, with
// the lease reaper alongside. On stdio, stdin closing shuts the whole
// process down.
func runRPC(ctx context.Context, cfg *config.Config, deps *command.Deps, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	sweep := reaper.New(deps.Tasks, deps.Sessions, cfg.Defaults.ReaperInterval(), log)
	g.Go(func() error { return sweep.Run(ctx) })

	srv := mcpserver.New(mcpserver.FromServerConfig(cfg.Server), deps)
	if cfg.Server.RPCTransport == "stdio" {
		g.Go(func() error {
			defer cancel()
			return srv.ServeStdio(ctx)
		})
	} else {
		if err := srv.Start(ctx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			return srv.Stop(stopCtx)
		})
		log.Info("MCP endpoints ready",
			zap.String("sse", srv.SSEEndpoint()),
			zap.String("streamable_http", srv.StreamableHTTPEndpoint()))
	}

	return ignoreCanceled(g.Wait())
}

// runHTTP serves the REST API with the lease reaper alongside.
func runHTTP(ctx context.Context, cfg *config.Config, deps *command.Deps, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	sweep := reaper.New(deps.Tasks, deps.Sessions, cfg.Defaults.ReaperInterval(), log)
	g.Go(func() error { return sweep.Run(ctx) })

	srv := httpapi.New(cfg, deps)
	if err := srv.Start(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		return srv.Stop(stopCtx)
	})
	log.Info("REST API ready",
		zap.Int("port", srv.Port()),
		zap.Bool("auth", cfg.Session.EnableAuth),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled))

	return ignoreCanceled(g.Wait())
}

// ignoreCanceled filters the error a normal shutdown produces.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
