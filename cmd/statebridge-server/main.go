package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/statebridge-io/statebridge/internal/core/domain"
	"github.com/statebridge-io/statebridge/internal/infra/buildinfo"
	"github.com/statebridge-io/statebridge/internal/infra/confloader"
	"github.com/statebridge-io/statebridge/internal/infra/shutdown"
	"github.com/statebridge-io/statebridge/internal/server/config"
	"github.com/statebridge-io/statebridge/internal/server/redisserver"
	"github.com/statebridge-io/statebridge/internal/storage"
	"github.com/statebridge-io/statebridge/internal/telemetry/logger"
	"github.com/statebridge-io/statebridge/internal/telemetry/metric"
)

// Exit statuses for fatal startup errors. Supervisors key restart
// policy off these, so they stay stable.
const (
	exitConfigError = 2
	exitBindFailure = 3
)

func main() {
	app := &cli.App{
		Name:    "statebridge-server",
		Usage:   "Redis protocol bridge for the statebridge store",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "bind address, overrides server.addr from the config",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	loader := confloader.NewLoader(confloader.WithConfigFile(c.String("config")))
	if err := loader.Load(cfg); err != nil {
		return cli.Exit("config: "+err.Error(), exitConfigError)
	}
	if c.IsSet("listen") {
		cfg.Server.Addr = c.String("listen")
	}

	if err := config.Verify(cfg); err != nil {
		// Secure transport requests and every other config defect are
		// fatal before anything binds or opens.
		return cli.Exit("config: "+err.Error(), exitConfigError)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)

	log.Info("starting statebridge-server",
		"version", buildinfo.Get().Version,
		"addr", cfg.Server.Addr,
		"persist", cfg.Storage.Persist,
	)

	store, err := storage.NewMemStore(storage.Config{
		DataDir: cfg.Storage.DataDir,
		Persist: cfg.Storage.Persist,
		Logger:  log,
	})
	if err != nil {
		return cli.Exit("storage: "+err.Error(), 1)
	}

	metrics := metric.New()

	srv := redisserver.New(&redisserver.Config{
		Addr: cfg.Server.Addr,
		Prefixes: redisserver.Prefixes{
			States:     cfg.Namespaces.States,
			Sessions:   cfg.Namespaces.Sessions,
			Log:        cfg.Namespaces.Log,
			MessageBox: cfg.Namespaces.MessageBox,
		},
		RateLimit:       cfg.Server.RateLimit,
		EnhancedLogging: cfg.Log.Enhanced,
	}, store, metrics, log)

	store.SetNotifier(srv)

	if err := srv.Start(context.Background()); err != nil {
		_ = store.Close()
		if domain.IsDomainError(err, domain.ErrBindFailure.Code) {
			return cli.Exit("bind: "+err.Error(), exitBindFailure)
		}
		return cli.Exit(err.Error(), 1)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(metrics)}
		go func() {
			log.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	var watcher *confloader.Watcher
	if path := c.String("config"); path != "" {
		watcher, err = confloader.NewWatcher(confloader.WithWatcherLogger(log))
		if err != nil {
			log.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(func(changed string) {
				reloadLogLevel(path, log)
			})
			if err := watcher.Watch(path); err == nil {
				watcher.StartAsync()
			}
		}
	}

	sd := shutdown.NewHandler(15 * time.Second)
	sd.OnShutdown(func(ctx context.Context) error {
		// Storage last: connections drain first so in-flight commands
		// do not race the engine teardown.
		return store.Close()
	})
	sd.OnShutdown(func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
	if metricsSrv != nil {
		sd.OnShutdown(func(ctx context.Context) error {
			return metricsSrv.Shutdown(ctx)
		})
	}
	if watcher != nil {
		sd.OnShutdown(func(ctx context.Context) error {
			return watcher.Stop()
		})
	}

	if err := sd.Wait(); err != nil {
		log.Error("shutdown finished with error", "error", err)
		return cli.Exit("", 1)
	}
	log.Info("shutdown complete")
	return nil
}

func metricsMux(m *metric.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

// reloadLogLevel re-reads only log.level from the changed config file.
// Other settings need a restart.
func reloadLogLevel(path string, log *slog.Logger) {
	l := confloader.NewLoader(confloader.WithConfigFile(path))
	var cfg config.ServerConfig
	if err := l.Load(&cfg); err != nil {
		log.Warn("config reload failed", "error", err)
		return
	}
	if cfg.Log.Level != "" && cfg.Log.Level != logger.GetLevel() {
		logger.SetLevel(cfg.Log.Level)
		log.Info("log level changed", "level", cfg.Log.Level)
	}
}
