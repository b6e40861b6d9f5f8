package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/remote/httpremote"
)

// loadConfig reads --config and applies --db.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err).withErrCode(ErrCodeConfig)
	}
	if opts.DB != "" {
		cfg.DB = opts.DB
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (kv.Store, error) {
	slog.Debug("opening local store", "driver", cfg.KVDriver, "path", cfg.DB)
	store, err := cfg.OpenStore()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err).withErrCode(ErrCodeStore)
	}
	return store, nil
}

// openEngine wires the configured store, HTTP backend and schemas into an
// engine. Feed connection drops and recoveries are fed to the engine's
// monitor as link signals.
func openEngine(cfg *config.Config) (*engine.Engine, error) {
	if cfg.Backend.URL == "" {
		return nil, NewExitError(ExitCommandError, "backend.url is not configured").withErrCode(ErrCodeNoBackend)
	}

	v, err := cfg.Validator()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid schema", err).withErrCode(ErrCodeConfig)
	}

	logger := slog.Default()
	monitor := connectivity.New(connectivity.WithLogger(logger))
	client, err := httpremote.New(cfg.Backend.URL,
		httpremote.WithTimeout(cfg.Backend.Timeout),
		httpremote.WithLogger(logger),
		httpremote.WithLinkObserver(func(online bool) {
			if err := monitor.SetLink(context.Background(), online); err != nil {
				logger.Warn("sync after reconnect failed", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid backend", err).withErrCode(ErrCodeConfig)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithMonitor(monitor),
		engine.WithIDField(cfg.IDField),
		engine.WithLogger(logger),
	}
	if v != nil {
		opts = append(opts, engine.WithChecker(v))
	}
	return engine.New(store, client, opts...), nil
}

// probeLink dials the backend once and records the result as the
// initial link state. Without a probe address the link is assumed up.
func probeLink(ctx context.Context, cfg *config.Config, e *engine.Engine) {
	addr := cfg.ProbeAddr()
	if addr == "" {
		return
	}
	err := connectivity.DialProbe(addr, cfg.Backend.Timeout)(ctx)
	if err != nil {
		slog.Info("backend unreachable, working offline", "addr", addr, "error", err)
	}
	if serr := e.SetOnline(ctx, err == nil); serr != nil {
		slog.Warn("sync after reconnect failed", "error", serr)
	}
}

func closeEngine(e *engine.Engine) {
	if err := e.Close(); err != nil {
		slog.Error("error closing engine", "error", err)
	}
}
