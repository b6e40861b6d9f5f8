package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/resource"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [resource...]",
		Short: "Keep resources in sync until interrupted",
		Long: `Open resource stores, follow their change feeds and probe the backend
link. Going back online drains the queue. Snapshot and status changes are
logged to stderr.

With no arguments every resource in the config file is watched.

Example:
  offsync watch --config ./offsync.yaml
  offsync watch weight_logs --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runWatch(opts *RootOptions, names []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(err)
	}
	if len(names) == 0 {
		for _, r := range cfg.Resources {
			names = append(names, r.Name)
		}
	}
	if len(names) == 0 {
		return f.Fail(NewExitError(ExitCommandError, "no resources to watch").withErrCode(ErrCodeConfig))
	}

	e, err := openEngine(cfg)
	if err != nil {
		return f.Fail(err)
	}
	defer closeEngine(e)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	unsubscribe := e.Monitor().Subscribe(func(s connectivity.Status) {
		slog.Info("status", "online", s.Online, "syncing", s.Syncing, "last_sync", s.LastSync)
	})
	defer unsubscribe()

	probeLink(ctx, cfg, e)

	for _, name := range names {
		s, err := e.Resource(ctx, name, cfg.Resource(name).Query())
		if s == nil {
			return f.Fail(WrapExitError(ExitFailure, "failed to open resource", err).withErrCode(ErrCodeSyncFailed))
		}
		if err != nil {
			slog.Warn("initial fetch failed", "resource", name, "error", err)
		}
		unwatch := s.Watch(logState(name))
		defer unwatch()
	}

	if addr := cfg.ProbeAddr(); addr != "" {
		go connectivity.WatchLink(ctx, e.Monitor(),
			connectivity.DialProbe(addr, cfg.Backend.Timeout), cfg.ProbeInterval)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %d resource(s). Press Ctrl-C to stop.\n", len(names))
	<-ctx.Done()

	if err := context.Cause(ctx); err != nil && err != context.Canceled {
		slog.Info("watch stopped", "cause", err)
	}
	return nil
}

func logState(name string) func(resource.State) {
	return func(st resource.State) {
		if st.Loading {
			return
		}
		attrs := []any{"resource", name, "records", len(st.Data), "stale", st.Stale}
		if st.Err != nil {
			attrs = append(attrs, "error", st.Err)
		}
		slog.Info("snapshot", attrs...)
	}
}
