package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/remote/httpremote"
	"github.com/roach88/offsync/internal/remote/memremote"
	"github.com/roach88/offsync/internal/remote/sqlremote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
	Seed string
	Data string // SQLite file for served rows; in-memory when empty
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory backend over HTTP",
		Long: `Serve the HTTP and change-feed API from an in-memory backend, for local
development against the sync client. Payloads are validated against the
configured schemas. With --data the rows are kept in a SQLite file and
survive restarts; seeding a reopened file skips rows that already exist.

The seed file maps resource names to rows:

  weight_logs:
    - { id: 1, user_id: u1, weight: 80 }

Example:
  offsync serve --addr :8080 --seed ./seed.yaml
  offsync serve --data ./backend.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML file with initial rows")
	cmd.Flags().StringVar(&opts.Data, "data", "", "SQLite file for served rows (in-memory when empty)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(err)
	}
	backend, closeBackend, err := buildServeBackend(cmd.Context(), cfg, opts.Seed, opts.Data)
	if err != nil {
		return f.Fail(err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			slog.Error("error closing backend", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to listen", err))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, ln, backend, cmd)
}

// buildServeBackend creates the seeded backend, wrapped in schema
// validation when schemas are configured. The returned function releases
// it.
func buildServeBackend(ctx context.Context, cfg *config.Config, seedPath, dataPath string) (remote.Backend, func() error, error) {
	seed, err := readSeed(seedPath)
	if err != nil {
		return nil, nil, err
	}
	v, err := cfg.Validator()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid schema", err).withErrCode(ErrCodeConfig)
	}

	var (
		backend remote.Backend
		release = func() error { return nil }
	)
	if dataPath == "" {
		mem := memremote.New(memremote.WithIDField(cfg.IDField))
		for name, rows := range seed {
			mem.Seed(name, rows...)
		}
		backend = mem
	} else {
		db, err := sqlremote.Open(dataPath, sqlremote.WithIDField(cfg.IDField))
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to open backend data", err).withErrCode(ErrCodeStore)
		}
		for name, rows := range seed {
			if err := db.Seed(ctx, name, rows...); err != nil {
				_ = db.Close()
				return nil, nil, WrapExitError(ExitCommandError, "failed to seed backend data", err).withErrCode(ErrCodeStore)
			}
		}
		backend, release = db, db.Close
	}

	if v != nil {
		return v.Wrap(backend), release, nil
	}
	return backend, release, nil
}

// readSeed parses a seed file mapping resource names to rows.
func readSeed(path string) (map[string][]record.Record, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read seed file", err).withErrCode(ErrCodeNotFound)
	}
	var seed map[string][]record.Record
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to parse seed file", err).withErrCode(ErrCodeConfig)
	}
	return seed, nil
}

func serve(ctx context.Context, ln net.Listener, backend remote.Backend, cmd *cobra.Command) error {
	srv := &http.Server{
		Handler:           httpremote.NewHandler(backend, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("backend listening", "addr", ln.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s. Press Ctrl-C to stop.\n", ln.Addr())

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	slog.Info("backend stopped")
	return nil
}
