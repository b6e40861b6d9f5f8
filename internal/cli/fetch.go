package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/record"
)

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <resource>",
		Short: "Fetch a resource, falling back to the cache when offline",
		Long: `Fetch a resource through a resource store using the query configured
for it. When the backend is unreachable the cached snapshot is printed
instead and marked stale.

Exit codes:
  0 - Records printed (fresh or cached)
  1 - Fetch failed and no cache was available
  2 - Command error

Example:
  offsync fetch weight_logs --config ./offsync.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runFetch(opts *RootOptions, resource string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(err)
	}
	e, err := openEngine(cfg)
	if err != nil {
		return f.Fail(err)
	}
	defer closeEngine(e)

	probeLink(ctx, cfg, e)
	f.VerboseLog("link online: %t", e.Status().Online)

	s, err := e.Resource(ctx, resource, cfg.Resource(resource).Query())
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "fetch failed", err).withErrCode(ErrCodeSyncFailed))
	}

	st := s.State()
	records := st.Data
	if records == nil {
		records = record.Snapshot{}
	}
	return f.Success(SnapshotView{
		Resource: resource,
		Stale:    st.Stale,
		Online:   e.Status().Online,
		Records:  records,
	})
}
