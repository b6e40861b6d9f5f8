package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/record"
)

// SnapshotView is a resource's records as the client sees them.
type SnapshotView struct {
	Resource string          `json:"resource"`
	Stale    bool            `json:"stale"`
	Online   bool            `json:"online"`
	Records  record.Snapshot `json:"records"`
}

// RenderText prints a header and one JSON line per record.
func (v SnapshotView) RenderText(w io.Writer) {
	note := ""
	if v.Stale {
		note = " (cached, may be stale)"
	}
	fmt.Fprintf(w, "%s: %d record(s)%s\n", v.Resource, len(v.Records), note)
	for _, r := range v.Records {
		data, err := record.Snapshot{r}.Encode()
		if err != nil {
			continue
		}
		// Strip the enclosing brackets of the one-element list.
		fmt.Fprintf(w, "  %s\n", data[1:len(data)-1])
	}
}

// NewCacheCommand creates the cache command.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache <resource>",
		Short: "Print the cached snapshot of a resource",
		Long: `Print the last snapshot fetched for a resource, straight from the local
store. No network access is made.

Example:
  offsync cache weight_logs --db ./offsync.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCache(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runCache(opts *RootOptions, resource string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return f.Fail(err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	data, ok, err := store.Get(cmd.Context(), kv.CacheKey(resource))
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "failed to read cache", err).withErrCode(ErrCodeStore))
	}
	if !ok {
		return f.Fail(NewExitError(ExitFailure,
			fmt.Sprintf("no cached snapshot for %s", resource)).withErrCode(ErrCodeNotFound))
	}

	rows, err := record.DecodeSnapshot(data)
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "cached snapshot is corrupt", err).withErrCode(ErrCodeStore))
	}
	return f.Success(SnapshotView{Resource: resource, Stale: true, Records: rows})
}
