package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/queue"
)

// DrainView summarises a drain cycle.
type DrainView struct {
	queue.DrainResult
	Halted string `json:"halted,omitempty"`
}

// RenderText prints the counts and the halting error, if any.
func (v DrainView) RenderText(w io.Writer) {
	if v.Skipped {
		fmt.Fprintf(w, "Drain already in progress; %d mutation(s) pending.\n", v.Remaining)
		return
	}
	fmt.Fprintf(w, "Replayed %d mutation(s), %d remaining.\n", v.Replayed, v.Remaining)
	if v.Halted != "" {
		fmt.Fprintf(w, "Halted: %s\n", v.Halted)
	}
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations against the backend",
		Long: `Replay every queued mutation against the configured backend, in the
order they were made. The cycle stops at the first failure and leaves that
mutation and everything after it queued.

Exit codes:
  0 - Queue drained
  1 - Drain halted on a failed mutation
  2 - Command error (bad config, store unavailable)

Example:
  offsync drain --config ./offsync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(rootOpts, cmd)
		},
	}
	return cmd
}

func runDrain(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(err)
	}
	e, err := openEngine(cfg)
	if err != nil {
		return f.Fail(err)
	}
	defer closeEngine(e)

	res, err := e.Drain(cmd.Context())
	view := DrainView{DrainResult: res}
	if err != nil {
		view.Halted = err.Error()
		if outErr := f.Success(view); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "drain halted", err).withErrCode(ErrCodeSyncFailed)
	}
	return f.Success(view)
}
