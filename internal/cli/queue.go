package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/queue"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Resource string
}

// QueueView lists pending mutations in replay order.
type QueueView struct {
	Pending []queue.Mutation `json:"pending"`
}

// RenderText prints one line per mutation.
func (v QueueView) RenderText(w io.Writer) {
	if len(v.Pending) == 0 {
		fmt.Fprintln(w, "No pending mutations.")
		return
	}
	fmt.Fprintf(w, "%d pending mutation(s):\n", len(v.Pending))
	for _, m := range v.Pending {
		payload, _ := json.Marshal(m.Payload)
		target := m.Resource
		if m.RecordID != "" {
			target += "/" + string(m.RecordID)
		}
		fmt.Fprintf(w, "  #%d %-6s %s %s\n", m.Seq, m.Op, target, payload)
	}
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending offline mutations",
		Long: `List the mutations waiting in the durable queue, oldest first.

Example:
  offsync queue --db ./offsync.db
  offsync queue --resource weight_logs --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Resource, "resource", "r", "", "only show mutations for this resource")

	return cmd
}

func runQueue(opts *QueueOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts.RootOptions)
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

	q, err := queue.Open(cmd.Context(), store)
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "failed to load queue", err).withErrCode(ErrCodeStore))
	}

	view := QueueView{Pending: q.List()}
	if opts.Resource != "" {
		view.Pending = q.ListResource(opts.Resource)
	}
	if view.Pending == nil {
		view.Pending = []queue.Mutation{}
	}
	return f.Success(view)
}
