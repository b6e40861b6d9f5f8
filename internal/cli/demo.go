package cli

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/harness"
	"github.com/roach88/offsync/internal/record"
)

//go:embed demo.yaml
var demoScenario []byte

// DemoView is the demo run as shown to the user.
type DemoView struct {
	Scenario    string               `json:"scenario"`
	Description string               `json:"description"`
	Pass        bool                 `json:"pass"`
	Trace       []harness.TraceEvent `json:"trace"`
	Errors      []string             `json:"errors,omitempty"`
}

// RenderText prints one line per step with the snapshot ids and queue depth.
func (v DemoView) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%s: %s\n\n", v.Scenario, v.Description)
	for _, ev := range v.Trace {
		link := "online"
		if !ev.Online {
			link = "offline"
		}
		step := ev.Action
		if ev.ID != "" {
			step += " " + ev.ID
		}
		fmt.Fprintf(w, "  [%d] %-12s %-7s ids=[%s] queue=%d\n",
			ev.Step, step, link, strings.Join(snapshotIDs(ev.Snapshot), " "), len(ev.Queue))
		if ev.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", ev.Error)
		}
	}
	fmt.Fprintln(w)
	if v.Pass {
		fmt.Fprintln(w, "✓ Demo completed")
		return
	}
	for _, e := range v.Errors {
		fmt.Fprintf(w, "✗ %s\n", e)
	}
}

func snapshotIDs(s record.Snapshot) []string {
	ids := make([]string, 0, len(s))
	for _, id := range s.IDs(record.DefaultIDField) {
		ids = append(ids, string(id))
	}
	return ids
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Walk through an offline edit and reconnect",
		Long: `Run a built-in scenario against an in-memory backend: fetch, go
offline, edit and insert, reconnect. Each step prints the snapshot and the
queue depth it left behind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(rootOpts, cmd)
		},
	}
}

func runDemo(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	scenario, err := harness.ParseScenario(demoScenario)
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "invalid demo scenario", err).withErrCode(ErrCodeScenario))
	}
	result, err := harness.Run(cmd.Context(), scenario)
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "demo failed", err).withErrCode(ErrCodeScenario))
	}

	view := DemoView{
		Scenario:    scenario.Name,
		Description: scenario.Description,
		Pass:        result.Pass,
		Trace:       result.Trace,
		Errors:      result.Errors,
	}
	if err := f.Success(view); err != nil {
		return err
	}
	if !result.Pass {
		return NewExitError(ExitFailure, "demo expectations failed").withErrCode(ErrCodeScenario)
	}
	return nil
}
