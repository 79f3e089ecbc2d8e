package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/runboard/internal/refresh"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	RunID string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the run tree current and print changes",
		Long: `Start auto refresh for the DAG and print run states after every refresh.

The command exits on SIGINT/SIGTERM, or once no run is queued or running
when auto_pause is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "only print this run")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, out, errOut io.Writer) error {
	a, err := newApp(ctx, opts.RootOptions, errOut)
	if err != nil {
		return err
	}
	defer a.Close()

	a.coordinator.Resume()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	key := a.config.Actions.DatasetKey
	lastCommits := 0

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down gracefully")
			return nil

		case <-ticker.C:
			entry, ok := a.store.Get(key)
			if ok && !entry.Stale && entry.Commits != lastCommits {
				lastCommits = entry.Commits
				fmt.Fprintf(out, "-- refreshed %s\n", entry.FetchedAt.Format(time.RFC3339))
				if opts.RunID != "" {
					printRun(out, entry.Payload, opts.RunID)
				} else {
					printRuns(out, entry.Payload)
				}
			}

			if a.coordinator.State() == refresh.Idle {
				fmt.Fprintln(out, "no active runs, auto refresh paused")
				return nil
			}
		}
	}
}
