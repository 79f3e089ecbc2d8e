package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/runboard/internal/db"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	RunID string
	Limit int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled actions for a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run to list (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of records")
	_ = cmd.MarkFlagRequired("run-id")

	return cmd
}

func runHistory(opts *HistoryOptions, out io.Writer) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled {
		return fmt.Errorf("journal is disabled")
	}

	database, err := db.OpenWithConfig(cfg.Journal.Database)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer database.Close()

	recs, err := database.ListActionRecords(opts.DagID, opts.RunID, opts.Limit)
	if err != nil {
		return fmt.Errorf("failed to list actions: %w", err)
	}

	printHistory(out, recs)
	return nil
}

func printHistory(out io.Writer, recs []db.ActionRecord) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tCONFIRMED\tOUTCOME\tSTATUS\tDURATION\tMESSAGE")
	for _, rec := range recs {
		msg := ""
		if rec.Message != nil {
			msg = *rec.Message
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%s\t%s\n",
			rec.StartedAt.Format(time.RFC3339),
			rec.Kind,
			rec.Confirmed,
			rec.Outcome,
			rec.StatusCode,
			rec.Duration.Round(time.Millisecond),
			msg)
	}
	w.Flush()
}
