package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DagID      string
	Verbose    bool
}

// NewRootCommand creates the root command for the runboard CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "runboard",
		Short: "Apply run actions and watch pipeline runs",
		Long: `runboard marks pipeline runs succeeded or failed, clears or re-queues them,
and keeps the run tree of a DAG current while it is watched.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.DagID == "" {
				return fmt.Errorf("--dag-id is required")
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to configuration file (TOML)")
	cmd.PersistentFlags().StringVar(&opts.DagID, "dag-id", "", "DAG the run belongs to")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	for _, kind := range actionKinds {
		cmd.AddCommand(NewActionCommand(opts, kind))
	}
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}
