package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/runboard/internal/action"
)

var actionKinds = []action.Kind{
	action.KindSuccess,
	action.KindFailed,
	action.KindClear,
	action.KindQueue,
}

var actionShort = map[action.Kind]string{
	action.KindSuccess: "Mark a run succeeded",
	action.KindFailed:  "Mark a run failed",
	action.KindClear:   "Clear a run so it executes again",
	action.KindQueue:   "Re-queue a run",
}

// ActionOptions holds flags for the action commands.
type ActionOptions struct {
	*RootOptions
	RunID     string
	Confirmed bool
	Params    map[string]string
	NoWait    bool
}

// NewActionCommand creates the command applying kind to one run.
func NewActionCommand(rootOpts *RootOptions, kind action.Kind) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   kind.String(),
		Short: actionShort[kind],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), opts, kind, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run to act on (required)")
	cmd.Flags().BoolVar(&opts.Confirmed, "confirmed", false, "send confirmed=true")
	cmd.Flags().StringToStringVar(&opts.Params, "param", nil, "extra form parameter key=value")
	cmd.Flags().BoolVar(&opts.NoWait, "no-wait", false, "do not wait for the refreshed run state")
	_ = cmd.MarkFlagRequired("run-id")

	return cmd
}

func runAction(ctx context.Context, opts *ActionOptions, kind action.Kind, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, opts.RootOptions, errOut)
	if err != nil {
		return err
	}
	defer a.Close()

	run := action.RunIdentity{DagID: opts.DagID, RunID: opts.RunID}
	if err := a.client.ForRun(run).Apply(ctx, kind, opts.Confirmed, opts.Params); err != nil {
		fmt.Fprintf(errOut, "%s %s failed: %s\n", kind, run, describeFailure(err))
		return err
	}

	fmt.Fprintf(out, "%s %s: ok\n", kind, run)
	if opts.NoWait {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.config.Refresh.Interval+a.config.Refresh.FetchTimeout)
	defer cancel()

	data, err := a.waitFresh(waitCtx)
	if err != nil {
		a.logger.Warn("refreshed run state not available", "error", err)
		return nil
	}

	printRun(out, data, opts.RunID)
	return nil
}

// describeFailure renders an action error for the user
func describeFailure(err error) string {
	var rejection *action.ServerRejection
	var transport *action.TransportError
	var malformed *action.ResponseError

	switch {
	case errors.As(err, &rejection):
		if rejection.Truncated {
			return fmt.Sprintf("server returned %d: %s...", rejection.StatusCode, rejection.Message)
		}
		if rejection.Message != "" {
			return fmt.Sprintf("server returned %d: %s", rejection.StatusCode, rejection.Message)
		}
		return fmt.Sprintf("server returned %d", rejection.StatusCode)
	case errors.As(err, &transport):
		return fmt.Sprintf("could not reach server: %v", transport.Err)
	case errors.As(err, &malformed):
		return fmt.Sprintf("unreadable response: %v", malformed.Err)
	case errors.Is(err, action.ErrInFlight):
		return "the same action is already running for this run"
	default:
		return err.Error()
	}
}
