package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/upload-progress/internal/progress"
)

// errJobUnsuccessful is returned when a watched job ends in anything but success.
var errJobUnsuccessful = errors.New("job did not succeed")

func newWatchCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch <job_id>",
		Short: "Print a job's progress updates until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			sub, err := appInstance.Subscribe(ctx, args[0])
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Cancel()

			enc := json.NewEncoder(cmd.OutOrStdout())
			var last progress.Update
			for upd := range sub.Updates {
				if err := enc.Encode(upd); err != nil {
					return fmt.Errorf("write update: %w", err)
				}
				last = upd
			}
			switch {
			case last.Kind == progress.KindSucceeded:
				return nil
			case last.Terminal():
				return fmt.Errorf("%w: %s ended with %s", errJobUnsuccessful, args[0], last.Kind)
			case ctx.Err() != nil:
				return fmt.Errorf("watch %s: %w", args[0], ctx.Err())
			default:
				return fmt.Errorf("watch %s: stream closed early", args[0])
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop watching after this long (0 waits indefinitely)")
	return cmd
}
