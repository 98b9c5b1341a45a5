package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/config"
)

// errInProcessQueue rejects enqueue against a memory queue, which no worker
// outside this process can drain.
var errInProcessQueue = errors.New("enqueue needs a shared queue backend (queue.backend=redis)")

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <queue> <payload>",
		Short: "Submit a job and print its id",
		Long: `Submits payload to the named queue and prints the job id. The queue must
be shared with running workers, so queue.backend has to be redis.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if appInstance.QueueBackend() == config.BackendMemory {
				return errInProcessQueue
			}
			jobID, err := appInstance.Submit(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			appInstance.Logger().Debug("job enqueued", zap.String("job_id", jobID), zap.String("queue", args[0]))
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
}
