// Package cmd defines the upload-progress command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/config"
	"github.com/JakeFAU/upload-progress/internal/progress"
	"github.com/JakeFAU/upload-progress/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the part of server.App the commands use. Tests inject a fake.
type App interface {
	RunServer(ctx context.Context) error
	RunWorkers(ctx context.Context) error
	Submit(ctx context.Context, queue, payload string) (string, error)
	Subscribe(ctx context.Context, jobID string) (*progress.Subscription, error)
	Close(ctx context.Context) error
	QueueBackend() string
	Logger() *zap.Logger
}

var _ App = (*server.App)(nil)

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "upload-progress",
		Short: "Queue upload jobs and follow their progress.",
		Long: `upload-progress runs upload jobs on named queues and records each job's
progress so clients can follow it until the job succeeds or fails.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newEnqueueCmd(), newWatchCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// execute runs root and closes the application built for the executed
// command, including when the command fails.
func execute(root *cobra.Command) error {
	executed, err := root.ExecuteC()
	if executed != nil {
		closeApp(executed.Context())
	}
	return err
}

func closeApp(ctx context.Context) {
	if ctx == nil {
		return
	}
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return
	}
	if err := appInstance.Close(context.Background()); err != nil {
		appInstance.Logger().Warn("close application failed", zap.Error(err))
	}
}

// Execute is the main entry point.
func Execute() {
	if err := execute(newRootCmd()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
