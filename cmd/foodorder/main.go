package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"orderflow/internal/app"
	"orderflow/internal/config"
	"orderflow/internal/logging"
)

// rootOptions holds state shared by every subcommand.
type rootOptions struct {
	configFile string
	v          *viper.Viper
	cfg        config.Config
	logger     *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New()}
	cmd := &cobra.Command{
		Use:           "foodorder",
		Short:         "Food order ingestion service",
		Long:          "Accepts food orders over HTTP, stores them, publishes order events and keeps a ranking of popular items.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(opts.v, opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logging.New(cfg.LogLevel)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().String("log_level", "info", "log level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newConsumeCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newRebuildCommand(opts))
	cmd.AddCommand(newRestoreCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	return cmd
}

// withApp opens the configured backends for the duration of run.
func (o *rootOptions) withApp(run func(a *app.App) error) error {
	a, err := app.New(o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			o.logger.Warn("close backends", zap.Error(err))
		}
	}()
	return run(a)
}
