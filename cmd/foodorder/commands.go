package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orderflow/internal/app"
	"orderflow/internal/restore"
	"orderflow/internal/snapshot"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the consumer and reconciler",
		Long: `Run the HTTP API. Unless disabled in the config, the same process
also consumes order events into the ranking and reconciles orders whose
event was not published.

Examples:
  foodorder serve
  foodorder serve --config foodorder.yaml
  FOODORDER_RANKING_BACKEND=redis FOODORDER_CONSUMER_CHECKPOINT_STORE=pebble foodorder serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				return a.Serve(cmd.Context())
			})
		},
	}
	cmd.Flags().String("http.addr", ":3000", "listen address")
	return cmd
}

func newConsumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume order events into the ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				return a.Consume(cmd.Context())
			})
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Republish orders stuck in received",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				if !once {
					return a.Reconciler.Run(cmd.Context(), a.Config.Reconcile.Interval)
				}
				st, err := a.Reconciler.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d republished=%d gave_up=%d pending=%d\n",
					st.Scanned, st.Republished, st.GaveUp, st.Pending)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func newRebuildCommand(opts *rootOptions) *cobra.Command {
	var takeSnapshot bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Drop the ranking and replay the whole event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				start := time.Now()
				n, err := a.Group.Replay(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events in %s\n", n, time.Since(start).Round(time.Millisecond))
				if !takeSnapshot {
					return nil
				}
				s, err := snapshot.Take(cmd.Context(), a.Group, a.Snapshots, a.Manifest, time.Now())
				if err != nil {
					return err
				}
				a.Logger.Info("snapshot written", zap.String("snapshot_id", s.ID))
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s offsets=%v\n", s.ID, s.Offsets)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&takeSnapshot, "snapshot", false, "write a snapshot and manifest after the replay")
	return cmd
}

func newRestoreCommand(opts *rootOptions) *cobra.Command {
	var snapshotID string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the ranking from a snapshot and replay the log tail",
		Long: `Load the snapshot named by the latest manifest (or --snapshot) into the
ranking, seed the consumer checkpoints from it and replay every event
after the cut. Without a manifest the whole log is replayed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				ctx := cmd.Context()
				r := a.Restorer()
				var (
					res restore.RestoreResult
					err error
				)
				if snapshotID == "" {
					res, err = r.RestoreAndReplay(ctx, a.Group)
				} else if res, err = r.RestoreFromSnapshot(ctx, snapshotID, a.Group.Partitions()); err == nil {
					res.Replayed, err = a.Group.Drain(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot=%q items=%d replayed=%d offsets=%v\n",
					res.SnapshotID, res.Items, res.Replayed, res.Offsets)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot id to restore instead of the manifest's")
	return cmd
}

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Catch the ranking up with the log and write a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				ctx := cmd.Context()
				if _, err := a.Restorer().RestoreAndReplay(ctx, a.Group); err != nil {
					return err
				}
				s, err := snapshot.Take(ctx, a.Group, a.Snapshots, a.Manifest, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s items=%d offsets=%v\n", s.ID, len(s.Scores), s.Offsets)
				return nil
			})
		},
	}
}
