package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/diabetactic/diabetactic-go"
	"github.com/spf13/cobra"
)

var conflictRetryNow bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued offline writes against the gateway",
	Long: `Log in and drain the sync queue. Writes for the same record are replayed
in the order they were made; writes that keep failing become conflicts.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show sync queue statistics",
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve writes that stopped retrying",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed queue entries",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var conflictsRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Requeue a failed entry with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsRetry,
}

var conflictsDismissCmd = &cobra.Command{
	Use:   "dismiss <entry-id>",
	Short: "Drop a failed entry and discard the unsynced local change",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsDismiss,
}

func init() {
	conflictsRetryCmd.Flags().BoolVar(&conflictRetryNow, "now", false, "Sync immediately after requeueing")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsRetryCmd, conflictsDismissCmd)
	rootCmd.AddCommand(syncCmd, queueCmd, conflictsCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		return syncAndReport(ctx, cmd, c)
	})
}

func syncAndReport(ctx context.Context, cmd *cobra.Command, c *diabetactic.Client) error {
	err := runWithSpinner(cmd.ErrOrStderr(), "Syncing", func() error {
		return c.SyncNow(ctx)
	})
	if err != nil {
		return err
	}
	st, err := c.SyncStatus(ctx)
	if err != nil {
		return err
	}
	return outputSyncStatus(cmd, st)
}

func runQueue(cmd *cobra.Command, args []string) error {
	return withClient(cmd, false, func(ctx context.Context, c *diabetactic.Client) error {
		stats, err := c.QueueStats(ctx)
		if err != nil {
			return err
		}
		return outputQueueStats(cmd, stats)
	})
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, false, func(ctx context.Context, c *diabetactic.Client) error {
		entries, err := c.Conflicts(ctx)
		if err != nil {
			return err
		}
		return outputConflicts(cmd, entries)
	})
}

func parseEntryID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entry id %q", s)
	}
	return id, nil
}

func runConflictsRetry(cmd *cobra.Command, args []string) error {
	id, err := parseEntryID(args[0])
	if err != nil {
		return err
	}
	return withClient(cmd, conflictRetryNow, func(ctx context.Context, c *diabetactic.Client) error {
		if err := c.RetryConflict(ctx, id); err != nil {
			return err
		}
		if conflictRetryNow {
			return syncAndReport(ctx, cmd, c)
		}
		if outputJSON {
			return outputAsJSON(cmd, map[string]int64{"requeued": id})
		}
		printSuccess(cmd.OutOrStdout(), "Requeued entry %d", id)
		return nil
	})
}

func runConflictsDismiss(cmd *cobra.Command, args []string) error {
	id, err := parseEntryID(args[0])
	if err != nil {
		return err
	}
	return withClient(cmd, false, func(ctx context.Context, c *diabetactic.Client) error {
		if err := c.DismissConflict(ctx, id); err != nil {
			return err
		}
		if outputJSON {
			return outputAsJSON(cmd, map[string]int64{"dismissed": id})
		}
		printSuccess(cmd.OutOrStdout(), "Dismissed entry %d", id)
		return nil
	})
}
