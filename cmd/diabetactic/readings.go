package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diabetactic/diabetactic-go"
	"github.com/spf13/cobra"
)

var (
	readingLevel float64
	readingType  string
	readingNotes string
	readingAt    string
)

var readingsCmd = &cobra.Command{
	Use:     "readings",
	Aliases: []string{"glucose"},
	Short:   "Manage glucose readings",
}

var readingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached readings, refreshing from the gateway when online",
	Args:  cobra.NoArgs,
	RunE:  runReadingsList,
}

var readingsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent reading",
	Args:  cobra.NoArgs,
	RunE:  runReadingsLatest,
}

var readingsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a glucose reading",
	Long: `Record a glucose reading. It is uploaded right away when the gateway is
reachable and queued for the next sync otherwise.`,
	Example: `  diabetactic readings add --level 112 --type fasting
  diabetactic readings add --level 180 --type postprandial --notes "after lunch" --offline`,
	Args: cobra.NoArgs,
	RunE: runReadingsAdd,
}

var readingsUpdateCmd = &cobra.Command{
	Use:   "update <local-id>",
	Short: "Update a cached reading",
	Args:  cobra.ExactArgs(1),
	RunE:  runReadingsUpdate,
}

var readingsDeleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Delete a reading",
	Args:  cobra.ExactArgs(1),
	RunE:  runReadingsDelete,
}

func init() {
	for _, c := range []*cobra.Command{readingsAddCmd, readingsUpdateCmd} {
		c.Flags().Float64Var(&readingLevel, "level", 0, "Glucose level in mg/dL")
		c.Flags().StringVar(&readingType, "type", "", "Reading type (fasting, preprandial, postprandial, ...)")
		c.Flags().StringVar(&readingNotes, "notes", "", "Free-text notes")
		c.Flags().StringVar(&readingAt, "at", "", "Measurement time, RFC 3339 (default: now)")
	}
	readingsAddCmd.MarkFlagRequired("level")
	readingsAddCmd.MarkFlagRequired("type")

	readingsCmd.AddCommand(readingsListCmd, readingsLatestCmd, readingsAddCmd, readingsUpdateCmd, readingsDeleteCmd)
	rootCmd.AddCommand(readingsCmd)
}

// readingFromFlags builds a reading from the add/update flags. Without
// --at a new reading is stamped now and an updated one keeps its time.
func readingFromFlags(stampNow bool) (diabetactic.Reading, error) {
	r := diabetactic.Reading{
		GlucoseLevel: readingLevel,
		ReadingType:  readingType,
		Notes:        readingNotes,
	}
	if stampNow {
		r.CreatedAt = time.Now().UTC()
	}
	if readingAt != "" {
		t, err := time.Parse(time.RFC3339, readingAt)
		if err != nil {
			return r, fmt.Errorf("invalid --at: %w", err)
		}
		r.CreatedAt = t.UTC()
	}
	return r, nil
}

func runReadingsList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		readings, err := c.Readings(ctx)
		if err != nil {
			return err
		}
		return outputReadings(cmd, readings)
	})
}

func runReadingsLatest(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		r, err := c.LatestReading(ctx)
		if errors.Is(err, diabetactic.ErrNotFound) {
			if outputJSON {
				return outputAsJSON(cmd, nil)
			}
			printMuted(cmd.OutOrStdout(), "No readings.")
			return nil
		}
		if err != nil {
			return err
		}
		if outputJSON {
			return outputAsJSON(cmd, r)
		}
		out := cmd.OutOrStdout()
		printInfo(out, "%g mg/dL (%s)", r.GlucoseLevel, r.ReadingType)
		printField(out, "Taken", formatTime(r.CreatedAt))
		if r.Notes != "" {
			printField(out, "Notes", r.Notes)
		}
		return nil
	})
}

func runReadingsAdd(cmd *cobra.Command, args []string) error {
	r, err := readingFromFlags(true)
	if err != nil {
		return err
	}
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		rec, err := c.RecordReading(ctx, r)
		if err != nil {
			return err
		}
		return outputReading(cmd, "Recorded", rec)
	})
}

func runReadingsUpdate(cmd *cobra.Command, args []string) error {
	r, err := readingFromFlags(false)
	if err != nil {
		return err
	}
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		rec, err := c.UpdateReading(ctx, args[0], r)
		if err != nil {
			return err
		}
		return outputReading(cmd, "Updated", rec)
	})
}

func runReadingsDelete(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		if err := c.DeleteReading(ctx, args[0]); err != nil {
			return err
		}
		if outputJSON {
			return outputAsJSON(cmd, map[string]string{"deleted": args[0]})
		}
		printSuccess(cmd.OutOrStdout(), "Deleted reading %s", args[0])
		return nil
	})
}
