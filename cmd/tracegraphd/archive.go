package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	archiveOlderThan time.Duration
	archiveCutoff    string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive old ledger events",
	Long: `Move events that occurred before a cutoff out of the hot
range. Positions of retained events are unaffected and archived events
no longer appear in reads or replays.

Examples:

  # Archive everything older than 90 days
  tracegraphd archive --older-than 2160h

  # Archive everything before an absolute time
  tracegraphd archive --cutoff 2026-01-01T00:00:00Z`,
	RunE: runArchive,
}

func init() {
	archiveCmd.Flags().DurationVar(&archiveOlderThan, "older-than", 0, "archive events older than this duration")
	archiveCmd.Flags().StringVar(&archiveCutoff, "cutoff", "", "archive events that occurred before this RFC3339 time")
}

func runArchive(cmd *cobra.Command, args []string) error {
	var cutoff time.Time
	switch {
	case archiveCutoff != "":
		t, err := time.Parse(time.RFC3339, archiveCutoff)
		if err != nil {
			return fmt.Errorf("parsing --cutoff: %w", err)
		}
		cutoff = t
	case archiveOlderThan > 0:
		cutoff = time.Now().Add(-archiveOlderThan)
	default:
		return fmt.Errorf("one of --older-than or --cutoff is required")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	n, err := a.ledger.ArchiveBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.logger.Info("archive complete", zap.Int("archived", n), zap.Time("cutoff", cutoff))
	return nil
}
