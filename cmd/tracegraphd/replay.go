package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild the graph from the ledger",
	Long: `Drop the graph and the similarity index, reset the
consolidation cursor and replay every ledger event from position one.
The ledger is the source of truth; the graph is disposable.`,
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	a.logger.Info("replaying ledger into a fresh graph")
	n, err := a.worker.Rebuild(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("replay complete", zap.Int("events", n))
	return nil
}
