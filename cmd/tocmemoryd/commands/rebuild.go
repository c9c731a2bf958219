package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tocmemory/engine/pkg/cli"
)

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the BM25 and vector indexes from storage",
	Long: `rebuild-index discards the current BM25 and vector index contents and
reinserts every TOC node and grip currently in storage. Use this after a
model fingerprint mismatch, index corruption, or a schema change.`,
	RunE: runRebuildIndex,
}

func init() {
	rootCmd.AddCommand(rebuildIndexCmd)
}

func runRebuildIndex(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	logger := slog.Default()

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, sched, closeFn, err := wireEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wire engine: %w", err)
	}
	defer closeFn()
	_ = sched

	if svc.BmIdx != nil {
		start := time.Now()
		if err := svc.BmIdx.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild bm25 index: %w", err)
		}
		logger.Info("bm25 index rebuilt", "elapsed", cli.FormatDuration(int(time.Since(start).Milliseconds())))
	}
	if svc.VecIdx != nil {
		start := time.Now()
		if err := svc.VecIdx.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild vector index: %w", err)
		}
		logger.Info("vector index rebuilt", "elapsed", cli.FormatDuration(int(time.Since(start).Milliseconds())))
	}
	return nil
}
