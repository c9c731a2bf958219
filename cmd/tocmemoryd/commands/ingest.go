package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tocmemory/engine/pkg/service"
	"github.com/tocmemory/engine/pkg/types"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest newline-delimited JSON events from stdin (dev/debug)",
	Long: `ingest reads one JSON-encoded event per line from stdin and stores it
directly, bypassing any RPC transport. Intended for local testing and
backfills, not production traffic.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

// ingestLine is the on-the-wire shape accepted on stdin; it mirrors
// service.IngestEventRequest but with JSON tags for manual editing.
type ingestLine struct {
	EventID     string         `json:"event_id"`
	SessionID   string         `json:"session_id"`
	TimestampMs int64          `json:"timestamp_ms"`
	Kind        types.EventKind `json:"kind"`
	Agent       string         `json:"agent"`
	Text        string         `json:"text"`
	ToolName    string         `json:"tool_name"`
	ToolInput   map[string]any `json:"tool_input"`
	Metadata    map[string]any `json:"metadata"`
}

func runIngest(cmd *cobra.Command, args []string) error {
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

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in ingestLine
		if err := json.Unmarshal(line, &in); err != nil {
			return fmt.Errorf("parse line %d: %w", count+1, err)
		}
		_, err := svc.IngestEvent(ctx, service.IngestEventRequest{
			EventID: in.EventID, SessionID: in.SessionID, TimestampMs: in.TimestampMs,
			Kind: in.Kind, Agent: in.Agent, Text: in.Text, ToolName: in.ToolName,
			ToolInput: in.ToolInput, Metadata: in.Metadata,
		})
		if err != nil {
			return fmt.Errorf("ingest line %d: %w", count+1, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	logger.Info("ingest complete", "events", count)
	return nil
}
