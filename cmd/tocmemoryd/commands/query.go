package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tocmemory/engine/pkg/cli"
	"github.com/tocmemory/engine/pkg/retrieval"
	"github.com/tocmemory/engine/pkg/types"
)

var (
	flagQueryFile   string
	flagQueryFormat string
)

// queryRequest is the on-disk (YAML/JSON) shape accepted by `query -f`.
type queryRequest struct {
	Query       string  `yaml:"query" json:"query"`
	AgentFilter string  `yaml:"agent_filter,omitempty" json:"agent_filter,omitempty"`
	FromMs      *int64  `yaml:"from_ms,omitempty" json:"from_ms,omitempty"`
	ToMs        *int64  `yaml:"to_ms,omitempty" json:"to_ms,omitempty"`
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Route a query through the retrieval fallback chain and print the result",
	Long: `query loads a request from -f (YAML or JSON, see cli.LoadRequest) describing
a search query and optional time-range hint, runs it through the same
fallback chain RPC clients would hit (retrieval.Router.RouteQuery), and
prints the typed result with explainability.`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&flagQueryFile, "file", "f", "", "path to a YAML/JSON query request (required)")
	queryCmd.Flags().StringVar(&flagQueryFormat, "output", "yaml", "output format: yaml, json")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	if flagQueryFile == "" {
		return fmt.Errorf("flag -f is required")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})))
	logger := slog.Default()

	var req queryRequest
	if err := cli.LoadRequest(flagQueryFile, &req); err != nil {
		return err
	}
	if req.Query == "" {
		return fmt.Errorf("request is missing a query field")
	}

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

	var hints retrieval.Hints
	hints.AgentFilter = req.AgentFilter
	if req.FromMs != nil && req.ToMs != nil {
		hints.TimeRange = &types.TimeRange{StartMs: *req.FromMs, EndMs: *req.ToMs}
	}

	result, err := svc.RouteQuery(ctx, req.Query, hints)
	if err != nil {
		return err
	}

	format := cli.FormatYAML
	if flagQueryFormat == "json" {
		format = cli.FormatJSON
	}
	return cli.Output(result, cli.OutputOptions{Format: format})
}
