package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tocmemory/engine/pkg/bm25"
	"github.com/tocmemory/engine/pkg/cli"
	"github.com/tocmemory/engine/pkg/config"
	"github.com/tocmemory/engine/pkg/embed"
	"github.com/tocmemory/engine/pkg/grip"
	"github.com/tocmemory/engine/pkg/kv"
	"github.com/tocmemory/engine/pkg/outbox"
	"github.com/tocmemory/engine/pkg/retrieval"
	"github.com/tocmemory/engine/pkg/scheduler"
	"github.com/tocmemory/engine/pkg/segmenter"
	"github.com/tocmemory/engine/pkg/service"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/summarizer"
	"github.com/tocmemory/engine/pkg/toc"
	"github.com/tocmemory/engine/pkg/topics"
	"github.com/tocmemory/engine/pkg/types"
	"github.com/tocmemory/engine/pkg/vecstore"
	"github.com/tocmemory/engine/pkg/vectorindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memory engine: ingestion, indexing, and the scheduler",
	RunE:  runEngine,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// resolveConfig loads YAML config from --config; if unset, it falls back
// to the per-user config file location (~/.tocmemory/tocmemoryd/config.yaml)
// if one exists there, and otherwise to the documented defaults.
func resolveConfig() (config.Config, error) {
	path := flagConfigPath
	if path == "" {
		if paths, err := cli.NewPaths("tocmemoryd"); err == nil {
			if _, statErr := os.Stat(paths.ConfigFile()); statErr == nil {
				path = paths.ConfigFile()
			}
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	logger := slog.Default()

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	svc, sched, closeFn, err := wireEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wire engine: %w", err)
	}
	defer closeFn()
	_ = svc // the service facade is the in-process API surface; a future
	// transport (RPC/HTTP) would be mounted here without touching the
	// domain wiring below. Its background work is already driven by the
	// scheduler jobs registered in wireEngine.

	sched.Start()
	logger.Info("tocmemoryd running", "storage", cfg.Storage.Path)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown did not complete cleanly", "error", err)
	}
	return nil
}

// wireEngine constructs every domain package from cfg and assembles the
// service facade and scheduler. The returned close function releases the
// underlying storage handle.
func wireEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*service.Service, *scheduler.Scheduler, func(), error) {
	badgerStore, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.Storage.Path})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	store := storage.New(badgerStore)

	summ := summarizer.Stub{}
	builder := toc.NewBuilder(store, summ, summ)
	expander := grip.NewExpander(store)

	var bmIdx *bm25.Index
	if cfg.Teleport.Bm25.Enabled {
		bmIdx, err = bm25.Open(store, cfg.Teleport.Bm25.Path)
		if err != nil {
			badgerStore.Close()
			return nil, nil, nil, fmt.Errorf("open bm25 index: %w", err)
		}
	}

	var vecIdx *vectorindex.Index
	var embedder embed.Embedder
	if cfg.Teleport.Vector.Enabled {
		embedder = embed.NewStub(cfg.Teleport.Vector.Embedding.Dimension)
		ann := vecstore.NewHNSW(vecstore.HNSWConfig{
			Dim:            cfg.Teleport.Vector.Embedding.Dimension,
			M:              cfg.Teleport.Vector.Hnsw.M,
			EfConstruction: cfg.Teleport.Vector.Hnsw.EfConstruction,
			EfSearch:       cfg.Teleport.Vector.Hnsw.EfSearch,
		})
		fingerprint := fmt.Sprintf("%s/%d", cfg.Teleport.Vector.Embedding.Model, cfg.Teleport.Vector.Embedding.Dimension)
		vecIdx = vectorindex.New(store, ann, embedder, fingerprint)
		if err := vecIdx.CheckFingerprint(ctx); err != nil {
			logger.Warn("vector index fingerprint mismatch, rebuilding", "error", err)
			if err := vecIdx.Rebuild(ctx); err != nil {
				badgerStore.Close()
				return nil, nil, nil, fmt.Errorf("rebuild vector index: %w", err)
			}
		}
	}

	var topicExtractor *topics.Extractor
	if cfg.Topics.Enabled && embedder != nil {
		topicExtractor = topics.NewExtractor(store, embedder)
		topicExtractor.Summarizer = summ
	}

	router := &retrieval.Router{
		Store:    store,
		BmIdx:    bmIdx,
		VecIdx:   vecIdx,
		Embedder: embedder,
		Caps: func() retrieval.Capabilities {
			return retrieval.Capabilities{
				Topics: topicExtractor != nil,
				Vector: vecIdx != nil,
				Bm25:   bmIdx != nil,
				Toc:    true,
			}
		},
	}

	svc := &service.Service{
		Store: store, Builder: builder, Expander: expander,
		BmIdx: bmIdx, VecIdx: vecIdx, Router: router, Topics: topicExtractor,
		Embedder: embedder, AgentMode: cfg.Agent.Mode,
	}

	segPolicy := segmenter.Policy{
		TimeGap:        time.Duration(cfg.Toc.TimeGapMinutes) * time.Minute,
		TokenThreshold: cfg.Toc.SegmentMaxTokens,
		OverlapTime:    time.Duration(cfg.Toc.OverlapMinutes) * time.Minute,
		OverlapTokens:  cfg.Toc.OverlapTokens,
	}

	// jobRunners maps scheduler.DefaultJobSet entry names to the Run
	// function that services them. A name with no entry here (because the
	// backing feature is disabled) is simply left unregistered below.
	jobRunners := map[string]scheduler.JobFunc{
		"segment_ingest": func(ctx context.Context) error {
			_, err := builder.RunSegmentation(ctx, segPolicy, time.Now())
			return err
		},
		"rollup_day": func(ctx context.Context) error {
			_, err := builder.RollupLevel(ctx, types.LevelDay, time.Now())
			return err
		},
		"rollup_week": func(ctx context.Context) error {
			_, err := builder.RollupLevel(ctx, types.LevelWeek, time.Now())
			return err
		},
		"rollup_month": func(ctx context.Context) error {
			_, err := builder.RollupLevel(ctx, types.LevelMonth, time.Now())
			return err
		},
		"rollup_year": func(ctx context.Context) error {
			_, err := builder.RollupLevel(ctx, types.LevelYear, time.Now())
			return err
		},
	}
	if bmIdx != nil {
		consumer := outbox.NewConsumer(store, bmIdx)
		jobRunners["index_bm25"] = func(ctx context.Context) error { _, err := consumer.RunOnce(ctx); return err }
		jobRunners["bm25_prune"] = func(ctx context.Context) error {
			for _, level := range types.AllLevels {
				if _, err := bmIdx.Prune(ctx, 0, level, false); err != nil {
					return err
				}
			}
			return nil
		}
	}
	if vecIdx != nil {
		consumer := outbox.NewConsumer(store, vecIdx)
		jobRunners["index_vector"] = func(ctx context.Context) error { _, err := consumer.RunOnce(ctx); return err }
		jobRunners["vector_prune"] = func(ctx context.Context) error {
			for _, level := range types.AllLevels {
				if _, err := vecIdx.Prune(ctx, level, 0, false); err != nil {
					return err
				}
			}
			return nil
		}
	}
	if topicExtractor != nil {
		jobRunners["topic_extraction"] = func(ctx context.Context) error {
			_, err := topicExtractor.Extract(ctx, time.Now())
			return err
		}
		jobRunners["topic_lifecycle"] = func(ctx context.Context) error {
			if err := topicExtractor.UpdateImportance(ctx, time.Now()); err != nil {
				return err
			}
			if err := topicExtractor.BuildRelationships(ctx); err != nil {
				return err
			}
			_, err := topicExtractor.Lifecycle(ctx, time.Now())
			return err
		}
	}

	sched := scheduler.New(logger)
	for _, spec := range scheduler.DefaultJobSet {
		run, ok := jobRunners[spec.Name]
		if !ok {
			continue
		}
		spec.Run = run
		if spec.Name == "topic_extraction" && cfg.Topics.Extraction.Cron != "" {
			spec.CronExpr = cfg.Topics.Extraction.Cron
		}
		switch spec.Name {
		case "rollup_day", "rollup_week", "rollup_month", "rollup_year":
			// cfg.Scheduler.Rollup carries the timezone and jitter that apply
			// uniformly to every rollup level; each level keeps its own
			// DefaultJobSet cadence (day hourly, week daily, month weekly,
			// year monthly).
			spec.Timezone = cfg.Scheduler.Rollup.Timezone
			spec.JitterSecs = cfg.Scheduler.Rollup.JitterSecs
		}
		if err := sched.Register(spec); err != nil {
			badgerStore.Close()
			return nil, nil, nil, fmt.Errorf("register %s job: %w", spec.Name, err)
		}
	}

	closeFn := func() {
		if bmIdx != nil {
			bmIdx.Close()
		}
		badgerStore.Close()
	}
	return svc, sched, closeFn, nil
}
