// Package config loads the engine's YAML configuration using
// github.com/goccy/go-yaml: load, validate eagerly, fail fast on malformed
// or unknown values.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the engine's root configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Toc       TocConfig       `yaml:"toc"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Teleport  TeleportConfig  `yaml:"teleport"`
	Topics    TopicsConfig    `yaml:"topics"`
	Agent     AgentConfig     `yaml:"agent"`
}

type StorageConfig struct {
	Path              string `yaml:"path"`
	WriteBufferMB     int    `yaml:"write_buffer_mb"`
	MaxBackgroundJobs int    `yaml:"max_background_jobs"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

type TocConfig struct {
	SegmentMinTokens int `yaml:"segment_min_tokens"`
	SegmentMaxTokens int `yaml:"segment_max_tokens"`
	TimeGapMinutes   int `yaml:"time_gap_minutes"`
	OverlapTokens    int `yaml:"overlap_tokens"`
	OverlapMinutes   int `yaml:"overlap_minutes"`
}

type SummarizerConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	APIEndpoint string  `yaml:"api_endpoint,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
}

// CronJobConfig configures one scheduled job's cron, timezone, and jitter.
type CronJobConfig struct {
	Cron       string `yaml:"cron"`
	Timezone   string `yaml:"timezone,omitempty"`
	JitterSecs int    `yaml:"jitter_secs,omitempty"`
}

type SchedulerConfig struct {
	Rollup CronJobConfig `yaml:"rollup"`
}

type Bm25Config struct {
	Enabled           bool   `yaml:"enabled"`
	Path              string `yaml:"path"`
	MemoryBudgetMB    int    `yaml:"memory_budget_mb"`
	CommitIntervalSecs int   `yaml:"commit_interval_secs"`
}

type HnswConfig struct {
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

type EmbeddingConfig struct {
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type VectorLifecycleConfig struct {
	SegmentRetentionDays int `yaml:"segment_retention_days"`
	DayRetentionDays     int `yaml:"day_retention_days"`
	WeekRetentionDays    int `yaml:"week_retention_days"`
}

type VectorConfig struct {
	Enabled   bool                  `yaml:"enabled"`
	Embedding EmbeddingConfig       `yaml:"embedding"`
	Hnsw      HnswConfig            `yaml:"hnsw"`
	Lifecycle VectorLifecycleConfig `yaml:"lifecycle"`
}

type TeleportConfig struct {
	Bm25   Bm25Config   `yaml:"bm25"`
	Vector VectorConfig `yaml:"vector"`
}

type TopicsExtractionConfig struct {
	Cron              string  `yaml:"cron"`
	MinClusterSize    int     `yaml:"min_cluster_size"`
	MinSimilarity     float64 `yaml:"min_similarity"`
}

type TopicsImportanceConfig struct {
	HalfLifeDays int `yaml:"half_life_days"`
}

type TopicsLifecycleConfig struct {
	PruneInactiveDays int     `yaml:"prune_inactive_days"`
	PruneScoreThreshold float64 `yaml:"prune_score_threshold"`
}

type TopicsConfig struct {
	Enabled    bool                   `yaml:"enabled"`
	Extraction TopicsExtractionConfig `yaml:"extraction"`
	Importance TopicsImportanceConfig `yaml:"importance"`
	Lifecycle  TopicsLifecycleConfig  `yaml:"lifecycle"`
}

// AgentMode selects whether agent activity is aggregated or kept distinct.
type AgentMode string

const (
	AgentModeUnified AgentMode = "unified"
	AgentModeSeparate AgentMode = "separate"
)

type AgentConfig struct {
	Mode AgentMode `yaml:"mode"`
}

// Default returns a Config populated with the engine's documented defaults.
func Default() Config {
	return Config{
		Storage: StorageConfig{Path: "./data", WriteBufferMB: 64, MaxBackgroundJobs: 2},
		Server:  ServerConfig{Host: "127.0.0.1", Port: 7420, TimeoutSecs: 30},
		Toc: TocConfig{
			SegmentMinTokens: 0,
			SegmentMaxTokens: 4096,
			TimeGapMinutes:   30,
			OverlapTokens:    500,
			OverlapMinutes:   5,
		},
		Summarizer: SummarizerConfig{Provider: "stub", MaxTokens: 1024, Temperature: 0.2},
		Scheduler: SchedulerConfig{
			Rollup: CronJobConfig{Cron: "0 0 * * * *", Timezone: "Local", JitterSecs: 30},
		},
		Teleport: TeleportConfig{
			Bm25:   Bm25Config{Enabled: true, Path: "./data/bm25_index", MemoryBudgetMB: 256, CommitIntervalSecs: 5},
			Vector: VectorConfig{
				Enabled:   true,
				Embedding: EmbeddingConfig{Model: "stub", Dimension: 384},
				Hnsw:      HnswConfig{M: 16, EfConstruction: 200, EfSearch: 50},
				Lifecycle: VectorLifecycleConfig{SegmentRetentionDays: 30, DayRetentionDays: 180, WeekRetentionDays: 365 * 5},
			},
		},
		Topics: TopicsConfig{
			Enabled: true,
			Extraction: TopicsExtractionConfig{Cron: "0 0 4 * * *", MinClusterSize: 3, MinSimilarity: 0.75},
			Importance: TopicsImportanceConfig{HalfLifeDays: 30},
			Lifecycle:  TopicsLifecycleConfig{PruneInactiveDays: 180, PruneScoreThreshold: 0.1},
		},
		Agent: AgentConfig{Mode: AgentModeUnified},
	}
}

// Load reads and validates YAML configuration from path, starting from
// Default() so unset keys keep their documented defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate fails fast on malformed or out-of-range values.
func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Toc.SegmentMaxTokens <= 0 {
		return fmt.Errorf("toc.segment_max_tokens must be positive")
	}
	if c.Agent.Mode != AgentModeUnified && c.Agent.Mode != AgentModeSeparate {
		return fmt.Errorf("agent.mode must be %q or %q, got %q", AgentModeUnified, AgentModeSeparate, c.Agent.Mode)
	}
	if c.Teleport.Vector.Enabled && c.Teleport.Vector.Embedding.Dimension <= 0 {
		return fmt.Errorf("teleport.vector.embedding.dimension must be positive when vector is enabled")
	}
	return nil
}
