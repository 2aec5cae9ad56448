package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mehmetymw/cdcfed/internal/types"
)

type SourceConfig struct {
	Type          string         `yaml:"type"`
	Postgres      PostgresSource `yaml:"postgres"`
	CheckpointDir string         `yaml:"checkpoint_dir"`
}

type PostgresSource struct {
	DSN               string `yaml:"dsn"`
	Slot              string `yaml:"slot"`
	Publication       string `yaml:"publication"`
	StartLSN          string `yaml:"start_lsn"`
	CreatePublication bool   `yaml:"create_publication"`
	CreateSlot        bool   `yaml:"create_slot"`
}

type KafkaLog struct {
	Brokers         []string `yaml:"brokers"`
	GroupPrefix     string   `yaml:"group_prefix"`
	ChangeTopic     string   `yaml:"change_topic"`
	VectorTopic     string   `yaml:"vector_topic"`
	GraphTopic      string   `yaml:"graph_topic"`
	KeywordTopic    string   `yaml:"keyword_topic"`
	DeadLetterTopic string   `yaml:"dead_letter_topic"`
}

type LogConfig struct {
	Type       string   `yaml:"type"`
	Partitions int      `yaml:"partitions"`
	Kafka      KafkaLog `yaml:"kafka"`
}

// SinkTopic returns the enriched topic a sink writer consumes.
func (l LogConfig) SinkTopic(kind types.SinkKind) string {
	switch kind {
	case types.SinkVector:
		return l.Kafka.VectorTopic
	case types.SinkGraph:
		return l.Kafka.GraphTopic
	case types.SinkKeyword:
		return l.Kafka.KeywordTopic
	}
	return ""
}

type EmbedConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	URL        string `yaml:"url"`
	Normalize  bool   `yaml:"normalize"`
	VectorSize int    `yaml:"vector_size"`
	CacheSize  int    `yaml:"cache_size"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type MilvusSink struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
	Metric     string `yaml:"metric"`
	IndexType  string `yaml:"index_type"`
}

type QdrantSink struct {
	Addr       string `yaml:"addr"`
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
	Distance   string `yaml:"distance"`
}

type VectorSink struct {
	Type   string     `yaml:"type"`
	Milvus MilvusSink `yaml:"milvus"`
	Qdrant QdrantSink `yaml:"qdrant"`
}

type SQLiteSink struct {
	Path string `yaml:"path"`
}

type SinksConfig struct {
	Vector  VectorSink `yaml:"vector"`
	Graph   SQLiteSink `yaml:"graph"`
	Keyword SQLiteSink `yaml:"keyword"`
}

// Enabled reports whether a store is configured for kind.
func (s SinksConfig) Enabled(kind types.SinkKind) bool {
	switch kind {
	case types.SinkVector:
		return s.Vector.Type != ""
	case types.SinkGraph:
		return s.Graph.Path != ""
	case types.SinkKeyword:
		return s.Keyword.Path != ""
	}
	return false
}

type GraphEdge struct {
	Column      string `yaml:"column"`
	TargetTable string `yaml:"target_table"`
	Type        string `yaml:"type"`
}

type GraphMapping struct {
	Label string      `yaml:"label"`
	Edges []GraphEdge `yaml:"edges"`
}

type Mapping struct {
	Table           string       `yaml:"table"`
	KeyColumns      []string     `yaml:"key_columns"`
	IDColumn        string       `yaml:"id_column"`
	TextColumns     []string     `yaml:"text_columns"`
	MetadataColumns []string     `yaml:"metadata_columns"`
	Sinks           []string     `yaml:"sinks"`
	Graph           GraphMapping `yaml:"graph"`
}

func (m Mapping) HasSink(kind types.SinkKind) bool {
	if len(m.Sinks) == 0 {
		return true
	}
	for _, s := range m.Sinks {
		if s == string(kind) {
			return true
		}
	}
	return false
}

type Batching struct {
	BatchSize          int `yaml:"batch_size"`
	FlushIntervalMs    int `yaml:"flush_interval_ms"`
	MaxAttempts        int `yaml:"max_attempts"`
	InitialBackoffMs   int `yaml:"initial_backoff_ms"`
	MaxBackoffMs       int `yaml:"max_backoff_ms"`
	LatencyThresholdMs int `yaml:"latency_threshold_ms"`
	MaxPauseMs         int `yaml:"max_pause_ms"`
	// ApplyTimeoutMs bounds one store write or enrichment attempt.
	ApplyTimeoutMs int `yaml:"apply_timeout_ms"`
	// DrainTimeoutMs bounds the batch in flight once shutdown begins.
	DrainTimeoutMs int `yaml:"drain_timeout_ms"`
}

func (b Batching) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalMs) * time.Millisecond
}

func (b Batching) ApplyTimeout() time.Duration {
	return time.Duration(b.ApplyTimeoutMs) * time.Millisecond
}

func (b Batching) DrainTimeout() time.Duration {
	return time.Duration(b.DrainTimeoutMs) * time.Millisecond
}

type ReconcileConfig struct {
	IntervalS  int    `yaml:"interval_s"`
	Partitions int    `yaml:"partitions"`
	Repair     bool   `yaml:"repair"`
	ReportPath string `yaml:"report_path"`
}

type QueryConfig struct {
	RRFK        float64 `yaml:"rrf_k"`
	DefaultTopK int     `yaml:"default_top_k"`
	MaxTopK     int     `yaml:"max_top_k"`
	DeadlineMs  int     `yaml:"deadline_ms"`
	HopLimit    int     `yaml:"hop_limit"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Log       LogConfig       `yaml:"log"`
	Embed     EmbedConfig     `yaml:"embed"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Mapping   []Mapping       `yaml:"mapping"`
	Batching  Batching        `yaml:"batching"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Query     QueryConfig     `yaml:"query"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// MappingFor looks a table mapping up by schema-qualified name.
func (c Config) MappingFor(table string) (Mapping, bool) {
	for _, m := range c.Mapping {
		if m.Table == table {
			return m, true
		}
	}
	return Mapping{}, false
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Type == "" {
		c.Source.Type = "postgres"
	}
	if c.Source.CheckpointDir == "" {
		c.Source.CheckpointDir = "./data/checkpoint"
	}

	if c.Log.Type == "" {
		c.Log.Type = "kafka"
	}
	if c.Log.Partitions <= 0 {
		c.Log.Partitions = 8
	}
	k := &c.Log.Kafka
	if k.GroupPrefix == "" {
		k.GroupPrefix = "cdcfed"
	}
	if k.ChangeTopic == "" {
		k.ChangeTopic = "cdcfed.changes"
	}
	if k.VectorTopic == "" {
		k.VectorTopic = "cdcfed.sink.vector"
	}
	if k.GraphTopic == "" {
		k.GraphTopic = "cdcfed.sink.graph"
	}
	if k.KeywordTopic == "" {
		k.KeywordTopic = "cdcfed.sink.keyword"
	}
	if k.DeadLetterTopic == "" {
		k.DeadLetterTopic = "cdcfed.dead-letter"
	}

	if c.Embed.VectorSize <= 0 {
		c.Embed.VectorSize = 768 // Default for most embedding models
	}
	if c.Embed.CacheSize <= 0 {
		c.Embed.CacheSize = 4096
	}
	if c.Embed.TimeoutMs <= 0 {
		c.Embed.TimeoutMs = 30000
	}

	for i := range c.Mapping {
		m := &c.Mapping[i]
		if len(m.KeyColumns) == 0 {
			if m.IDColumn != "" {
				m.KeyColumns = []string{m.IDColumn}
			} else {
				m.KeyColumns = []string{"id"}
			}
		}
		if m.Graph.Label == "" {
			m.Graph.Label = m.Table
		}
	}

	b := &c.Batching
	if b.BatchSize <= 0 {
		b.BatchSize = 64
	}
	if b.FlushIntervalMs <= 0 {
		b.FlushIntervalMs = 500
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 5
	}
	if b.InitialBackoffMs <= 0 {
		b.InitialBackoffMs = 200
	}
	if b.MaxBackoffMs <= 0 {
		b.MaxBackoffMs = 10000
	}
	if b.LatencyThresholdMs <= 0 {
		b.LatencyThresholdMs = 2000
	}
	if b.MaxPauseMs <= 0 {
		b.MaxPauseMs = 5000
	}
	if b.ApplyTimeoutMs <= 0 {
		b.ApplyTimeoutMs = 30000
	}
	if b.DrainTimeoutMs <= 0 {
		b.DrainTimeoutMs = 60000
	}

	if c.Reconcile.IntervalS <= 0 {
		c.Reconcile.IntervalS = 300
	}
	if c.Reconcile.Partitions <= 0 {
		c.Reconcile.Partitions = 16
	}
	if c.Reconcile.ReportPath == "" {
		c.Reconcile.ReportPath = "./data/reconcile/reports.jsonl"
	}

	if c.Query.RRFK <= 0 {
		c.Query.RRFK = 60
	}
	if c.Query.DefaultTopK <= 0 {
		c.Query.DefaultTopK = 10
	}
	if c.Query.MaxTopK <= 0 {
		c.Query.MaxTopK = 200
	}
	if c.Query.DeadlineMs <= 0 {
		c.Query.DeadlineMs = 1500
	}
	if c.Query.HopLimit <= 0 {
		c.Query.HopLimit = 2
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

func (c Config) Validate() error {
	switch c.Log.Type {
	case "kafka":
		if len(c.Log.Kafka.Brokers) == 0 {
			return errors.New("log.kafka.brokers is required for the kafka log")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown log type %q", c.Log.Type)
	}
	switch c.Sinks.Vector.Type {
	case "", "milvus", "qdrant":
	default:
		return fmt.Errorf("unknown vector sink type %q", c.Sinks.Vector.Type)
	}
	seen := make(map[string]bool)
	for _, m := range c.Mapping {
		if m.Table == "" {
			return errors.New("mapping entry without table")
		}
		if seen[m.Table] {
			return fmt.Errorf("duplicate mapping for %s", m.Table)
		}
		seen[m.Table] = true
		for _, s := range m.Sinks {
			switch types.SinkKind(s) {
			case types.SinkVector, types.SinkGraph, types.SinkKeyword:
			default:
				return fmt.Errorf("mapping %s: unknown sink %q", m.Table, s)
			}
		}
		edgeColumns := map[string]bool{}
		for _, e := range m.Graph.Edges {
			if e.Column == "" || e.TargetTable == "" {
				return fmt.Errorf("mapping %s: graph edge needs column and target_table", m.Table)
			}
			if edgeColumns[e.Column] {
				return fmt.Errorf("mapping %s: duplicate graph edge on column %s", m.Table, e.Column)
			}
			edgeColumns[e.Column] = true
		}
	}
	return nil
}
