package config

import (
	"time"

	"github.com/turtacn/nl2sql-engine/internal/application/nl2sql"
)

// ─────────────────────────────────────────────────────────────────────────────
// Default value constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultScorerBackend = ScorerBackendGRPC
	DefaultScorerAddress = "localhost:50051"
	DefaultScorerTimeout = 30 * time.Second

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "nl2sql:"

	DefaultPostgresHost = "localhost"
	DefaultPostgresPort = 5432
	DefaultPostgresDB   = "nl2sql"

	DefaultKafkaBroker = "localhost:9092"

	DefaultMinIOEndpoint = "localhost:9000"
	DefaultMinIOBucket   = "nl2sql-artifacts"

	DefaultMetricsNamespace = "nl2sql"
	DefaultMetricsAddress   = ":9090"

	DefaultServerAddress = ":8080"
)

// ApplyDefaults fills every zero-value field in cfg. Fields that are already
// set are left unchanged so explicit configuration always wins.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Log ───────────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	d := nl2sql.DefaultConfig()
	p := &cfg.Pipeline
	if p.MaxLen == 0 {
		p.MaxLen = d.MaxLen
	}
	if p.PairMaxLen == 0 {
		p.PairMaxLen = d.PairMaxLen
	}
	if p.BatchSize == 0 {
		p.BatchSize = d.BatchSize
	}
	if p.PairBatchSize == 0 {
		p.PairBatchSize = d.PairBatchSize
	}
	if p.Concurrency == 0 {
		p.Concurrency = d.Concurrency
	}
	if p.MergeThreshold == 0 {
		p.MergeThreshold = d.MergeThreshold
	}
	// NegSampleRatio and the boolean switches have meaningful zero values;
	// defaultsMap seeds them before unmarshalling instead.

	// ── Scorer ────────────────────────────────────────────────────────────────
	if cfg.Scorer.Backend == "" {
		cfg.Scorer.Backend = DefaultScorerBackend
	}
	if cfg.Scorer.Backend == ScorerBackendGRPC && cfg.Scorer.GRPCAddress == "" {
		cfg.Scorer.GRPCAddress = DefaultScorerAddress
	}
	if cfg.Scorer.Timeout == 0 {
		cfg.Scorer.Timeout = DefaultScorerTimeout
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	if cfg.Redis.Mode == "" {
		cfg.Redis.Mode = "standalone"
	}
	if cfg.Redis.Mode == "standalone" && cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	// ── Postgres ──────────────────────────────────────────────────────────────
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = DefaultPostgresHost
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = DefaultPostgresPort
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = DefaultPostgresDB
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}

	// ── Kafka ─────────────────────────────────────────────────────────────────
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{DefaultKafkaBroker}
	}
	if cfg.Kafka.ReplicationFactor == 0 {
		cfg.Kafka.ReplicationFactor = 1
	}

	// ── MinIO ─────────────────────────────────────────────────────────────────
	if cfg.MinIO.Endpoint == "" {
		cfg.MinIO.Endpoint = DefaultMinIOEndpoint
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = DefaultMinIOBucket
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = DefaultMetricsAddress
	}

	// ── Server ────────────────────────────────────────────────────────────────
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultServerAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = 4 << 20
	}
}

// defaultsMap seeds viper with values whose zero value is meaningful, so a
// file or env var can still switch them off.
func defaultsMap() map[string]interface{} {
	d := nl2sql.DefaultConfig()
	return map[string]interface{}{
		"pipeline.neg_sample_ratio": d.NegSampleRatio,
		"pipeline.lower_case":       d.LowerCase,
		"pipeline.share_candidates": d.ShareCandidates,
		"pipeline.shuffle_header":   d.ShuffleHeader,
		"pipeline.nfkc":             d.NFKC,
		"metrics.enabled":           true,
	}
}
