// Package config defines the configuration of the nl2sql engine. No I/O or
// parsing logic lives here, only plain data types and validation.
package config

import (
	"time"

	"github.com/turtacn/nl2sql-engine/internal/application/nl2sql"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/database/postgres"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/database/redis"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/storage/minio"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/onnxbackend"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// Scorer backends.
const (
	ScorerBackendGRPC = "grpc"
	ScorerBackendONNX = "onnx"
	ScorerBackendMock = "mock"
)

// ScorerConfig selects and configures the model backend.
type ScorerConfig struct {
	Backend     string        `mapstructure:"backend"` // "grpc" | "onnx" | "mock"
	GRPCAddress string        `mapstructure:"grpc_address"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// VocabPath is the character vocabulary shared by both encoders.
	VocabPath string             `mapstructure:"vocab_path"`
	ONNX      onnxbackend.Config `mapstructure:"onnx"`
}

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	// GRPCAddress, when set, also serves the scorer over gRPC.
	GRPCAddress string `mapstructure:"grpc_address"`
}

// RedisConfig enables the shared candidate store.
type RedisConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	redis.RedisConfig `mapstructure:",squash"`
}

// PostgresConfig enables the prediction repository.
type PostgresConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	postgres.PostgresConfig `mapstructure:",squash"`
}

// KafkaConfig enables publishing prediction records.
type KafkaConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	EnsureTopics         bool `mapstructure:"ensure_topics"`
	ReplicationFactor    int  `mapstructure:"replication_factor"`
	kafka.ProducerConfig `mapstructure:",squash"`
}

// MinIOConfig enables s3:// dataset and artifact URIs.
type MinIOConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	minio.MinIOConfig `mapstructure:",squash"`
}

// MetricsConfig exposes the prometheus registry.
type MetricsConfig struct {
	Enabled                    bool   `mapstructure:"enabled"`
	ListenAddress              string `mapstructure:"listen_address"`
	prometheus.CollectorConfig `mapstructure:",squash"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration. Every component reads its settings from
// the relevant sub-struct.
type Config struct {
	Log      logging.LogConfig `mapstructure:"log"`
	Pipeline nl2sql.Config     `mapstructure:"pipeline"`
	Scorer   ScorerConfig      `mapstructure:"scorer"`
	Redis    RedisConfig       `mapstructure:"redis"`
	Postgres PostgresConfig    `mapstructure:"postgres"`
	Kafka    KafkaConfig       `mapstructure:"kafka"`
	MinIO    MinIOConfig       `mapstructure:"minio"`
	Metrics  MetricsConfig     `mapstructure:"metrics"`
	Server   ServerConfig      `mapstructure:"server"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeValidation, "config: "+format, args...)
}

// Validate performs semantic validation of a defaulted Config and returns the
// first problem found.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return invalid("log.format %q is invalid; expected json|console", c.Log.Format)
	}

	p := c.Pipeline
	if p.MaxLen < 8 {
		return invalid("pipeline.max_len must be >= 8, got %d", p.MaxLen)
	}
	if p.PairMaxLen < 4 {
		return invalid("pipeline.pair_max_len must be >= 4, got %d", p.PairMaxLen)
	}
	if p.BatchSize < 1 || p.PairBatchSize < 1 {
		return invalid("pipeline batch sizes must be >= 1")
	}
	if p.Concurrency < 1 {
		return invalid("pipeline.concurrency must be >= 1, got %d", p.Concurrency)
	}
	if p.MergeThreshold <= 0 || p.MergeThreshold > 1 {
		return invalid("pipeline.merge_threshold %v is outside (0, 1]", p.MergeThreshold)
	}
	if p.NegSampleRatio < 0 {
		return invalid("pipeline.neg_sample_ratio must be >= 0, got %d", p.NegSampleRatio)
	}

	switch c.Scorer.Backend {
	case ScorerBackendGRPC:
		if c.Scorer.GRPCAddress == "" {
			return invalid("scorer.grpc_address is required for the grpc backend")
		}
	case ScorerBackendONNX:
		if c.Scorer.ONNX.StructureModelPath == "" || c.Scorer.ONNX.PairModelPath == "" {
			return invalid("scorer.onnx model paths are required for the onnx backend")
		}
		if c.Scorer.VocabPath == "" {
			return invalid("scorer.vocab_path is required for the onnx backend")
		}
	case ScorerBackendMock:
	default:
		return invalid("scorer.backend %q is invalid; expected grpc|onnx|mock", c.Scorer.Backend)
	}

	if c.Redis.Enabled {
		switch c.Redis.Mode {
		case "standalone":
			if c.Redis.Addr == "" {
				return invalid("redis.addr is required")
			}
		case "cluster":
			if len(c.Redis.ClusterAddrs) == 0 {
				return invalid("redis.cluster_addrs must contain at least one address")
			}
		default:
			return invalid("redis.mode %q is invalid; expected standalone|cluster", c.Redis.Mode)
		}
		if c.Redis.DB < 0 {
			return invalid("redis.db must be >= 0, got %d", c.Redis.DB)
		}
	}

	if c.Postgres.Enabled {
		if c.Postgres.Host == "" {
			return invalid("postgres.host is required")
		}
		if c.Postgres.Port < 1 || c.Postgres.Port > 65535 {
			return invalid("postgres.port %d is out of range [1, 65535]", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			return invalid("postgres.database is required")
		}
		if c.Postgres.Username == "" {
			return invalid("postgres.username is required")
		}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return invalid("kafka.brokers must contain at least one broker address")
	}

	if c.MinIO.Enabled && c.MinIO.Endpoint == "" {
		return invalid("minio.endpoint is required")
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return invalid("metrics.namespace is required")
	}

	if c.Server.Address == "" {
		return invalid("server.address is required")
	}
	return nil
}
