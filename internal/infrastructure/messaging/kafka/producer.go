package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

var (
	ErrProducerClosed = errors.New(errors.ErrCodeInternal, "producer closed")
)

// ProducerConfig holds configuration for the Producer.
type ProducerConfig struct {
	Brokers          []string      `mapstructure:"brokers"`
	Acks             string        `mapstructure:"acks"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	MaxMessageBytes  int           `mapstructure:"max_message_bytes"`
	CompressionCodec string        `mapstructure:"compression"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SASLEnabled      bool          `mapstructure:"sasl_enabled"`
	SASLMechanism    string        `mapstructure:"sasl_mechanism"`
	SASLUsername     string        `mapstructure:"sasl_username"`
	SASLPassword     string        `mapstructure:"sasl_password"`
	TLSEnabled       bool          `mapstructure:"tls_enabled"`
	TLSCertPath      string        `mapstructure:"tls_cert_path"`
}

// ProducerMetrics holds producer metrics.
type ProducerMetrics struct {
	MessagesSent   atomic.Int64
	MessagesFailed atomic.Int64
	BytesSent      atomic.Int64
	LastSentAt     atomic.Value // time.Time
}

// WriterInterface abstracts kafka.Writer for testing.
type WriterInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes prediction records, one message per query.
type Producer struct {
	writer  WriterInterface
	config  ProducerConfig
	logger  logging.Logger
	closed  atomic.Bool
	metrics *ProducerMetrics
}

func applyProducerDefaults(cfg *ProducerConfig) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 1024 * 1024
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
}

// NewProducer creates a Producer backed by a kafka.Writer.
func NewProducer(cfg ProducerConfig, logger logging.Logger) (*Producer, error) {
	if err := ValidateProducerConfig(cfg); err != nil {
		return nil, err
	}
	applyProducerDefaults(&cfg)

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	var requiredAcks kafka.RequiredAcks
	switch cfg.Acks {
	case "none":
		requiredAcks = kafka.RequireNone
	case "all":
		requiredAcks = kafka.RequireAll
	default:
		requiredAcks = kafka.RequireOne
	}

	var compression kafka.Compression
	switch cfg.CompressionCodec {
	case "gzip":
		compression = kafka.Gzip
	case "snappy":
		compression = kafka.Snappy
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxRetries + 1,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		BatchBytes:   int64(cfg.MaxMessageBytes),
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: requiredAcks,
		Compression:  compression,
		Transport:    transport,
	}
	return NewProducerFromWriter(writer, cfg, logger), nil
}

// NewProducerFromWriter wraps an existing writer.
func NewProducerFromWriter(w WriterInterface, cfg ProducerConfig, logger logging.Logger) *Producer {
	applyProducerDefaults(&cfg)
	return &Producer{
		writer:  w,
		config:  cfg,
		logger:  logging.OrNop(logger).Named("kafka"),
		metrics: &ProducerMetrics{},
	}
}

func newTransport(cfg ProducerConfig) (*kafka.Transport, error) {
	transport := &kafka.Transport{DialTimeout: 10 * time.Second}
	if cfg.TLSEnabled {
		caCert, err := os.ReadFile(cfg.TLSCertPath)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeValidation, "read CA %s", cfg.TLSCertPath)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.Newf(errors.ErrCodeValidation, "no certificates in %s", cfg.TLSCertPath)
		}
		transport.TLS = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	if cfg.SASLEnabled {
		var mech sasl.Mechanism
		var err error
		switch cfg.SASLMechanism {
		case "PLAIN":
			mech = plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}
		case "SCRAM-SHA-256":
			mech, err = scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
		case "SCRAM-SHA-512":
			mech, err = scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
		default:
			return nil, errors.Newf(errors.ErrCodeValidation, "unsupported SASL mechanism %q", cfg.SASLMechanism)
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create SASL mechanism")
		}
		transport.SASL = mech
	}
	return transport, nil
}

// Name implements the result sink contract.
func (p *Producer) Name() string { return "kafka" }

// WriteBatch publishes every record of batch as an enveloped event on the
// stage's topic, keyed by run and query id.
func (p *Producer) WriteBatch(ctx context.Context, batch *nl2sql.PredictionBatch) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	topic := TopicForStage(batch.Stage)
	msgs := make([]kafka.Message, 0, len(batch.Records))
	for i, rec := range batch.Records {
		env, err := NewEventEnvelope(EventPredictionRecord, RecordPayload{
			RunID: batch.RunID, Stage: batch.Stage, QueryID: i, Record: rec,
		})
		if err != nil {
			return err
		}
		msg, err := env.ToMessage(topic, recordKey(batch.RunID, i))
		if err != nil {
			return err
		}
		if len(msg.Value) > p.config.MaxMessageBytes {
			return errors.Newf(errors.ErrCodeValidation, "record %d is %d bytes, limit %d", i, len(msg.Value), p.config.MaxMessageBytes)
		}
		msgs = append(msgs, msg)
	}

	var failed int
	for start := 0; start < len(msgs); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(msgs))
		failed += p.write(ctx, msgs[start:end])
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	p.logger.Info("Batch published",
		logging.String("topic", topic),
		logging.String("run_id", batch.RunID),
		logging.Int("succeeded", len(msgs)-failed),
		logging.Int("failed", failed))
	if failed > 0 {
		return errors.Newf(errors.ErrCodeExternalService, "%d of %d records not published to %s", failed, len(msgs), topic)
	}
	return nil
}

// write sends one chunk and returns how many messages failed.
func (p *Producer) write(ctx context.Context, msgs []kafka.Message) int {
	err := p.writer.WriteMessages(ctx, msgs...)
	failed := 0
	if err != nil {
		var writeErrs kafka.WriteErrors
		if stderrors.As(err, &writeErrs) {
			failed = writeErrs.Count()
		} else {
			failed = len(msgs)
		}
		p.logger.Warn("Publish failed", logging.Err(err), logging.Int("failed", failed))
	}

	var bytes int64
	for i := range msgs {
		bytes += int64(len(msgs[i].Value))
	}
	p.metrics.MessagesSent.Add(int64(len(msgs) - failed))
	p.metrics.MessagesFailed.Add(int64(failed))
	if failed < len(msgs) {
		p.metrics.BytesSent.Add(bytes)
		p.metrics.LastSentAt.Store(time.Now())
	}
	return failed
}

// GetMetrics returns metrics snapshot.
func (p *Producer) GetMetrics() (sent, failed, bytes int64) {
	return p.metrics.MessagesSent.Load(), p.metrics.MessagesFailed.Load(), p.metrics.BytesSent.Load()
}

// Close closes the producer.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.writer.Close()
	p.logger.Info("Kafka producer closed", logging.Int64("sent", p.metrics.MessagesSent.Load()))
	return err
}

// ValidateProducerConfig validates configuration.
func ValidateProducerConfig(cfg ProducerConfig) error {
	if len(cfg.Brokers) == 0 {
		return errors.New(errors.ErrCodeValidation, "Brokers required")
	}
	if cfg.MaxRetries < 0 {
		return errors.New(errors.ErrCodeValidation, "MaxRetries must be >= 0")
	}
	if cfg.SASLEnabled && (cfg.SASLUsername == "" || cfg.SASLPassword == "") {
		return errors.New(errors.ErrCodeValidation, "SASL credentials required")
	}
	if cfg.TLSEnabled && cfg.TLSCertPath == "" {
		return errors.New(errors.ErrCodeValidation, "TLSCertPath required")
	}
	return nil
}
