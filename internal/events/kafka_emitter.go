package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/statline-io/statline/internal/config"
)

// Emitter configuration defaults.
const (
	DefaultKafkaTopic   = "statline.runs"
	DefaultKafkaTimeout = 10 * time.Second
)

// ErrNoBrokers indicates the Kafka emitter was configured without brokers.
var ErrNoBrokers = errors.New("no kafka brokers configured")

type (
	// KafkaConfig holds broker settings for the Kafka emitter.
	KafkaConfig struct {
		Brokers      []string
		Topic        string
		WriteTimeout time.Duration
	}

	// KafkaEmitter publishes run events to a Kafka topic as JSON. Events for
	// the same target share a partition key so consumers see them in order.
	KafkaEmitter struct {
		writer *kafka.Writer
		logger *slog.Logger
	}
)

// Compile-time interface check.
var _ Emitter = (*KafkaEmitter)(nil)

// LoadKafkaConfig reads Kafka emitter settings from the environment.
// KAFKA_BROKERS is a comma-separated broker list; an empty list means the
// deployment runs without a broker and should use the log emitter instead.
func LoadKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("KAFKA_TOPIC", DefaultKafkaTopic),
		WriteTimeout: config.GetEnvDuration("KAFKA_WRITE_TIMEOUT", DefaultKafkaTimeout),
	}
}

// Enabled reports whether the configuration names at least one broker.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewKafkaEmitter creates a Kafka-backed event emitter.
func NewKafkaEmitter(cfg KafkaConfig) (*KafkaEmitter, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBrokers
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultKafkaTimeout
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaEmitter{
		writer: writer,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "kafka-emitter"),
	}, nil
}

// Emit publishes the event to Kafka. Broker failures are logged and dropped;
// event delivery is best-effort and never fails a run.
func (e *KafkaEmitter) Emit(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to encode event",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()))
		return
	}

	msg := kafka.Message{
		Key:   []byte(event.Target),
		Value: payload,
	}
	if event.Target == "" {
		// Run-level events key on the run so they stay ordered too.
		msg.Key = []byte(event.RunID)
	}

	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		e.logger.Error("Failed to publish event",
			slog.String("event_type", event.Type),
			slog.String("target", event.Target),
			slog.String("error", err.Error()))
	}
}

// Close flushes and closes the underlying Kafka writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}
