package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultRetryInterval    = 100 * time.Millisecond
	defaultMaxRetryInterval = 5 * time.Second
	defaultMaxAttempts      = 5
)

// ErrPublishFailed is returned when a report could not be delivered to Kafka.
var ErrPublishFailed = errors.New("failed to publish unit report")

type (
	// messageWriter is the part of *kafka.Writer the reporter uses.
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// KafkaReporter publishes reports as JSON messages keyed by kind and language.
	KafkaReporter struct {
		writer           messageWriter
		logger           *slog.Logger
		retryInterval    time.Duration
		maxRetryInterval time.Duration
		maxAttempts      int
	}

	// KafkaOption configures a KafkaReporter.
	KafkaOption func(*KafkaReporter)
)

// WithKafkaLogger sets the logger used for retry warnings.
func WithKafkaLogger(logger *slog.Logger) KafkaOption {
	return func(k *KafkaReporter) {
		k.logger = logger
	}
}

// WithRetry sets the backoff applied to temporary write errors.
func WithRetry(interval, maxInterval time.Duration, attempts int) KafkaOption {
	return func(k *KafkaReporter) {
		k.retryInterval = interval
		k.maxRetryInterval = maxInterval
		k.maxAttempts = attempts
	}
}

// NewKafkaReporter writes to topic on brokers. The topic is created on first write when
// the cluster allows it.
func NewKafkaReporter(brokers []string, topic string, opts ...KafkaOption) *KafkaReporter {
	return newKafkaReporter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}, opts...)
}

func newKafkaReporter(w messageWriter, opts ...KafkaOption) *KafkaReporter {
	k := &KafkaReporter{
		writer:           w,
		logger:           slog.Default(),
		retryInterval:    defaultRetryInterval,
		maxRetryInterval: defaultMaxRetryInterval,
		maxAttempts:      defaultMaxAttempts,
	}

	for _, opt := range opts {
		opt(k)
	}

	return k
}

// Report publishes r, retrying temporary broker errors with exponential backoff.
func (k *KafkaReporter) Report(ctx context.Context, r UnitReport) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	msg := kafka.Message{
		Key:   []byte(r.Key()),
		Value: value,
		Time:  r.FinishedAt,
	}

	interval := k.retryInterval

	for attempt := 1; ; attempt++ {
		err := k.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}

		if !temporary(err) || attempt >= k.maxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrPublishFailed, attempt, err)
		}

		k.logger.Warn("temporary kafka write error",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
		}

		interval = min(interval*2, k.maxRetryInterval)
	}
}

// Close flushes pending messages and closes the writer.
func (k *KafkaReporter) Close() error {
	return k.writer.Close()
}

func temporary(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}

	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !temporary(e) {
				return false
			}
		}

		return true
	}

	return false
}
