// Package kafka wraps segmentio/kafka-go with a JSON producer and a
// handler-driven consumer. Both sides go through small interfaces so tests
// can substitute in-memory readers and writers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/resilience"
	"github.com/segmentio/kafka-go"
)

// ErrSkip tells the consumer to commit a message without processing it,
// for records that will never succeed.
var ErrSkip = errors.New("skip message")

// MessageHandler is called for each fetched message. Returning nil or
// ErrSkip commits the offset. Any other error is retried in place with
// backoff, so later offsets of the partition are not committed over it; a
// message that still fails after the last attempt is logged and committed.
// When ctx ends during retries the offset stays uncommitted and the group
// redelivers it after the next rebalance.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// MessageReader is the subset of *kafka.Reader a Consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic as part of a consumer group.
type Consumer struct {
	reader  MessageReader
	logger  *slog.Logger
	handler MessageHandler
	retry   resilience.RetryConfig
}

// NewConsumer creates a group consumer for topic.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	return NewConsumerWithReader(r, topic, handler)
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r MessageReader, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
		retry: resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Retryable: func(err error) bool {
				return !errors.Is(err, ErrSkip) && !errors.Is(err, context.Canceled)
			},
		},
	}
}

// Start fetches and handles messages until ctx is cancelled, then closes
// the reader.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		err = resilience.Retry(ctx, "kafka-consume", c.retry, func(ctx context.Context) error {
			return c.handler(ctx, msg.Key, msg.Value)
		})
		if err != nil && !errors.Is(err, ErrSkip) {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping, message left uncommitted",
					"partition", msg.Partition,
					"offset", msg.Offset,
				)
				return nil
			}
			c.logger.Error("dropping message after retries",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}

// Ping dials the first reachable broker and asks it for the controller,
// which fails fast when the cluster is not serving.
func Ping(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, broker := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Controller()
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return errors.New("no kafka brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

// EnsureTopics creates topics that do not exist yet, using the controller
// broker. Existing topics are left alone.
func EnsureTopics(ctx context.Context, brokers []string, topics ...string) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dialing kafka: %w", err)
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("finding controller: %w", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dialing controller: %w", err)
	}
	defer ctrl.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		configs = append(configs, kafka.TopicConfig{Topic: t, NumPartitions: 3, ReplicationFactor: 1})
	}
	if err := ctrl.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("creating topics: %w", err)
	}
	return nil
}
