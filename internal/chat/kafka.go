package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/kafka"
)

// OutboundMessage is a reply published for the platform gateway to deliver.
type OutboundMessage struct {
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

// InboundEvent is a user message published by the platform gateway.
type InboundEvent struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// Publisher publishes events to a topic.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// KafkaSender publishes replies keyed by conversation, so replies to one
// conversation stay in order on a single partition.
type KafkaSender struct {
	pub Publisher
	now func() time.Time
}

func NewKafkaSender(pub Publisher) *KafkaSender {
	return &KafkaSender{pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

func (s *KafkaSender) Send(ctx context.Context, conversationID, text string) error {
	err := s.pub.Publish(ctx, kafka.Event{
		Key: conversationID,
		Value: OutboundMessage{
			ConversationID: conversationID,
			Text:           text,
			SentAt:         s.now(),
		},
	})
	if err != nil {
		return fmt.Errorf("sending reply to %s: %w", conversationID, err)
	}
	return nil
}

// KafkaSource feeds inbound events into an Intake.
type KafkaSource struct {
	intake *Intake
	logger *slog.Logger
}

func NewKafkaSource(intake *Intake) *KafkaSource {
	return &KafkaSource{
		intake: intake,
		logger: slog.Default().With("component", "kafka-source"),
	}
}

// Handle is a kafka.MessageHandler. Every event that reached the intake is
// committed: a failed ingest has already answered the user with the error
// text, so redelivering it would repeat the ack. Undecodable events are
// skipped.
func (s *KafkaSource) Handle(ctx context.Context, key, value []byte) error {
	event, err := kafka.DecodeJSON[InboundEvent](value)
	if err != nil {
		s.logger.Error("dropping undecodable event", "key", string(key), "error", err)
		return kafka.ErrSkip
	}
	if strings.TrimSpace(event.ConversationID) == "" {
		event.ConversationID = string(key)
	}
	err = s.intake.Accept(ctx, event.ConversationID, event.Text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrInvalidInput), errors.Is(err, apperrors.ErrRateLimited):
		return kafka.ErrSkip
	default:
		s.logger.Warn("event not ingested", "conversation_id", event.ConversationID, "error", err)
		return kafka.ErrSkip
	}
}
