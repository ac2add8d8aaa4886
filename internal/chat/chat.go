// Package chat connects the relay to a chat platform. Inbound adapters turn
// platform events into Ingest calls; outbound senders deliver replies.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
)

const (
	DefaultStartText = "Hello! I am your AI assistant. How can I help you?"
	DefaultErrorText = "Sorry, an error occurred while processing your message."
	DefaultSlowText  = "You are sending messages too quickly. Please wait a moment."
)

// Limiter decides whether a conversation may send another message.
type Limiter interface {
	Allow(key string) bool
}

// Sender delivers text to a conversation.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

// Ingester accepts user text into the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, conversationID, text string) error
}

// IntakeConfig holds the canned replies an Intake sends. An empty AckText
// disables the acknowledgement.
type IntakeConfig struct {
	AckText   string
	StartText string
	ErrorText string
	SlowText  string
	// Limiter is optional. Commands are never limited.
	Limiter Limiter
}

// Intake is the behaviour shared by all inbound adapters: commands are
// answered directly, other text is acknowledged and ingested.
type Intake struct {
	ingester Ingester
	sender   Sender
	cfg      IntakeConfig
	logger   *slog.Logger
}

func NewIntake(ing Ingester, sender Sender, cfg IntakeConfig) *Intake {
	if cfg.StartText == "" {
		cfg.StartText = DefaultStartText
	}
	if cfg.ErrorText == "" {
		cfg.ErrorText = DefaultErrorText
	}
	if cfg.SlowText == "" {
		cfg.SlowText = DefaultSlowText
	}
	return &Intake{
		ingester: ing,
		sender:   sender,
		cfg:      cfg,
		logger:   slog.Default().With("component", "chat-intake"),
	}
}

// Accept handles one inbound message. The returned error is the ingest
// error, after the user has already been told about it.
func (in *Intake) Accept(ctx context.Context, conversationID, text string) error {
	if cmd, ok := command(text); ok {
		in.handleCommand(ctx, conversationID, cmd)
		return nil
	}
	if in.cfg.Limiter != nil && !in.cfg.Limiter.Allow(conversationID) {
		in.logger.Warn("conversation rate limited", "conversation_id", conversationID)
		in.send(ctx, conversationID, in.cfg.SlowText)
		return apperrors.New(apperrors.ErrRateLimited, http.StatusTooManyRequests, "too many messages")
	}
	if in.cfg.AckText != "" {
		in.send(ctx, conversationID, in.cfg.AckText)
	}
	err := in.ingester.Ingest(ctx, conversationID, text)
	if err == nil {
		return nil
	}
	in.logger.Error("ingesting message failed", "conversation_id", conversationID, "error", err)
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		in.send(ctx, conversationID, in.cfg.ErrorText)
	}
	return err
}

func (in *Intake) handleCommand(ctx context.Context, conversationID, cmd string) {
	switch cmd {
	case "start":
		in.send(ctx, conversationID, in.cfg.StartText)
	default:
		in.logger.Debug("ignoring command", "conversation_id", conversationID, "command", cmd)
	}
}

func (in *Intake) send(ctx context.Context, conversationID, text string) {
	if err := in.sender.Send(ctx, conversationID, text); err != nil {
		in.logger.Warn("sending reply failed", "conversation_id", conversationID, "error", err)
	}
}

// command extracts the bot command from text such as "/start" or
// "/start@relay_bot arg".
func command(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", false
	}
	cmd := strings.Fields(text[1:])
	if len(cmd) == 0 {
		return "", false
	}
	name, _, _ := strings.Cut(cmd[0], "@")
	return strings.ToLower(name), true
}

// LogSender logs replies instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: slog.Default().With("component", "log-sender")}
}

func (s *LogSender) Send(_ context.Context, conversationID, text string) error {
	s.logger.Info("reply", "conversation_id", conversationID, "text", text)
	return nil
}
