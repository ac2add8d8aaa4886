package chat

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/logger"
)

const (
	// SecretHeader carries the shared secret configured with setWebhook.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	maxUpdateBytes = 1 << 20
)

// Update is the part of a Telegram update the relay reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// WebhookHandler receives Telegram updates over HTTP.
type WebhookHandler struct {
	intake *Intake
	secret string
	logger *slog.Logger
}

// NewWebhookHandler creates a handler. A non-empty secret must match the
// SecretHeader of every request.
func NewWebhookHandler(intake *Intake, secret string) *WebhookHandler {
	return &WebhookHandler{
		intake: intake,
		secret: secret,
		logger: slog.Default().With("component", "webhook"),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.writeError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var update Update
	if err := json.Unmarshal(body, &update); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid update JSON")
		return
	}
	if update.Message == nil || update.Message.Text == "" {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	conversationID := strconv.FormatInt(update.Message.Chat.ID, 10)
	log := logger.FromContext(r.Context())
	log.Info("update received", "update_id", update.UpdateID, "conversation_id", conversationID)

	if err := h.intake.Accept(r.Context(), conversationID, update.Message.Text); err != nil {
		status := apperrors.HTTPStatusCode(err)
		log.Warn("update rejected", "conversation_id", conversationID, "status", status, "error", err)
		h.writeError(w, status, http.StatusText(status))
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *WebhookHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
