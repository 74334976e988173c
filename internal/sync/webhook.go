package sync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-Refresh-Signature"

// WebhookHandler lets an external system request a refresh cycle
type WebhookHandler struct {
	secret  []byte
	manager *Manager
	logger  *slog.Logger
}

// RefreshEvent is the webhook payload. An empty body means a normal refresh.
type RefreshEvent struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason,omitempty"`
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(secret string, manager *Manager, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		secret:  []byte(secret),
		manager: manager,
		logger:  logger,
	}
}

// ServeHTTP handles incoming webhook requests
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.validateSignature(r.Header.Get(SignatureHeader), body) {
		h.logger.Warn("invalid webhook signature",
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event RefreshEvent
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &event); err != nil {
			h.logger.Error("failed to parse refresh event", "error", err)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}

	h.logger.Info("refresh webhook received",
		"force", event.Force,
		"reason", event.Reason,
	)

	h.manager.Trigger(event.Force)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status": "accepted"}`))
}

func (h *WebhookHandler) validateSignature(signature string, body []byte) bool {
	if signature == "" || len(h.secret) == 0 {
		return false
	}

	// Signature format: sha256=<hex>
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return false
	}

	return hmac.Equal([]byte(parts[1]), []byte(Sign(h.secret, body)))
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
