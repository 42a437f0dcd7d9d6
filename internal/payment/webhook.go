package payment

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"bot-otp/internal/metrics"
)

// maxWebhookBody bounds callback payloads.
const maxWebhookBody = 1 << 20

// Checker reconciles one deposit immediately.
type Checker interface {
	CheckNow(ctx context.Context, trxID string) error
}

// WebhookHandler verifies payment callbacks and triggers reconciliation of the referenced deposit.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	checker     Checker
}

// NewWebhookHandler creates a webhook handler. The credentials are md5 hex digests.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, usernameMD5, passwordMD5 string, checker Checker) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "payment_webhook"),
		metrics:     m,
		usernameMD5: strings.ToLower(usernameMD5),
		passwordMD5: strings.ToLower(passwordMD5),
		checker:     checker,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.validateAuth(r); err != nil {
		h.logger.Warn("webhook rejected", "error", err, "remote", r.RemoteAddr)
		h.metrics.Error("payment_webhook_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.Error("payment_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	trxID := depositID(body)
	if trxID == "" {
		http.Error(w, "missing deposit id", http.StatusBadRequest)
		return
	}

	if h.checker != nil {
		if err := h.checker.CheckNow(r.Context(), trxID); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "trx_id", trxID)
			h.metrics.Error("payment_webhook_process")
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		if h.validateSignatureHeader(r) {
			return nil
		}
		return fmt.Errorf("missing basic auth")
	}
	if md5Hex(username) != h.usernameMD5 {
		return fmt.Errorf("invalid username hash")
	}
	if md5Hex(password) != h.passwordMD5 {
		return fmt.Errorf("invalid password hash")
	}
	return nil
}

func (h *WebhookHandler) validateSignatureHeader(r *http.Request) bool {
	signature := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Signature")))
	if signature == "" {
		return false
	}
	return signature == h.usernameMD5 || signature == h.passwordMD5
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return hex.EncodeToString(sum[:])
}

// depositID extracts the provider deposit id from a callback body. Payloads
// come either flat or wrapped in a data object.
func depositID(body []byte) string {
	var payload struct {
		ID   json.RawMessage `json:"id"`
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, raw := range []json.RawMessage{payload.Data.ID, payload.ID} {
		if id := strings.Trim(strings.TrimSpace(string(raw)), `"`); id != "" && id != "null" {
			return id
		}
	}
	return ""
}
