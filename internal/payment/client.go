// Package payment is the client of the QR payment provider used for balance top-ups.
package payment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/envelope"
	"bot-otp/internal/metrics"
)

const (
	providerName    = "payment"
	formContentType = "application/x-www-form-urlencoded"
	apiKeyHeader    = "X-APIKEY"
)

// Normalised deposit states.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusExpired = "expired"
	StatusFailed  = "failed"
	StatusCancel  = "cancel"
)

// Config holds payment client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Method  string
	Timeout time.Duration
}

// Client provides typed access to the payment provider.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	method  string
	http    *http.Client
	metrics *metrics.Metrics
}

// New creates a payment client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	method := cfg.Method
	if method == "" {
		method = "qris"
	}
	return &Client{
		logger:  logger.With("component", "payment"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		method:  method,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// Intent is a QR payment intent returned by CreateDeposit.
type Intent struct {
	ID        string
	RefID     string
	QRPayload string
	Amount    int64
	Fee       int64
	NetCredit int64
	ExpiresAt string
	Status    string
}

// CreateDeposit asks the provider for a QR payment of amount. ref must be unique per request.
func (c *Client) CreateDeposit(ctx context.Context, amount int64, ref string) (*Intent, error) {
	if amount <= 0 {
		return nil, apperr.Validation("deposit amount must be positive, got %d", amount)
	}
	form := url.Values{}
	form.Set("reff_id", ref)
	form.Set("nominal", strconv.FormatInt(amount, 10))
	form.Set("metode", c.method)
	form.Set("type", "ewallet")

	env, err := c.postForm(ctx, "/deposit/create", form)
	if err != nil {
		return nil, err
	}
	data, err := envelope.DecodeMap(env.Data)
	if err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}
	intent := &Intent{
		ID:        envelope.FirstString(data, "id", "trx_id", "deposit_id"),
		RefID:     envelope.FirstString(data, "reff_id", "ref_id", "reference"),
		QRPayload: envelope.FirstString(data, "qr_string", "qr", "qr_image"),
		Amount:    envelope.FirstInt(data, "nominal", "amount"),
		Fee:       envelope.FirstInt(data, "fee", "admin_fee", "admin"),
		NetCredit: envelope.FirstInt(data, "get_balance", "net_amount", "saldo_masuk"),
		ExpiresAt: envelope.FirstString(data, "expired_at", "expire_at", "expired"),
		Status:    NormalizeStatus(envelope.FirstString(data, "status", "state")),
	}
	if intent.ID == "" {
		return nil, &apperr.RejectedError{Provider: providerName, Reason: apperr.ReasonGeneric, Message: "deposit without id"}
	}
	if intent.Amount == 0 {
		intent.Amount = amount
	}
	if intent.NetCredit == 0 {
		intent.NetCredit = intent.Amount - intent.Fee
	}
	if intent.RefID == "" {
		intent.RefID = ref
	}
	return intent, nil
}

// DepositState is the provider's view of one deposit.
type DepositState struct {
	ID        string
	Status    string
	Amount    int64
	NetCredit int64
}

// DepositStatus checks a deposit by provider id.
func (c *Client) DepositStatus(ctx context.Context, depositID string) (*DepositState, error) {
	form := url.Values{}
	form.Set("id", depositID)
	env, err := c.postForm(ctx, "/deposit/status", form)
	if err != nil {
		return nil, err
	}
	data, err := envelope.DecodeMap(env.Data)
	if err != nil {
		return nil, fmt.Errorf("parse deposit status: %w", err)
	}
	st := &DepositState{
		ID:        envelope.FirstString(data, "id"),
		Status:    NormalizeStatus(envelope.FirstString(data, "status", "state")),
		Amount:    envelope.FirstInt(data, "nominal", "amount"),
		NetCredit: envelope.FirstInt(data, "get_balance", "net_amount", "saldo_masuk"),
	}
	if st.ID == "" {
		st.ID = depositID
	}
	return st, nil
}

// CancelDeposit cancels a pending deposit.
func (c *Client) CancelDeposit(ctx context.Context, depositID string) error {
	form := url.Values{}
	form.Set("id", depositID)
	_, err := c.postForm(ctx, "/deposit/cancel", form)
	return err
}

func (c *Client) postForm(ctx context.Context, endpoint string, values url.Values) (*envelope.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bot-otp/payment-client")
	req.Header.Set(apiKeyHeader, c.apiKey)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveProvider(providerName, endpoint, "error", time.Since(start).Seconds())
		return nil, apperr.Unavailable(providerName, fmt.Errorf("%s: %w", endpoint, err))
	}
	defer res.Body.Close()
	c.metrics.ObserveProvider(providerName, endpoint, strconv.Itoa(res.StatusCode), time.Since(start).Seconds())

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, apperr.Unavailable(providerName, fmt.Errorf("read %s: %w", endpoint, err))
	}
	if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.Unavailable(providerName, fmt.Errorf("%s: status %d", endpoint, res.StatusCode))
	}

	env, err := envelope.Decode(body)
	if err != nil {
		if res.StatusCode >= http.StatusBadRequest {
			return nil, &apperr.RejectedError{Provider: providerName, Reason: apperr.ReasonGeneric, Message: strings.TrimSpace(string(body))}
		}
		return nil, apperr.Unavailable(providerName, fmt.Errorf("%s: %w", endpoint, err))
	}
	if !env.Status {
		message := env.Message
		if message == "" {
			message = "payment operation failed"
		}
		if env.Code != 0 {
			message = fmt.Sprintf("%s (code=%d)", message, env.Code)
		}
		return nil, &apperr.RejectedError{Provider: providerName, Reason: apperr.ReasonGeneric, Message: message}
	}
	return env, nil
}

// NormalizeStatus folds the provider's status vocabulary into the five deposit states.
// Unknown values stay pending so the next poll asks again.
func NormalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "sukses", "ok", "completed", "complete", "done", "paid", "berhasil", "settlement":
		return StatusSuccess
	case "expired", "expire", "timeout", "kadaluarsa":
		return StatusExpired
	case "failed", "gagal", "rejected", "void", "error":
		return StatusFailed
	case "cancel", "cancelled", "canceled", "dibatalkan":
		return StatusCancel
	default:
		return StatusPending
	}
}
