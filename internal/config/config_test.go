package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RENTAL_BASE_URL", "https://rental.example/api")
	t.Setenv("RENTAL_API_KEY", "rk")
	t.Setenv("PAYMENT_BASE_URL", "https://pay.example")
	t.Setenv("PAYMENT_API_KEY", "pk")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
	assert.Equal(t, 3, cfg.QueueConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.OrderMinCancelAge)
	assert.Equal(t, 3, cfg.RefundRetries)
	assert.Equal(t, 10*time.Minute, cfg.DepositMaxAge)
	assert.Equal(t, 5*time.Minute, cfg.DepositGrace)
	assert.Equal(t, "qris", cfg.PaymentMethod)
	assert.Equal(t, 10*time.Minute, cfg.OrderTimeout())
	assert.Equal(t, 66*time.Second, cfg.RefundWorstCase())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("QUEUE_CONCURRENCY", "5")
	t.Setenv("ORDER_POLL_INTERVAL", "3s")
	t.Setenv("ORDER_MAX_ATTEMPTS", "10")
	t.Setenv("PUBLIC_BASE_PATH", "bot/")
	t.Setenv("REDIS_TLS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.QueueConcurrency)
	assert.Equal(t, 30*time.Second, cfg.OrderTimeout())
	assert.Equal(t, "/bot", cfg.PublicBasePath)
	assert.True(t, cfg.RedisTLS)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "missing rental key", env: map[string]string{"RENTAL_API_KEY": ""}, wantErr: "RENTAL_API_KEY is required"},
		{name: "zero concurrency", env: map[string]string{"QUEUE_CONCURRENCY": "0"}, wantErr: "QUEUE_CONCURRENCY"},
		{name: "inverted deposit bounds", env: map[string]string{"DEPOSIT_MIN_AMOUNT": "5000", "DEPOSIT_MAX_AMOUNT": "100"}, wantErr: "deposit bounds"},
		{name: "bad duration", env: map[string]string{"LOCK_TTL": "soon"}, wantErr: "parse env"},
		{name: "lock ttl below refund worst case", env: map[string]string{"RENTAL_TIMEOUT": "45s", "LOCK_TTL": "2m"}, wantErr: "LOCK_TTL 2m0s must exceed"},
		{name: "zero refund retries", env: map[string]string{"REFUND_RETRIES": "0"}, wantErr: "REFUND_RETRIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
