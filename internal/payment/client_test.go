package payment

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"bot-otp/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL, APIKey: "key-1", Method: "qris"}, discardLogger(), nil)
}

func TestCreateDeposit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deposit/create", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-APIKEY"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "10000", r.PostForm.Get("nominal"))
		assert.Equal(t, "ref-1", r.PostForm.Get("reff_id"))
		assert.Equal(t, "qris", r.PostForm.Get("metode"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]any{
				"id":         "DEP-1",
				"qr_string":  "000201010212",
				"nominal":    10000,
				"fee":        "200",
				"status":     "pending",
				"expired_at": "2024-01-01 10:10:00",
			},
		})
	})

	intent, err := c.CreateDeposit(context.Background(), 10000, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, &Intent{
		ID:        "DEP-1",
		RefID:     "ref-1",
		QRPayload: "000201010212",
		Amount:    10000,
		Fee:       200,
		NetCredit: 9800,
		ExpiresAt: "2024-01-01 10:10:00",
		Status:    StatusPending,
	}, intent)
}

func TestCreateDepositRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": false, "message": "metode deposit non aktif", "code": 400})
	})

	_, err := c.CreateDeposit(context.Background(), 10000, "ref-1")
	assert.ErrorIs(t, err, apperr.ErrProviderRejected)
	assert.Contains(t, err.Error(), "code=400")
}

func TestCreateDepositValidatesAmount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called")
	})
	_, err := c.CreateDeposit(context.Background(), 0, "ref")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDepositStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "success", want: StatusSuccess},
		{raw: "PAID", want: StatusSuccess},
		{raw: "processing", want: StatusPending},
		{raw: "expired", want: StatusExpired},
		{raw: "gagal", want: StatusFailed},
		{raw: "cancelled", want: StatusCancel},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/deposit/status", r.URL.Path)
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "DEP-9", r.PostForm.Get("id"))
				_ = json.NewEncoder(w).Encode(map[string]any{"status": true, "data": map[string]any{"status": tt.raw}})
			})
			st, err := c.DepositStatus(context.Background(), "DEP-9")
			require.NoError(t, err)
			assert.Equal(t, "DEP-9", st.ID)
			assert.Equal(t, tt.want, st.Status)
		})
	}
}

func TestUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.CancelDeposit(context.Background(), "DEP-1")
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
}

func TestCancelDeposit(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "/deposit/cancel", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"true","data":{"id":"DEP-1","status":"cancel"}}`))
	})
	require.NoError(t, c.CancelDeposit(context.Background(), "DEP-1"))
	assert.True(t, called)
}
