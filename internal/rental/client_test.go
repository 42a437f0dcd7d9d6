package rental

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bot-otp/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL, APIKey: "secret", Timeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestServicesParsesAndSorts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		assert.Equal(t, "get_services", r.URL.Query().Get("action"))
		assert.Equal(t, "6", r.URL.Query().Get("country"))
		writeJSON(w, map[string]any{
			"status": true,
			"data": []map[string]any{
				{"id": "wa", "name": "WhatsApp", "price": 5000, "stock": 12},
				{"service_id": "tg", "name": "Telegram", "price": "3,000", "count": "4"},
				{"name": "no id"},
			},
		})
	})

	services, err := c.Services(context.Background(), "6", true)
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, Service{ID: "tg", Name: "Telegram", Price: 3000, Stock: 4}, services[0])
	assert.Equal(t, Service{ID: "wa", Name: "WhatsApp", Price: 5000, Stock: 12}, services[1])

	found, ok := FindService(services, "WA")
	assert.True(t, ok)
	assert.Equal(t, "wa", found.ID)
}

func TestServicesRequiresCountry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called")
	})
	_, err := c.Services(context.Background(), " ", false)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestReserveRejections(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		wantReason apperr.Reason
		outOfStock bool
	}{
		{name: "restock", message: "Service is being restocked, restock soon", wantReason: apperr.ReasonRestock, outOfStock: true},
		{name: "no numbers", message: "No numbers available right now", wantReason: apperr.ReasonNoNumbers, outOfStock: true},
		{name: "provider balance", message: "Saldo tidak cukup", wantReason: apperr.ReasonBalanceExhausted},
		{name: "maintenance", message: "Server maintenance", wantReason: apperr.ReasonServiceDown},
		{name: "generic", message: "something odd", wantReason: apperr.ReasonGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"status": false, "message": tt.message})
			})

			_, err := c.Reserve(context.Background(), "6", "wa")
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrProviderRejected)
			reason, ok := apperr.ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.outOfStock, apperr.KindOf(err) == apperr.KindOutOfStock)
		})
	}
}

func TestReserveSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "order", r.URL.Query().Get("action"))
		assert.Equal(t, "wa", r.URL.Query().Get("service"))
		writeJSON(w, map[string]any{"status": true, "data": map[string]any{"id": 991, "number": "+62811", "price": 5000}})
	})

	res, err := c.Reserve(context.Background(), "6", "wa")
	require.NoError(t, err)
	assert.Equal(t, &Reservation{OrderID: "991", Number: "+62811", Price: 5000}, res)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Status(context.Background(), "1")
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
}

func TestTimeoutIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.SetStatus(ctx, "1", StatusCancel)
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
}

func TestStatusNormalisation(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want ActivationStatus
	}{
		{name: "waiting", data: map[string]any{"status": "STATUS_WAIT_CODE"}, want: ActivationStatus{OrderID: "7", Status: ActivationWaiting}},
		{name: "code wins", data: map[string]any{"status": "pending", "code": "123456", "sms": "Your code 123456"}, want: ActivationStatus{OrderID: "7", Status: ActivationReceived, Code: "123456", Text: "Your code 123456"}},
		{name: "cancelled", data: map[string]any{"status": "STATUS_CANCEL"}, want: ActivationStatus{OrderID: "7", Status: ActivationCancelled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "7", r.URL.Query().Get("id"))
				writeJSON(w, map[string]any{"status": true, "data": tt.data})
			})
			st, err := c.Status(context.Background(), "7")
			require.NoError(t, err)
			assert.Equal(t, &tt.want, st)
		})
	}
}

func TestSetStatusSendsCode(t *testing.T) {
	var got string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("status")
		writeJSON(w, map[string]any{"status": true})
	})

	require.NoError(t, c.SetStatus(context.Background(), "7", StatusReady))
	assert.Equal(t, "1", got)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, apperr.ReasonGeneric, Classify(""))
	assert.Equal(t, apperr.ReasonBalanceExhausted, Classify("Insufficient balance on reseller account"))
	assert.Equal(t, apperr.ReasonServiceDown, Classify("service DISABLED"))
}
