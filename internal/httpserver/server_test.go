package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bot-otp/internal/apperr"
	"bot-otp/internal/ledger"
	"bot-otp/internal/rental"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmin struct {
	broadcasts []string
	purged     []string
	purgeErr   error
}

func (f *fakeAdmin) Broadcast(_ context.Context, message string) (int, error) {
	if message == "" {
		return 0, apperr.Validation("message is empty")
	}
	f.broadcasts = append(f.broadcasts, message)
	return 3, nil
}

func (f *fakeAdmin) PurgeUser(_ context.Context, userID string) error {
	if f.purgeErr != nil {
		return f.purgeErr
	}
	f.purged = append(f.purged, userID)
	return nil
}

type fakeAccounts map[string]int64

func (f fakeAccounts) Get(_ context.Context, userID string) (*ledger.User, error) {
	balance, ok := f[userID]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	return &ledger.User{ID: userID, Balance: balance}, nil
}

type fakeReloader struct {
	country string
}

func (f *fakeReloader) RefreshServices(_ context.Context, country string) ([]rental.Service, error) {
	f.country = country
	return []rental.Service{{ID: "wa"}, {ID: "tg"}}, nil
}

func newTestServer(t *testing.T, basePath string) (*Server, *fakeAdmin, *fakeReloader) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	webhook := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := New(":0", logger, nil, Handlers{PaymentWebhook: webhook}, basePath)
	admin := &fakeAdmin{}
	reloader := &fakeReloader{}
	srv.SetDependencies(Dependencies{
		Admin:          admin,
		Accounts:       fakeAccounts{"628111": 15000},
		Services:       reloader,
		AdminToken:     "secret",
		DefaultCountry: "6",
	})
	return srv, admin, reloader
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndWebhookRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, srv.Handler(), http.MethodPost, "/webhook/payment", "", "{}")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	srv, admin, _ := newTestServer(t, "")

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/broadcast", "", `{"message":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv.Handler(), http.MethodPost, "/admin/broadcast", "wrong", `{"message":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, admin.broadcasts)

	srv.SetDependencies(Dependencies{Admin: admin})
	rec = do(t, srv.Handler(), http.MethodPost, "/admin/broadcast", "secret", `{"message":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBroadcast(t *testing.T) {
	srv, admin, _ := newTestServer(t, "")

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/broadcast", "secret", `{"message":" Promo hari ini "}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"Promo hari ini"}, admin.broadcasts)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["recipients"])

	rec = do(t, srv.Handler(), http.MethodPost, "/admin/broadcast", "secret", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv.Handler(), http.MethodPost, "/admin/broadcast", "secret", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserEndpoints(t *testing.T) {
	srv, admin, _ := newTestServer(t, "")

	rec := do(t, srv.Handler(), http.MethodGet, "/admin/users/628111", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var user ledger.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, int64(15000), user.Balance)

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/users/628999", "secret", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv.Handler(), http.MethodDelete, "/admin/users/628111", "secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"628111"}, admin.purged)

	admin.purgeErr = apperr.System("purge order", io.ErrUnexpectedEOF)
	rec = do(t, srv.Handler(), http.MethodDelete, "/admin/users/628111", "secret", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReloadServicesDefaultsCountry(t *testing.T) {
	srv, _, reloader := newTestServer(t, "")

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/reload-services", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "6", reloader.country)
	assert.JSONEq(t, `{"status":"ok","country":"6","count":2}`, rec.Body.String())

	rec = do(t, srv.Handler(), http.MethodPost, "/admin/reload-services?country=7", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", reloader.country)
}

func TestBasePathMounting(t *testing.T) {
	srv, _, _ := newTestServer(t, "/otp/")

	rec := do(t, srv.Handler(), http.MethodGet, "/otp/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/otpx/healthz", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
