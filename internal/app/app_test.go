package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"portal-auth/internal/auth/linkcode"
	"portal-auth/internal/config"
	"portal-auth/internal/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		AppPort:             "0",
		FrontendURL:         "https://portal.example.com/welcome",
		AllowedOrigins:      []string{"https://portal.example.com"},
		DiscordClientID:     "client",
		DiscordClientSecret: "secret",
		DiscordRedirectURL:  "https://api.example.com/oauth/callback/discord",
		DiscordAPIBaseURL:   "https://discord.invalid/api/v10",
		StripeAPIKey:        "sk_test_123",
		StripeWebhookSecret: "whsec_123",
		StoreDriver:         "sqlite",
		SQLitePath:          t.TempDir(),
		JWTSecret:           "0123456789abcdef0123456789abcdef",
		JWTIssuer:           "portal-auth",
		ServiceName:         "portal-auth-test",
	}
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	cfg := testConfig(t)
	ctx := context.Background()

	store, err := OpenStore(ctx, cfg)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb, err := redis.New(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)

	infra := &Infra{Store: store, Redis: rdb}
	t.Cleanup(func() { _ = infra.Close() })

	h, svcs, err := setupHTTP(ctx, cfg, infra)
	require.NoError(t, err)
	assert.Nil(t, svcs.agent, "community sync is off without bot settings")
	require.NotNil(t, svcs.sweeper)
	return h
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/auth/checkout/complete", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRoutesWired(t *testing.T) {
	h := newTestHandler(t)

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/oauth/login/discord", http.StatusFound},
		{http.MethodGet, "/oauth/login/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/me", http.StatusUnauthorized},
		{http.MethodPost, "/webhooks/stripe", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "mongo"
	_, err := OpenStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSetupMailerFollowsConfig(t *testing.T) {
	cfg := testConfig(t)
	_, isLog := setupMailer(cfg, nil).(linkcode.LogMailer)
	assert.True(t, isLog)

	cfg.PostmarkToken = "pm-token"
	cfg.MailFrom = "portal@example.com"
	_, isPostmark := setupMailer(cfg, nil).(*linkcode.PostmarkMailer)
	assert.True(t, isPostmark)
}
