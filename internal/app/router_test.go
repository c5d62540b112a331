package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bankrecon/internal/observability"
)

func TestRouterServesHealthAndMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(RouterParams{
		Logger:  logger,
		Config:  &Config{AppEnv: "development"},
		Metrics: observability.NewMetrics(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rr.Header().Get("X-Frame-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `bankrecon_http_requests_total{code="200",route="/healthz"} 1`)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/banking/imports", nil))
	require.Equal(t, http.StatusNotFound, rr.Code, "banking routes are only mounted with a handler")
}

func TestLoadConfigDefaultsAndPSD2(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("RABOBANK_CLIENT_ID", "client")
	t.Setenv("RABOBANK_CLIENT_SECRET", "secret")
	t.Setenv("RABOBANK_MTLS_CLIENT_CERT", "cert-only")
	t.Setenv("RABOBANK_MTLS_FULLCHAIN", "chain")
	t.Setenv("RABOBANK_MTLS_CLIENT_KEY", "key")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 100, cfg.SuggestionBatchLimit)
	require.Equal(t, "0 */4 * * *", cfg.BankSyncCron)
	require.Equal(t, "*/30 * * * *", cfg.SuggestionCron)
	require.EqualValues(t, 10, cfg.PGMaxConns)
	require.Equal(t, "info", cfg.LogLevel)

	psd2 := cfg.PSD2()
	require.True(t, psd2.Available())
	require.True(t, psd2.Sandbox)
	require.Equal(t, "chain", psd2.MTLSCertPEM)
	require.True(t, psd2.MTLSConfigured())
}

func TestLoadConfigRequiresEncryptionKeyInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("TOKEN_ENCRYPTION_KEY", "")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("TOKEN_ENCRYPTION_KEY", "k")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
}

func TestRouterLogsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	router := NewRouter(RouterParams{Logger: logger, Config: &Config{}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "http request", line["msg"])
	require.Equal(t, "INFO", line["level"])
	require.Equal(t, "/healthz", line["route"])
	require.EqualValues(t, 200, line["status"])
	require.NotEmpty(t, line["request_id"])
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(RouterParams{
		Logger: logger,
		Config: &Config{},
		ReadyChecks: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.JSONEq(t, `{"postgres":"ok","redis":"down"}`, rr.Body.String())
}
