package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoistup/hoist/internal/config"
	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/engine"
	"github.com/hoistup/hoist/internal/core/ledger"
	apperrors "github.com/hoistup/hoist/internal/errors"
	"github.com/hoistup/hoist/internal/provider"
	"github.com/hoistup/hoist/internal/server/handlers"
)

type fakeUploader struct {
	calls int
}

func (f *fakeUploader) Upload(ctx context.Context, req engine.UploadRequest) (*core.BatchResult, error) {
	f.calls++
	result := &core.BatchResult{ID: "batch", Provider: req.Provider, Total: len(req.Items)}
	for _, item := range req.Items {
		result.Items = append(result.Items, core.ItemResult{
			Item:     item,
			State:    core.StateSucceeded,
			Resource: &core.Resource{Source: item.Source, URL: "https://files.example/x"},
			Attempts: 1,
		})
		result.Succeeded++
	}
	return result, nil
}

func (f *fakeUploader) Profile(name string) (provider.Profile, error) {
	if name != "catbox" {
		return provider.Profile{}, fmt.Errorf("%w: %s", engine.ErrUnknownProvider, name)
	}
	return provider.Profile{Name: "catbox", ChunkSize: 1, AcceptsURLs: true}, nil
}

func (f *fakeUploader) Providers() []string {
	return []string{"catbox"}
}

type fakeLedger struct{}

func (fakeLedger) Entries(ctx context.Context) ([]engine.BucketState, error) {
	return []engine.BucketState{
		{Key: ledger.Global("catbox"), Entry: ledger.Entry{Limit: 30, Remaining: 29, ResetAt: time.Now().Add(time.Minute)}},
	}, nil
}

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, *fakeUploader) {
	t.Helper()
	t.Cleanup(handlers.ResetHTTPErrorResponder)
	up := &fakeUploader{}
	return New(cfg, Deps{Uploader: up, Ledger: fakeLedger{}}), up
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{Host: "127.0.0.1"})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestServerUploadRoute(t *testing.T) {
	srv, up := newTestServer(t, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/upload/catbox",
		strings.NewReader(`{"urls":["https://example.com/cat.gif"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, up.calls)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodPost, "/v1/upload/imgur",
		strings.NewReader(`{"urls":["https://example.com/cat.gif"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, 1, up.calls)
}

func TestServerPacesUploads(t *testing.T) {
	srv, up := newTestServer(t, config.ServerConfig{RequestsPerSecond: 0.001, Burst: 1})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/upload/catbox",
			strings.NewReader(`{"urls":["https://example.com/cat.gif"]}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	refused := send()
	require.Equal(t, http.StatusTooManyRequests, refused.Code)
	require.Equal(t, 1, up.calls)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(refused.Body).Decode(&body))
	require.Equal(t, apperrors.CodeRateLimited, body.Error.Code)
	require.NotEmpty(t, body.Error.RequestID)
	require.Equal(t, refused.Header().Get("Retry-After"),
		fmt.Sprint(body.Error.Details["retry_after_seconds"]))

	// ledger reads are not paced
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledger", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerLedgerAndProviders(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledger?provider=catbox", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var ledgerResp handlers.LedgerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ledgerResp))
	require.Len(t, ledgerResp.Buckets, 1)
	require.True(t, ledgerResp.Buckets[0].Global)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"catbox"`)
}

func TestServerHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{})

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/version"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServerAddr(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{Host: "localhost", Port: 8080})
	require.Equal(t, "localhost:8080", srv.Addr())
}
