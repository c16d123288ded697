package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestMetricsProxyForwardsExporterOutput(t *testing.T) {
	var target string
	proxy := &MetricsProxy{
		Port: func() int { return 9464 },
		Client: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			target = req.URL.String()
			resp := &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("hoist_uploads_total{provider=\"catbox\"} 3\n")),
				Header:     make(http.Header),
			}
			resp.Header.Set("Connection", "close")
			return resp, nil
		})},
	}

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "http://127.0.0.1:9464/metrics", target)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.Empty(t, rec.Header().Get("Connection"))
	require.Contains(t, rec.Body.String(), "hoist_uploads_total")
}

func TestMetricsProxyErrors(t *testing.T) {
	tests := []struct {
		name   string
		proxy  *MetricsProxy
		status int
		code   string
	}{
		{
			name:   "exporter not running",
			proxy:  &MetricsProxy{Port: func() int { return 0 }},
			status: http.StatusServiceUnavailable,
			code:   "SERVICE_UNAVAILABLE",
		},
		{
			name: "exporter unreachable",
			proxy: &MetricsProxy{
				Port: func() int { return 9464 },
				Client: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
					return nil, errors.New("connection refused")
				})},
			},
			status: http.StatusBadGateway,
			code:   "EXTERNAL_SERVICE_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			require.Equal(t, tt.status, rec.Code)

			var resp struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			require.Equal(t, tt.code, resp.Error.Code)
		})
	}
}
