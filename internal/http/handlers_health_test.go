package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		method   string
		wantBody string
	}{
		{method: http.MethodGet, wantBody: `{"status":"ok"}`},
		{method: http.MethodHead, wantBody: ""},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(rec, httptest.NewRequest(tt.method, "/healthz", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestReadinessHandler(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })

	t.Run("all dependencies up", func(t *testing.T) {
		rec := httptest.NewRecorder()
		readinessHandler(map[string]Pinger{"postgres": ok, "redis": ok}, nil)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("one dependency down", func(t *testing.T) {
		rec := httptest.NewRecorder()
		readinessHandler(map[string]Pinger{"postgres": ok, "redis": down}, nil)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var got struct {
			Status string            `json:"status"`
			Failed map[string]string `json:"failed"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "unavailable", got.Status)
		assert.Equal(t, map[string]string{"redis": "unreachable"}, got.Failed)
		assert.NotContains(t, rec.Body.String(), "refused")
	})

	t.Run("routed", func(t *testing.T) {
		router := NewRouter(RouterServices{Ready: map[string]Pinger{"postgres": down}})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
