package httpx

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveCompressed(t *testing.T, h http.Handler, acceptEncoding, method string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "/", nil)
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	rec := httptest.NewRecorder()
	Compression(CompressionConfig{Level: 6})(h).ServeHTTP(rec, req)
	resp := rec.Result()
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCompression(t *testing.T) {
	body := strings.Repeat(`{"content":"tides rise and fall"}`, 200)
	jsonHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	})

	tests := []struct {
		name           string
		acceptEncoding string
		method         string
		wantGzip       bool
	}{
		{name: "gzip accepted", acceptEncoding: "gzip, deflate", method: http.MethodGet, wantGzip: true},
		{name: "gzip with q value", acceptEncoding: "br;q=1.0, gzip;q=0.8", method: http.MethodGet, wantGzip: true},
		{name: "gzip refused with q=0", acceptEncoding: "gzip;q=0", method: http.MethodGet},
		{name: "other encodings only", acceptEncoding: "deflate", method: http.MethodGet},
		{name: "no header", method: http.MethodGet},
		{name: "HEAD request", acceptEncoding: "gzip", method: http.MethodHead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serveCompressed(t, jsonHandler, tt.acceptEncoding, tt.method)
			if !tt.wantGzip {
				assert.Empty(t, resp.Header.Get("Content-Encoding"))
				return
			}
			assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
			assert.Equal(t, "Accept-Encoding", resp.Header.Get("Vary"))
			gr, err := gzip.NewReader(resp.Body)
			require.NoError(t, err)
			defer gr.Close()
			got, err := io.ReadAll(gr)
			require.NoError(t, err)
			assert.Equal(t, body, string(got))
		})
	}
}

func TestCompression_SkipsStatusesAndTypes(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		wantGzip    bool
	}{
		{name: "json error", status: http.StatusConflict, contentType: "application/json", wantGzip: true},
		{name: "text", status: http.StatusOK, contentType: "text/plain; charset=utf-8", wantGzip: true},
		{name: "binary", status: http.StatusOK, contentType: "application/octet-stream"},
		{name: "no content", status: http.StatusNoContent},
		{name: "not modified", status: http.StatusNotModified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				w.WriteHeader(tt.status)
			})
			resp := serveCompressed(t, h, "gzip", http.MethodGet)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.wantGzip {
				assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
			} else {
				assert.Empty(t, resp.Header.Get("Content-Encoding"))
			}
		})
	}
}

func TestAcceptsGzip(t *testing.T) {
	tests := map[string]bool{
		"":                   false,
		"gzip":               true,
		"GZIP":               true,
		"deflate, gzip":      true,
		"gzip;q=0":           false,
		"gzip; q=0.0":        false,
		"x-gzip":             false,
		"identity, gzip;q=1": true,
	}
	for header, want := range tests {
		assert.Equal(t, want, acceptsGzip(header), header)
	}
}
