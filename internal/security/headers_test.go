package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.Use(mw)
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(t, HeadersMiddleware(), httptest.NewRequest("GET", "/ping", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "default-src 'none'") {
		t.Errorf("unexpected CSP %q", csp)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		wantOrigin      bool
		wantCredentials bool
	}{
		{"explicit origin allowed", []string{"https://app.example.com"}, "https://app.example.com", true, true},
		{"explicit origin denied", []string{"https://app.example.com"}, "https://evil.example.com", false, false},
		{"wildcard admits anyone", []string{"*"}, "https://anything.example.com", true, false},
		{"empty list admits anyone", nil, "https://anything.example.com", true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ping", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := serve(t, CORSMiddleware(tc.allowedOrigins), req)

			if got := w.Header().Get("Access-Control-Allow-Origin") != ""; got != tc.wantOrigin {
				t.Errorf("origin header present = %v, want %v", got, tc.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") != ""; got != tc.wantCredentials {
				t.Errorf("credentials header present = %v, want %v", got, tc.wantCredentials)
			}
		})
	}
}

func TestCORSAllowsActorHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(t, CORSMiddleware([]string{"*"}), req)

	headers := w.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(headers, "X-Actor-Id") {
		t.Errorf("expected X-Actor-Id in allowed headers, got %q", headers)
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(t, CORSMiddleware([]string{"*"}), req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods not set on preflight")
	}
}
