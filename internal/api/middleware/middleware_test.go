package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dvloznov/finance-agent/internal/logger"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		method string
		path   string
		header string
		want   int
	}{
		{name: "disabled", key: "", method: http.MethodPost, path: "/query", want: http.StatusOK},
		{name: "missing header", key: "secret", method: http.MethodPost, path: "/query", want: http.StatusUnauthorized},
		{name: "wrong key", key: "secret", method: http.MethodPost, path: "/query", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "key prefix", key: "secret", method: http.MethodPost, path: "/query", header: "Bearer secre", want: http.StatusUnauthorized},
		{name: "key with suffix", key: "secret", method: http.MethodPost, path: "/query", header: "Bearer secret2", want: http.StatusUnauthorized},
		{name: "missing scheme", key: "secret", method: http.MethodPost, path: "/query", header: "secret", want: http.StatusUnauthorized},
		{name: "valid key", key: "secret", method: http.MethodPost, path: "/query", header: "Bearer secret", want: http.StatusOK},
		{name: "health is open", key: "secret", method: http.MethodGet, path: "/health", want: http.StatusOK},
		{name: "preflight is open", key: "secret", method: http.MethodOptions, path: "/query", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Auth(tt.key)(http.HandlerFunc(okHandler)).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestBearerMatches(t *testing.T) {
	want := []byte("Bearer k3y")
	if !bearerMatches("Bearer k3y", want) {
		t.Error("exact header rejected")
	}
	for _, h := range []string{"", "Bearer ", "Bearer k3", "bearer k3y", "Bearer k3yy"} {
		if bearerMatches(h, want) {
			t.Errorf("header %q accepted", h)
		}
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id %q not echoed, header %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "caller-id" {
		t.Errorf("request id = %q, want caller-id", seen)
	}
}

func TestLogger_AttachesRequestScopedLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logger.NewWithWriter(buf)

	h := RequestID(Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lg := logger.FromContext(r.Context())
		lg.Info().Msg("inside handler")
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/schema", nil)
	req.Header.Set("X-Request-ID", "rid-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	for _, l := range lines {
		if !strings.Contains(l, `"request_id":"rid-7"`) {
			t.Errorf("line missing request_id: %s", l)
		}
	}
	if !strings.Contains(lines[1], `"status":418`) {
		t.Errorf("access log missing status: %s", lines[1])
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
