package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/carechat/carechat/internal/platform/websocket"
)

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SecurityHeadersConfig
		upgrade bool
		want    map[string]string
	}{
		{
			name: "plain http",
			want: map[string]string{
				"X-Content-Type-Options":    "nosniff",
				"X-Frame-Options":           "DENY",
				"Referrer-Policy":           "no-referrer",
				"Cache-Control":             "no-store",
				"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
				"Strict-Transport-Security": "",
			},
		},
		{
			name: "tls",
			cfg:  SecurityHeadersConfig{HSTSMaxAge: 24 * time.Hour},
			want: map[string]string{
				"Strict-Transport-Security": "max-age=86400; includeSubDomains",
			},
		},
		{
			name:    "websocket handshake",
			upgrade: true,
			want: map[string]string{
				"Cache-Control":           "no-store",
				"Content-Security-Policy": "",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
			if tt.upgrade {
				req.Header.Set("Upgrade", "WebSocket")
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := SecurityHeaders(tt.cfg)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			if err := h(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for header, want := range tt.want {
				if got := rec.Header().Get(header); got != want {
					t.Errorf("header %s: got %q, want %q", header, got, want)
				}
			}
		})
	}
}

func TestSecurityHeaders_SetOnErrorResponses(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats/unknown", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := SecurityHeaders(SecurityHeadersConfig{})(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})
	if err := h(c); err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on error responses")
	}
}

func TestSecurityHeaders_OnHandshakeResponse(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders(SecurityHeadersConfig{HSTSMaxAge: time.Hour}))
	up := websocket.NewUpgrader([]string{"*"})
	e.GET("/chat", func(c echo.Context) error {
		conn, err := websocket.Upgrade(up, c.Response(), c.Request())
		if err != nil {
			return nil
		}
		return conn.Close()
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	conn, resp, err := gorillawebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff on handshake, got %q", got)
	}
	if got := resp.Header.Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains" {
		t.Errorf("unexpected HSTS on handshake: %q", got)
	}
	if got := resp.Header.Get("Content-Security-Policy"); got != "" {
		t.Errorf("expected no CSP on handshake, got %q", got)
	}
}
