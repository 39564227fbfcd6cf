package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxdial/voxdial/pkg/core/callctx"
	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/lifecycle"
	"github.com/voxdial/voxdial/pkg/gateway/relay/sessions"
)

func testServer() *Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(config.Config{
		PublicBaseURL: "https://voxdial.example.com",
		DefaultScript: "Goodbye.",
	}, Deps{
		Store:     callctx.New(callctx.Config{Logger: logger}),
		Tracker:   sessions.NewTracker(),
		Lifecycle: &lifecycle.Lifecycle{},
	}, logger)
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := testServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_HealthRoutes_Reachable(t *testing.T) {
	s := testServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"live_sessions":0`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_VoiceWebhook_ReturnsXML(t *testing.T) {
	s := testServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice?token=unknown", strings.NewReader("CallSid=CA1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "text/xml") {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestServer_RequestIDHeaderSet(t *testing.T) {
	s := testServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}
