package handlers

import (
	"net/http"

	"github.com/voxdial/voxdial/pkg/gateway/lifecycle"
	"github.com/voxdial/voxdial/pkg/gateway/relay/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Tracker   *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool `json:"ok"`
		Draining     bool `json:"draining"`
		LiveSessions int  `json:"live_sessions"`
	}

	draining := h.Lifecycle.IsDraining()
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:           !draining,
		Draining:     draining,
		LiveSessions: h.Tracker.Count(),
	})
}
