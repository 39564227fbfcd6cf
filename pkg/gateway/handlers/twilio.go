package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxdial/voxdial/pkg/core"
	"github.com/voxdial/voxdial/pkg/core/callctx"
	"github.com/voxdial/voxdial/pkg/core/telephony"
	"github.com/voxdial/voxdial/pkg/gateway/archive"
	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/lifecycle"
)

// VoiceWebhookHandler answers the provider's call-connected webhook with the
// call-control document: POST /twilio/voice?token=...
//
// Every path returns a valid document. A broken webhook response strands a
// live phone call, so errors degrade to spoken fallbacks instead of HTTP
// error codes.
type VoiceWebhookHandler struct {
	Config    config.Config
	Store     *callctx.Store
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h VoiceWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		// URL construction bug on our side; without a token the stream can
		// never be correlated to a call.
		h.Logger.Error("voice webhook called without token",
			"err", core.NewMissingToken(), "remote", r.RemoteAddr)
		writeTwiML(w, telephony.FallbackDocument(h.Config.DefaultScript))
		return
	}

	if h.Lifecycle.IsDraining() {
		h.Logger.Info("refusing call while draining", "token", token)
		writeTwiML(w, telephony.UnavailableDocument())
		return
	}

	if h.Config.AgentID == "" || h.Config.AgentAPIKey == "" {
		h.Logger.Error("voice backend not configured, dropping to unavailable document", "token", token)
		writeTwiML(w, telephony.UnavailableDocument())
		return
	}

	if _, ok := h.Store.Get(token); !ok {
		// Context evicted or never created. The call is live, so proceed
		// with the default script and persona rather than hanging up.
		h.Logger.Warn("voice webhook for unknown token, using defaults", "token", token)
		h.Store.Create(token, "", "", h.Config.DefaultScript, h.Config.DefaultPersona, "")
	}

	mediaURL := wsBaseURL(h.Config.PublicBaseURL) + "/twilio/media?token=" + token
	writeTwiML(w, telephony.StreamDocument(mediaURL, h.Config.GreetingLine))
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// StatusWebhookHandler consumes call status transitions:
// POST /twilio/status?token=... (form-encoded CallSid/CallStatus). Terminal
// statuses archive and release the context instead of waiting out the TTL.
type StatusWebhookHandler struct {
	Store   *callctx.Store
	Archive *archive.Archive
	Logger  *slog.Logger
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		return true
	}
	return false
}

func (h StatusWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	token := strings.TrimSpace(r.URL.Query().Get("token"))

	h.Logger.Info("call status", "call_sid", callSID, "status", status, "token", token)

	if isTerminalStatus(status) {
		cc, ok := h.Store.Get(token)
		if !ok && callSID != "" {
			cc, ok = h.Store.GetByCallSID(callSID)
		}
		if ok {
			if done, found := h.Store.MarkCompleted(cc.Token); found {
				cc = done
			}
			// archive errors must not fail the provider's callback delivery
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.Archive.SaveCall(ctx, cc); err != nil {
				h.Logger.Warn("archiving call failed", "token", cc.Token, "err", err)
			}
			h.Store.Remove(cc.Token)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
