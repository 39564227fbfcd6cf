package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/voxdial/voxdial/pkg/core"
	"github.com/voxdial/voxdial/pkg/core/callctx"
	"github.com/voxdial/voxdial/pkg/core/telephony"
	"github.com/voxdial/voxdial/pkg/gateway/archive"
	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/lifecycle"
)

const maxCallRequestBytes = 64 * 1024

// DialerFactory builds a provider client for resolved credentials. Calls may
// carry their own account, so the client cannot be constructed once at boot.
type DialerFactory func(accountSID, authToken string) (telephony.Dialer, error)

// CallsHandler starts outbound calls: POST /v1/calls.
type CallsHandler struct {
	Config    config.Config
	Store     *callctx.Store
	Dialers   DialerFactory
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

type callRequest struct {
	To         string `json:"to"`
	From       string `json:"from,omitempty"`
	Script     string `json:"script,omitempty"`
	Persona    string `json:"persona,omitempty"`
	Context    string `json:"context,omitempty"`
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
}

type callResponse struct {
	Success bool   `json:"success"`
	CallSID string `json:"call_sid"`
	Token   string `json:"token"`
}

func (h CallsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		writeError(w, r, core.NewAPIError("shutting down"))
		return
	}

	var req callRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCallRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, core.NewInvalidRequest("invalid request body: "+err.Error(), ""))
		return
	}

	if err := telephony.ValidateE164(strings.TrimSpace(req.To)); err != nil {
		writeError(w, r, err)
		return
	}

	accountSID := firstNonEmpty(req.AccountSID, h.Config.TwilioAccountSID)
	authToken := firstNonEmpty(req.AuthToken, h.Config.TwilioAuthToken)
	from := firstNonEmpty(req.From, h.Config.TwilioFromNumber)

	var missing []string
	if accountSID == "" {
		missing = append(missing, "account SID")
	}
	if authToken == "" {
		missing = append(missing, "auth token")
	}
	if from == "" {
		missing = append(missing, "from number")
	}
	if len(missing) > 0 {
		writeError(w, r, core.NewConfigIncomplete(missing))
		return
	}

	dialer, err := h.Dialers(accountSID, authToken)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token := uuid.NewString()
	h.Store.Create(token, req.To, from, req.Script, req.Persona, req.Context)

	result, err := dialer.Dial(r.Context(), telephony.DialRequest{
		To:          req.To,
		From:        from,
		CallbackURL: h.Config.PublicBaseURL + "/twilio/voice?token=" + token,
		StatusURL:   h.Config.PublicBaseURL + "/twilio/status?token=" + token,
	})
	if err != nil {
		h.Store.Remove(token)
		h.Logger.Warn("outbound dial failed", "to", req.To, "err", err)
		writeError(w, r, err)
		return
	}

	h.Store.BindCallSID(token, result.CallSID)
	h.Logger.Info("outbound call created",
		"call_sid", result.CallSID, "token", token, "status", result.Status)

	writeJSON(w, http.StatusCreated, callResponse{
		Success: true,
		CallSID: result.CallSID,
		Token:   token,
	})
}

// TranscriptHandler serves GET /v1/calls/{sid}/transcript, falling back to
// the archive for calls already evicted from memory.
type TranscriptHandler struct {
	Store   *callctx.Store
	Archive *archive.Archive
}

type transcriptEntry struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type transcriptResponse struct {
	CallSID string            `json:"call_sid"`
	Entries []transcriptEntry `json:"entries"`
}

func (h TranscriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callSID := r.PathValue("sid")
	if callSID == "" {
		writeError(w, r, core.NewInvalidRequest("missing call sid", "sid"))
		return
	}

	var entries []callctx.Entry
	if cc, ok := h.Store.GetByCallSID(callSID); ok {
		entries = cc.Transcript
	} else {
		archived, err := h.Archive.TranscriptByCallSID(r.Context(), callSID)
		if err != nil {
			var ce *core.Error
			if errors.As(err, &ce) && ce.Type == core.ErrNotFound {
				writeError(w, r, core.NewNotFound("call not found"))
				return
			}
			writeError(w, r, err)
			return
		}
		entries = archived
	}

	resp := transcriptResponse{CallSID: callSID, Entries: make([]transcriptEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, transcriptEntry{
			Role:      string(e.Role),
			Text:      e.Text,
			Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
