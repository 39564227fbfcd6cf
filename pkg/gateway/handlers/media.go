package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxdial/voxdial/pkg/core/callctx"
	"github.com/voxdial/voxdial/pkg/gateway/archive"
	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/lifecycle"
	"github.com/voxdial/voxdial/pkg/gateway/relay/session"
	"github.com/voxdial/voxdial/pkg/gateway/relay/sessions"
)

// MediaStreamHandler upgrades the provider's media-stream connection and runs
// the relay session for it: GET /twilio/media?token=...
type MediaStreamHandler struct {
	Config    config.Config
	Store     *callctx.Store
	Dial      session.DialFunc
	Tracker   *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle
	Archive   *archive.Archive
	Logger    *slog.Logger
}

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The telephony provider connects server-to-server, not from a browser.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))

	if h.Lifecycle.IsDraining() {
		h.Logger.Info("refusing media stream while draining", "token", token)
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := mediaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.Logger.Warn("media stream upgrade failed", "token", token, "err", err)
		return
	}
	ws.SetReadLimit(h.Config.RelayMaxMessageBytes)

	sess := session.New(session.Config{
		MaxRetries:   h.Config.RelayMaxRetries,
		RetryBackoff: h.Config.RelayRetryBackoff,
		IdleTimeout:  h.Config.RelayIdleTimeout,
		BufferLimit:  h.Config.RelayBufferLimit,
		WriteTimeout: h.Config.RelayWriteTimeout,
		PingInterval: h.Config.RelayPingInterval,
	}, ws, h.Dial, h.Store, token, h.Logger)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	trackKey := token
	if trackKey == "" {
		// Token arrives later in the stream's start frame; key the tracker
		// entry so concurrent tokenless streams cannot collide.
		trackKey = uuid.NewString()
	}
	unregister := h.Tracker.Register(trackKey, sessions.Handle{
		Cancel: cancel,
		Warn: func(msg string) {
			h.Logger.Warn("relay session will be terminated", "token", token, "reason", msg)
		},
	})
	defer unregister()

	runErr := sess.Run(ctx)
	if runErr != nil {
		h.Logger.Warn("relay session ended with error", "token", token, "err", runErr)
	} else {
		h.Logger.Info("relay session ended", "token", token)
	}

	h.archiveCall(token)
}

// archiveCall persists the finished call if the archive is configured. The
// status webhook is the authoritative release point, but it can be lost, so
// the session end writes a copy too. The archive upserts by token, making a
// second write harmless.
func (h MediaStreamHandler) archiveCall(token string) {
	if h.Archive == nil || token == "" {
		return
	}
	cc, ok := h.Store.Get(token)
	if !ok {
		return
	}
	h.saveCall(cc)
}

func (h MediaStreamHandler) saveCall(cc callctx.CallContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Archive.SaveCall(ctx, cc); err != nil {
		h.Logger.Warn("archiving call failed", "token", cc.Token, "err", err)
	}
}
