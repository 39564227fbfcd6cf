package server

import (
	"log/slog"
	"net/http"

	"github.com/voxdial/voxdial/pkg/core/callctx"
	"github.com/voxdial/voxdial/pkg/gateway/archive"
	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/handlers"
	"github.com/voxdial/voxdial/pkg/gateway/lifecycle"
	"github.com/voxdial/voxdial/pkg/gateway/mw"
	"github.com/voxdial/voxdial/pkg/gateway/relay/session"
	"github.com/voxdial/voxdial/pkg/gateway/relay/sessions"
)

// Deps carries the service collaborators the entrypoint wires up. Archive may
// be nil when no database is configured.
type Deps struct {
	Store     *callctx.Store
	Dialers   handlers.DialerFactory
	Dial      session.DialFunc
	Tracker   *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle
	Archive   *archive.Archive
}

type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Lifecycle: s.deps.Lifecycle,
		Tracker:   s.deps.Tracker,
	})

	s.mux.Handle("POST /v1/calls", handlers.CallsHandler{
		Config:    s.cfg,
		Store:     s.deps.Store,
		Dialers:   s.deps.Dialers,
		Lifecycle: s.deps.Lifecycle,
		Logger:    s.logger,
	})
	s.mux.Handle("GET /v1/calls/{sid}/transcript", handlers.TranscriptHandler{
		Store:   s.deps.Store,
		Archive: s.deps.Archive,
	})

	s.mux.Handle("POST /twilio/voice", handlers.VoiceWebhookHandler{
		Config:    s.cfg,
		Store:     s.deps.Store,
		Lifecycle: s.deps.Lifecycle,
		Logger:    s.logger,
	})
	s.mux.Handle("POST /twilio/status", handlers.StatusWebhookHandler{
		Store:   s.deps.Store,
		Archive: s.deps.Archive,
		Logger:  s.logger,
	})
	s.mux.Handle("GET /twilio/media", handlers.MediaStreamHandler{
		Config:    s.cfg,
		Store:     s.deps.Store,
		Dial:      s.deps.Dial,
		Tracker:   s.deps.Tracker,
		Lifecycle: s.deps.Lifecycle,
		Archive:   s.deps.Archive,
		Logger:    s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
