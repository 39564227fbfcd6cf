package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxdial/voxdial/internal/dotenv"
	"github.com/voxdial/voxdial/pkg/core/aivoice"
	"github.com/voxdial/voxdial/pkg/core/callctx"
	"github.com/voxdial/voxdial/pkg/core/telephony"
	"github.com/voxdial/voxdial/pkg/gateway/archive"
	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/handlers"
	"github.com/voxdial/voxdial/pkg/gateway/lifecycle"
	"github.com/voxdial/voxdial/pkg/gateway/relay/session"
	"github.com/voxdial/voxdial/pkg/gateway/relay/sessions"
	gatewayserver "github.com/voxdial/voxdial/pkg/gateway/server"
)

type serviceDeps struct {
	loadConfig   func() (config.Config, error)
	openArchive  func(ctx context.Context, dsn string, logger *slog.Logger) (*archive.Archive, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServiceDeps() serviceDeps {
	return serviceDeps{
		loadConfig:  config.LoadFromEnv,
		openArchive: archive.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newDialerFactory(cfg config.Config) handlers.DialerFactory {
	return func(accountSID, authToken string) (telephony.Dialer, error) {
		return telephony.NewClient(telephony.ClientConfig{
			AccountSID: accountSID,
			AuthToken:  authToken,
			BaseURL:    cfg.TwilioBaseURL,
		})
	}
}

func newBackendDial(cfg config.Config) (session.DialFunc, error) {
	resolver, err := aivoice.NewSignedURLResolver(aivoice.ResolverConfig{
		APIKey:  cfg.AgentAPIKey,
		AgentID: cfg.AgentID,
		BaseURL: cfg.AgentBaseURL,
	})
	if err != nil {
		return nil, err
	}
	dialer := aivoice.BackendDialer{Resolver: resolver}
	return func(ctx context.Context, init aivoice.InitParams) (session.UpstreamConn, error) {
		return dialer.DialConversation(ctx, init)
	}, nil
}

func runService(ctx context.Context, logger *slog.Logger, deps serviceDeps) error {
	if deps.loadConfig == nil || deps.openArchive == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()

	store := callctx.New(callctx.Config{TTL: cfg.StoreTTL, Logger: logger})
	go store.RunSweeper(sweepCtx, cfg.StoreSweepInterval)

	var arch *archive.Archive
	if cfg.DatabaseURL != "" {
		arch, err = deps.openArchive(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer arch.Close()
	}

	var dial session.DialFunc
	if cfg.AgentID != "" && cfg.AgentAPIKey != "" {
		dial, err = newBackendDial(cfg)
		if err != nil {
			return fmt.Errorf("build voice backend dialer: %w", err)
		}
	} else {
		// Webhook responses degrade to the unavailability document when the
		// backend is unconfigured, so dial stays nil and is never reached.
		logger.Warn("voice backend not configured, calls will hear the unavailability message")
	}

	tracker := sessions.NewTracker()
	lc := &lifecycle.Lifecycle{}

	gw := gatewayserver.New(cfg, gatewayserver.Deps{
		Store:     store,
		Dialers:   newDialerFactory(cfg),
		Dial:      dial,
		Tracker:   tracker,
		Lifecycle: lc,
		Archive:   arch,
	}, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voxdial", "addr", cfg.Addr,
		"public_base_url", cfg.PublicBaseURL, "archive", arch != nil)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)
	logger.Info("draining", "live_sessions", tracker.Count(),
		"warned", tracker.WarnAll("server shutting down"))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !tracker.Wait(waitCtx) {
		logger.Warn("grace period expired, canceling live sessions",
			"canceled", tracker.CancelAll())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voxdial stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serviceDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voxdial: %v\n", err)
		return 1
	}

	if err := runService(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxdial: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServiceDeps()))
}
