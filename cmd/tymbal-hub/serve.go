package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel"

	"github.com/tymbal-dev/tymbal/internal/auth"
	"github.com/tymbal-dev/tymbal/internal/config"
	"github.com/tymbal-dev/tymbal/internal/hub"
	"github.com/tymbal-dev/tymbal/internal/lifecycle"
	"github.com/tymbal-dev/tymbal/internal/retention"
	"github.com/tymbal-dev/tymbal/internal/runtimeproto"
	"github.com/tymbal-dev/tymbal/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config-file]",
		Short: "Start the hub (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "hub-config.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)

	if cfg.Tracing.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		defer func() { _ = tp.Shutdown(context.Background()) }()
		logger.Info("tracing enabled", "service_name", cfg.Tracing.ServiceName)
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	authService := auth.NewService(cfg.Auth)
	clientVerifier, err := buildClientVerifier(cfg.Auth, authService)
	if err != nil {
		return fmt.Errorf("build client verifier: %w", err)
	}

	var fanout hub.Fanout = hub.LocalFanout{}
	if cfg.Fanout.NATSURL != "" {
		nf, err := hub.NewNATSFanout(cfg.Fanout.NATSURL, cfg.Fanout.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("connect nats fanout: %w", err)
		}
		fanout = nf
		defer nf.Close()
	}

	h := hub.New(logger, fanout, hub.Options{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MaxClientMsgBytes:  cfg.Server.MaxClientBytes,
		MaxRuntimeMsgBytes: cfg.Server.MaxRuntimeBytes,
		MaxConnsPerUser:    cfg.Channel.MaxConnsPerUser,
		RuntimeIdleTimeout: cfg.Channel.RuntimeIdleTimeout.Duration,
	})

	proto := runtimeproto.New(st, h, h, logger)
	checkinTimeout := cfg.Channel.CheckinTimeout.Duration
	if checkinTimeout == 0 {
		checkinTimeout = 30 * time.Second
	}
	lc := lifecycle.New(proto, proto, checkinTimeout, logger)
	proto.SetLifecycle(lc)

	purger := retention.New(st, cfg.Storage.Retention.Duration, cfg.Storage.AuditRetention.Duration, logger)
	if err := purger.Start(retention.DefaultSchedule); err != nil {
		logger.Warn("retention purger failed to start", "error", err)
	}

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Get("/ws/runtime", func(w http.ResponseWriter, r *http.Request) {
		h.ServeRuntimeWS(w, r, authService, proto)
	})
	mux.Get("/ws/client", func(w http.ResponseWriter, r *http.Request) {
		h.ServeClientWS(w, r, clientVerifier, proto)
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartIdleReaper(ctx, cfg.Channel.RuntimeIdleTimeout.Duration)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tymbal hub starting", "addr", cfg.Server.Addr, "config", configPath)
		var err error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			logger.Error("hub server error", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	h.CloseAll()
	suspendAllAgents(shutdownCtx, lc, logger)
	purger.Stop(shutdownCtx)

	logger.Info("hub stopped")
	return nil
}

// suspendAllAgents drives every tracked agent to offline on shutdown, per
// spec.md §5's "the lifecycle manager suspends all online agents".
// Suspend is idempotent, so agents already offline are a no-op.
func suspendAllAgents(ctx context.Context, lc *lifecycle.Manager, logger *slog.Logger) {
	for _, snap := range lc.Snapshot() {
		if snap.State == lifecycle.Offline {
			continue
		}
		logger.Info("suspending agent for shutdown", "agent_id", snap.ID.Format(), "state", snap.State)
		lc.Suspend(ctx, snap.ID, "hub shutdown")
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	if cfg.Driver == "postgres" {
		return store.NewPostgres(context.Background(), cfg.DSN)
	}
	return store.NewSQLite(cfg.DSN)
}

func buildClientVerifier(cfg config.AuthConfig, builtin *auth.Service) (auth.ClientVerifier, error) {
	if cfg.Provider == "external_jwks" {
		return auth.NewExternalVerifier(cfg.ExternalIssuer, cfg.ExternalJWKSURL)
	}
	return builtin, nil
}
