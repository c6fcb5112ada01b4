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

	"github.com/arclight-ai/voice-relay/internal/dotenv"
	"github.com/arclight-ai/voice-relay/pkg/gateway/config"
	gatewayserver "github.com/arclight-ai/voice-relay/pkg/gateway/server"
	"github.com/arclight-ai/voice-relay/pkg/secrets"
	"github.com/arclight-ai/voice-relay/pkg/store"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	connectStore func(context.Context, string) (*store.Store, error)
	migrate      func(string) error
	loadSecrets  func(cfg config.Config) (*secrets.Provider, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:   config.LoadFromEnv,
		connectStore: store.Connect,
		migrate:      store.Migrate,
		loadSecrets: func(cfg config.Config) (*secrets.Provider, error) {
			return secrets.Load(cfg.SecretsFile, cfg.SecretsIdentityFile, func(service string) string {
				if service == "openai" {
					return cfg.UpstreamAPIKey
				}
				return ""
			})
		},
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

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil || deps.connectStore == nil || deps.migrate == nil || deps.loadSecrets == nil {
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

	if err := deps.migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	st, err := deps.connectStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()

	sec, err := deps.loadSecrets(cfg)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	srv := gatewayserver.New(cfg, logger, st, sec)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go srv.RunIdleSweep(sweepCtx)

	logger.Info("starting voice relay",
		"addr", cfg.Addr,
		"max_session_duration", cfg.MaxSessionDuration.String(),
		"daily_voice_minutes", cfg.DailyVoiceMinutes,
	)

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

	srv.SetDraining()
	srv.WarnSessions("server is restarting, your session will end shortly")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitSessions(waitCtx) {
		closed := srv.CloseSessions()
		logger.Warn("force-closed sessions at shutdown", "count", closed)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voice-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voice-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
