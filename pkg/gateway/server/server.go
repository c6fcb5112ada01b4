package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/arclight-ai/voice-relay/pkg/gateway/authn"
	"github.com/arclight-ai/voice-relay/pkg/gateway/config"
	"github.com/arclight-ai/voice-relay/pkg/gateway/handlers"
	"github.com/arclight-ai/voice-relay/pkg/gateway/mw"
	"github.com/arclight-ai/voice-relay/pkg/relay/sessions"
	"github.com/arclight-ai/voice-relay/pkg/secrets"
	"github.com/arclight-ai/voice-relay/pkg/store"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store    *store.Store
	secrets  *secrets.Provider
	auth     *authn.Authenticator
	sessions *sessions.Registry

	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, st *store.Store, sec *secrets.Provider) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		store:    st,
		secrets:  sec,
		auth:     authn.New(cfg.AuthSecret, st),
		sessions: sessions.NewRegistry(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		DB:       s.store,
		Draining: s.IsDraining,
		Sessions: s.sessions,
	})

	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Config:   s.cfg,
		Auth:     s.auth,
		Store:    s.store,
		Secrets:  s.secrets,
		Logger:   s.logger,
		Sessions: s.sessions,
		Draining: s.IsDraining,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// RunIdleSweep scans for idle sessions until ctx is done. Run it in its own
// goroutine alongside the HTTP listener.
func (s *Server) RunIdleSweep(ctx context.Context) {
	s.sessions.RunIdleSweep(ctx, s.cfg.IdleSweepInterval, s.cfg.IdleTimeout)
}

func (s *Server) IsDraining() bool {
	return s.draining.Load()
}

// SetDraining stops admission of new sessions. Existing sessions keep
// running until drained or force-closed.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) WarnSessions(message string) int {
	return s.sessions.WarnAll(message)
}

// WaitSessions blocks until every session has torn down, or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CloseSessions() int {
	return s.sessions.CloseAll()
}

func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}
