package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arclight-ai/voice-relay/pkg/gateway/authn"
	"github.com/arclight-ai/voice-relay/pkg/gateway/config"
	"github.com/arclight-ai/voice-relay/pkg/gateway/mw"
	"github.com/arclight-ai/voice-relay/pkg/relay/protocol"
	"github.com/arclight-ai/voice-relay/pkg/relay/session"
	"github.com/arclight-ai/voice-relay/pkg/relay/sessions"
	"github.com/arclight-ai/voice-relay/pkg/relay/upstream"
	"github.com/arclight-ai/voice-relay/pkg/store"
)

// UpstreamService names the credential looked up for the realtime peer.
const UpstreamService = "openai"

// VoiceStore is the persistence surface the voice handler needs. *store.Store
// satisfies it.
type VoiceStore interface {
	TodayVoiceMinutes(ctx context.Context, userID string) (float64, error)
	InsertSession(ctx context.Context, rec store.SessionRecord) error
	CompleteSession(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds int) error
	AddVoiceMinutes(ctx context.Context, userID string, minutes float64) error
}

// CredentialSource resolves the upstream API key. *secrets.Provider
// satisfies it.
type CredentialSource interface {
	Resolve(service string) (string, bool)
}

type UpstreamDialer func(ctx context.Context, cfg upstream.DialConfig) (session.UpstreamConn, error)

// VoiceHandler handles /v1/voice websocket sessions: admission, upstream
// dial, then a bidirectional relay until one side terminates.
type VoiceHandler struct {
	Config   config.Config
	Auth     *authn.Authenticator
	Store    VoiceStore
	Secrets  CredentialSource
	Logger   *slog.Logger
	Sessions *sessions.Registry

	// Draining reports whether the server has begun shutdown; new sessions
	// are refused once it returns true.
	Draining func() bool

	// Dial is swappable for tests. Nil means upstream.Dial.
	Dial UpstreamDialer
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Draining != nil && h.Draining() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	defer conn.Close()

	if h.Config.ClientReadLimitBytes > 0 {
		conn.SetReadLimit(h.Config.ClientReadLimitBytes)
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", reqID)

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))

	user, err := h.Auth.Authenticate(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, authn.ErrNoToken):
			h.reject(conn, protocol.CloseNoToken, "authentication token required")
		case errors.Is(err, authn.ErrInvalidUser):
			h.reject(conn, protocol.CloseInvalidUser, "unknown or inactive user")
		default:
			logger.Warn("authentication failed", "error", err)
			h.reject(conn, protocol.CloseAuthFailure, "authentication failed")
		}
		return
	}
	logger = logger.With("user_id", user.ID)

	used, err := h.Store.TodayVoiceMinutes(r.Context(), user.ID)
	if err != nil {
		logger.Error("usage lookup failed", "error", err)
		h.reject(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}
	if used >= h.Config.DailyVoiceMinutes {
		h.reject(conn, protocol.CloseQuotaExceeded, "daily voice limit reached")
		return
	}

	apiKey, ok := h.Secrets.Resolve(UpstreamService)
	if !ok || strings.TrimSpace(apiKey) == "" {
		logger.Error("upstream credential unavailable", "service", UpstreamService)
		h.reject(conn, protocol.CloseCredentialMissing, "voice service unavailable")
		return
	}

	sessionID := uuid.NewString()
	startedAt := time.Now().UTC()
	logger = logger.With("session_id", sessionID)

	rec := store.SessionRecord{
		ID:             sessionID,
		UserID:         user.ID,
		ConversationID: conversationID,
		Status:         store.SessionStatusActive,
		StartedAt:      startedAt,
	}
	if err := h.Store.InsertSession(r.Context(), rec); err != nil {
		logger.Error("session insert failed", "error", err)
		h.reject(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	dial := h.Dial
	if dial == nil {
		dial = func(ctx context.Context, cfg upstream.DialConfig) (session.UpstreamConn, error) {
			return upstream.Dial(ctx, cfg)
		}
	}
	up, err := dial(r.Context(), upstream.DialConfig{
		URL:         h.Config.UpstreamURL,
		APIKey:      apiKey,
		Model:       h.Config.UpstreamModel,
		DialTimeout: h.Config.UpstreamDialTimeout,
	})
	if err != nil {
		logger.Error("upstream dial failed", "error", err)
		h.completeAbandoned(sessionID)
		h.sendError(conn, "voice service connection failed")
		h.reject(conn, websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}

	sess, err := session.New(session.Dependencies{
		Client:         conn,
		Upstream:       up,
		Logger:         logger,
		Store:          h.Store,
		Ledger:         h.Store,
		SessionID:      sessionID,
		UserID:         user.ID,
		ConversationID: conversationID,
		StartTime:      startedAt,
		Config: session.Config{
			MaxDuration:   h.Config.MaxSessionDuration,
			WarningBefore: h.Config.SessionWarningBefore,
			DurationPoll:  h.Config.DurationPollInterval,
			WriteTimeout:  h.Config.WriteTimeout,
			PingInterval:  h.Config.PingInterval,
			Upstream: upstream.SessionConfig{
				Voice:              h.Config.Voice,
				InputAudioFormat:   h.Config.InputAudioFormat,
				OutputAudioFormat:  h.Config.OutputAudioFormat,
				TranscriptionModel: h.Config.TranscriptionModel,
				VADThreshold:       h.Config.VADThreshold,
				VADPrefixPaddingMS: h.Config.VADPrefixPaddingMS,
				VADSilenceMS:       h.Config.VADSilenceMS,
			},
		},
	})
	if err != nil {
		logger.Error("session build failed", "error", err)
		_ = up.Close()
		h.completeAbandoned(sessionID)
		h.reject(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		LastActivity:     sess.LastActivity,
		Warn:             sess.SendWarning,
		CloseIdle:        sess.CloseIdle,
		CloseForShutdown: sess.CloseForShutdown,
	})
	defer unregister()

	logger.Info("voice session accepted", "conversation_id", conversationID)
	_ = sess.Run()
}

// completeAbandoned finalizes the session row for sessions that never
// relayed a frame. No minutes accrue.
func (h VoiceHandler) completeAbandoned(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Store.CompleteSession(ctx, sessionID, time.Now().UTC(), 0); err != nil {
		if h.Logger != nil {
			h.Logger.Error("session completion failed", "session_id", sessionID, "error", err)
		}
	}
}

func (h VoiceHandler) sendError(conn *websocket.Conn, message string) {
	data, err := json.Marshal(protocol.NewErrorFrame(message))
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// reject closes the socket with a policy close code before any session
// exists. Callers still hold the deferred conn.Close.
func (h VoiceHandler) reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}
