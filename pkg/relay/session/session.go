// Package session owns the lifecycle of one relay session: two forwarding
// directions between an authenticated client connection and the upstream
// realtime speech endpoint, duration enforcement, and idempotent shutdown
// with usage accounting.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arclight-ai/voice-relay/pkg/relay/protocol"
	"github.com/arclight-ai/voice-relay/pkg/relay/upstream"
)

// ClientConn is the subset of *websocket.Conn the session needs from the
// client side. Narrow so tests can substitute an in-memory peer.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// UpstreamConn is the command/event surface of the upstream connection.
type UpstreamConn interface {
	Configure(cfg upstream.SessionConfig) error
	AppendAudio(audioB64 string) error
	CommitAudio() error
	CreateResponse() error
	CancelResponse() error
	ReadEvent() (eventType string, raw []byte, err error)
	Close() error
}

// Store persists the terminal session record.
type Store interface {
	CompleteSession(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds int) error
}

// Ledger accumulates the per-user daily voice-minute counters.
type Ledger interface {
	AddVoiceMinutes(ctx context.Context, userID string, minutes float64) error
}

type Config struct {
	MaxDuration   time.Duration
	WarningBefore time.Duration
	DurationPoll  time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	Upstream      upstream.SessionConfig
}

type Dependencies struct {
	Client         ClientConn
	Upstream       UpstreamConn
	Logger         *slog.Logger
	Store          Store
	Ledger         Ledger
	SessionID      string
	UserID         string
	ConversationID string
	Config         Config
	StartTime      time.Time
	Now            func() time.Time
}

// trigger identifies which termination path won the race. The first trigger
// drives full teardown; later ones are no-ops.
type trigger int

const (
	triggerClientClosed trigger = iota
	triggerUpstreamClosed
	triggerSessionTimeout
	triggerIdleTimeout
	triggerServerShutdown
)

func (t trigger) String() string {
	switch t {
	case triggerClientClosed:
		return "client_closed"
	case triggerUpstreamClosed:
		return "upstream_closed"
	case triggerSessionTimeout:
		return "session_timeout"
	case triggerIdleTimeout:
		return "idle_timeout"
	case triggerServerShutdown:
		return "server_shutdown"
	default:
		return "unknown"
	}
}

func (t trigger) closeCode() int {
	switch t {
	case triggerSessionTimeout:
		return protocol.CloseSessionTimeout
	case triggerIdleTimeout:
		return protocol.CloseIdleTimeout
	case triggerServerShutdown:
		return protocol.CloseServerShutdown
	default:
		return websocket.CloseNormalClosure
	}
}

type Session struct {
	client   ClientConn
	upstream UpstreamConn
	logger   *slog.Logger
	store    Store
	ledger   Ledger

	id             string
	userID         string
	conversationID string
	cfg            Config
	startedAt      time.Time
	now            func() time.Time

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos, always >= startedAt
	warningSent  atomic.Bool

	writeMu      sync.Mutex
	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func New(deps Dependencies) (*Session, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream connection is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if deps.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = deps.Now()
	}
	if deps.Config.MaxDuration <= 0 {
		deps.Config.MaxDuration = 10 * time.Minute
	}
	if deps.Config.WarningBefore <= 0 {
		deps.Config.WarningBefore = 2 * time.Minute
	}
	if deps.Config.DurationPoll <= 0 {
		deps.Config.DurationPoll = 10 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.PingInterval <= 0 {
		deps.Config.PingInterval = 20 * time.Second
	}

	s := &Session{
		client:         deps.Client,
		upstream:       deps.Upstream,
		logger:         deps.Logger,
		store:          deps.Store,
		ledger:         deps.Ledger,
		id:             deps.SessionID,
		userID:         deps.UserID,
		conversationID: deps.ConversationID,
		cfg:            deps.Config,
		startedAt:      deps.StartTime,
		now:            deps.Now,
		done:           make(chan struct{}),
	}
	s.lastActivity.Store(deps.StartTime.UnixNano())
	return s, nil
}

func (s *Session) ID() string      { return s.id }
func (s *Session) UserID() string  { return s.userID }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Run configures the upstream, notifies the client that the session started,
// and relays until the first termination trigger. It blocks until teardown
// is complete.
func (s *Session) Run() error {
	if err := s.upstream.Configure(s.cfg.Upstream); err != nil {
		_ = s.sendJSON(protocol.NewErrorFrame("failed to configure upstream session"))
		s.Shutdown(triggerUpstreamClosed)
		return fmt.Errorf("configure upstream: %w", err)
	}
	s.markState(StateActive)

	if err := s.sendJSON(protocol.NewSessionStarted(s.id, int(s.cfg.MaxDuration/time.Minute))); err != nil {
		s.Shutdown(triggerClientClosed)
		return fmt.Errorf("send session.started: %w", err)
	}

	s.wg.Add(3)
	go s.pumpClient()
	go s.pumpUpstream()
	go s.supervise()

	<-s.done
	s.wg.Wait()
	return nil
}

// pumpClient forwards client command frames upstream, in receipt order.
func (s *Session) pumpClient() {
	defer s.wg.Done()
	for {
		_, data, err := s.client.ReadMessage()
		if err != nil {
			s.Shutdown(triggerClientClosed)
			return
		}
		s.touch()

		frame, err := protocol.DecodeClientFrame(data)
		if err != nil {
			s.logger.Warn("dropping malformed client frame", "session_id", s.id, "error", err)
			continue
		}
		if frame == nil {
			// Unknown client frame types are not forwarded upstream.
			continue
		}

		var werr error
		switch frame.Type {
		case protocol.ClientAudioAppend:
			werr = s.upstream.AppendAudio(frame.Audio)
		case protocol.ClientAudioCommit:
			werr = s.upstream.CommitAudio()
		case protocol.ClientResponseCreate:
			werr = s.upstream.CreateResponse()
		case protocol.ClientResponseCancel:
			werr = s.upstream.CancelResponse()
		}
		if werr != nil {
			_ = s.sendJSON(protocol.NewErrorFrame("upstream connection failed"))
			s.Shutdown(triggerUpstreamClosed)
			return
		}
	}
}

// pumpUpstream forwards upstream events to the client, translating the known
// categories into the stable client vocabulary and passing everything else
// through verbatim.
func (s *Session) pumpUpstream() {
	defer s.wg.Done()
	for {
		eventType, raw, err := s.upstream.ReadEvent()
		if err != nil {
			if upstream.IsMalformed(err) {
				s.logger.Warn("dropping malformed upstream event", "session_id", s.id)
				continue
			}
			_ = s.sendJSON(protocol.NewErrorFrame("upstream connection closed"))
			s.Shutdown(triggerUpstreamClosed)
			return
		}
		s.touch()

		payload := translateUpstreamEvent(eventType, raw)
		if err := s.writeClient(payload); err != nil {
			s.Shutdown(triggerClientClosed)
			return
		}
	}
}

// supervise runs the per-session duration enforcement and client keepalive.
// Idle enforcement is the registry sweep's job, not this goroutine's.
func (s *Session) supervise() {
	defer s.wg.Done()

	durationTicker := time.NewTicker(s.cfg.DurationPoll)
	defer durationTicker.Stop()
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = s.client.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
		case <-durationTicker.C:
			elapsed := s.now().Sub(s.startedAt)
			if elapsed >= s.cfg.MaxDuration {
				_ = s.sendJSON(protocol.NewSessionTimeout("maximum session duration reached"))
				s.Shutdown(triggerSessionTimeout)
				return
			}
			if elapsed >= s.cfg.MaxDuration-s.cfg.WarningBefore && s.warningSent.CompareAndSwap(false, true) {
				remaining := int((s.cfg.MaxDuration - elapsed + time.Minute - 1) / time.Minute)
				_ = s.sendJSON(protocol.NewSessionWarning("session ending soon", remaining))
				s.markState(StateWarned)
			}
		}
	}
}

// CloseIdle terminates the session for inactivity. Called by the registry
// sweep; safe to race with any other termination trigger.
func (s *Session) CloseIdle() {
	_ = s.sendJSON(protocol.NewSessionTimeout("session closed due to inactivity"))
	s.Shutdown(triggerIdleTimeout)
}

// CloseForShutdown terminates the session because the process is exiting.
func (s *Session) CloseForShutdown() {
	s.Shutdown(triggerServerShutdown)
}

// SendWarning pushes an out-of-band warning frame to the client.
func (s *Session) SendWarning(message string) error {
	remaining := int((s.cfg.MaxDuration - s.now().Sub(s.startedAt)) / time.Minute)
	if remaining < 0 {
		remaining = 0
	}
	return s.sendJSON(protocol.NewSessionWarning(message, remaining))
}

// Shutdown drives full teardown exactly once: stop timers and pumps, close
// both connections, persist the terminal record, account the elapsed
// minutes. Safe to invoke from any goroutine, any number of times.
func (s *Session) Shutdown(t trigger) {
	s.shutdownOnce.Do(func() {
		s.markState(StateClosing)
		close(s.done)

		_ = s.upstream.Close()
		s.closeClient(t)

		endedAt := s.now()
		seconds := int(endedAt.Sub(s.startedAt).Round(time.Second) / time.Second)
		if seconds < 0 {
			seconds = 0
		}

		// Accounting failures must not prevent teardown; they are logged
		// for out-of-band reconciliation.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.CompleteSession(ctx, s.id, endedAt, seconds); err != nil {
			s.logger.Error("failed to persist session record", "session_id", s.id, "error", err)
		}
		if err := s.ledger.AddVoiceMinutes(ctx, s.userID, float64(seconds)/60); err != nil {
			s.logger.Error("failed to record voice minutes", "session_id", s.id, "user_id", s.userID, "error", err)
		}

		s.markState(StateClosed)
		s.logger.Info("voice session closed",
			"session_id", s.id,
			"user_id", s.userID,
			"trigger", t.String(),
			"duration_seconds", seconds)
	})
}

func (s *Session) closeClient(t trigger) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = s.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(t.closeCode(), t.String()), deadline)
	_ = s.client.Close()
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

func (s *Session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeClient(data)
}

func (s *Session) writeClient(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.client.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.client.WriteMessage(websocket.TextMessage, data)
}
